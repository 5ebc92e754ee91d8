package reply

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/memohai/omnidesk/internal/assistant"
	"github.com/memohai/omnidesk/internal/channel"
	"github.com/memohai/omnidesk/internal/llm"
)

// buildMessage maps the inbound turn to a provider message. Binary content
// is uploaded when possible; anything that cannot be attached degrades to a
// text note.
func (o *Orchestrator) buildMessage(ctx context.Context, log *slog.Logger, req Request) llm.MessageInput {
	event := req.Event
	prompt := buildPrompt(req)

	switch {
	case event.ContentType == channel.ContentImage:
		if upload := o.binary(ctx, log, req); upload != nil {
			fileID, err := o.provider.UploadFile(ctx, upload.Name, upload.Mime, upload.Data)
			if err == nil {
				return llm.MessageInput{Parts: []llm.Part{
					{Kind: llm.PartText, Text: prompt},
					{Kind: llm.PartImageFile, FileID: fileID},
				}}
			}
			log.Warn("image upload failed", slog.Any("error", err))
		}
		if event.Media != nil && IsPublicURL(event.Media.URL) {
			return llm.MessageInput{Parts: []llm.Part{
				{Kind: llm.PartText, Text: prompt},
				{Kind: llm.PartImageURL, URL: event.Media.URL},
			}}
		}
		return textOnly(prompt, "The customer sent an image that could not be attached.")

	case event.ContentType.IsMedia():
		tools := attachmentTools(req.Assistant)
		if len(tools) == 0 {
			return textOnly(prompt, fmt.Sprintf("The customer sent a %s attachment that cannot be processed.", event.ContentType))
		}
		upload := o.binary(ctx, log, req)
		if upload == nil {
			return textOnly(prompt, fmt.Sprintf("The customer sent a %s attachment that could not be retrieved.", event.ContentType))
		}
		fileID, err := o.provider.UploadFile(ctx, upload.Name, upload.Mime, upload.Data)
		if err != nil {
			log.Warn("file upload failed", slog.Any("error", err))
			return textOnly(prompt, fmt.Sprintf("The customer sent a %s attachment that could not be uploaded.", event.ContentType))
		}
		return llm.MessageInput{
			Parts:       []llm.Part{{Kind: llm.PartText, Text: prompt}},
			Attachments: []llm.Attachment{{FileID: fileID, Tools: tools}},
		}

	default:
		return llm.MessageInput{Parts: []llm.Part{{Kind: llm.PartText, Text: prompt}}}
	}
}

func textOnly(prompt, note string) llm.MessageInput {
	return llm.MessageInput{Parts: []llm.Part{{Kind: llm.PartText, Text: prompt + "\n\n(" + note + ")"}}}
}

// attachmentTools returns the tools the assistant opted into.
func attachmentTools(a assistant.Assistant) []llm.Tool {
	var tools []llm.Tool
	for _, t := range []assistant.Tool{assistant.ToolFileSearch, assistant.ToolCodeInterpreter} {
		if a.HasTool(t) {
			tools = append(tools, llm.Tool(t))
		}
	}
	return tools
}

// binary returns the turn's bytes from the request upload or the channel's
// media resolver.
func (o *Orchestrator) binary(ctx context.Context, log *slog.Logger, req Request) *channel.Upload {
	if up := req.Event.Upload; up != nil && len(up.Data) > 0 {
		return up
	}
	media := req.Event.Media
	if media == nil || o.media == nil {
		return nil
	}
	resolver, ok := o.media.GetMediaResolver(req.Event.Channel)
	if !ok {
		return nil
	}
	up, err := resolver.ResolveMedia(ctx, req.Binding, *media)
	if err != nil {
		log.Warn("resolve media failed", slog.String("channel", req.Event.Channel.String()), slog.Any("error", err))
		return nil
	}
	if len(up.Data) == 0 {
		return nil
	}
	if up.Mime == "" {
		up.Mime = media.Mime
	}
	if up.Name == "" {
		up.Name = media.Name
	}
	return &up
}

// buildPrompt frames the customer turn for the assistant.
func buildPrompt(req Request) string {
	event := req.Event
	sender := strings.TrimSpace(event.SenderName)
	if sender == "" {
		sender = strings.TrimSpace(req.Conversation.DisplayName)
	}
	if sender == "" {
		sender = "customer"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s via %s from %s:\n", promptMarker, event.Channel, sender)
	text := strings.TrimSpace(event.Text)
	switch {
	case text != "":
		b.WriteString(text)
	case event.ContentType == channel.ContentLink && event.LinkURL != "":
		b.WriteString(event.LinkURL)
	default:
		fmt.Fprintf(&b, "[%s without text]", event.ContentType)
	}
	if event.ContentType == channel.ContentLink && event.LinkURL != "" && text != event.LinkURL {
		fmt.Fprintf(&b, "\nLink: %s", event.LinkURL)
	}
	return b.String()
}
