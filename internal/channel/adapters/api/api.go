package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/memohai/omnidesk/internal/channel"
)

// Type is the generic HTTP API channel type.
const Type = channel.ChannelAPI

const (
	tokenHeader         = "X-Webhook-Token"
	credentialToken     = "webhook_token"
	credentialTokenHash = "webhook_token_hash"
)

// Adapter accepts messages pushed by third-party systems over HTTP.
type Adapter struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewAdapter(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger: log.With(slog.String("adapter", "api")),
		now:    time.Now,
	}
}

func (a *Adapter) Type() channel.ChannelType {
	return Type
}

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Generic API",
	}
}

// Payload is the generic inbound message format.
type Payload struct {
	ChatID       string               `json:"chat_id"`
	UserID       string               `json:"user_id"`
	MessageID    string               `json:"message_id"`
	SenderName   string               `json:"sender_name"`
	SenderAvatar string               `json:"sender_avatar"`
	Text         string               `json:"text"`
	Media        *channel.Media       `json:"media"`
	Attachments  []channel.Attachment `json:"attachments"`
	Metadata     map[string]any       `json:"metadata"`
	Timestamp    *time.Time           `json:"timestamp"`
}

func (a *Adapter) Normalize(_ context.Context, binding channel.Binding, raw channel.RawInbound) (channel.InboundEvent, error) {
	if err := a.authenticate(binding, raw.HeaderValue(tokenHeader)); err != nil {
		return channel.InboundEvent{}, err
	}
	var p Payload
	if err := json.Unmarshal(raw.Body, &p); err != nil {
		return channel.InboundEvent{}, channel.Invalid("body", "is not valid JSON")
	}
	text := strings.TrimSpace(p.Text)
	hasMedia := p.Media != nil && (strings.TrimSpace(p.Media.URL) != "" || strings.TrimSpace(p.Media.PlatformKey) != "")
	if text == "" && !hasMedia {
		return channel.InboundEvent{}, channel.Invalid("text", "text or media is required")
	}

	occurred := a.now().UTC()
	stamp := ""
	if p.Timestamp != nil && !p.Timestamp.IsZero() {
		occurred = p.Timestamp.UTC()
		stamp = occurred.Format(time.RFC3339Nano)
	}
	mediaURL := ""
	if hasMedia {
		mediaURL = p.Media.URL
	}

	chatID := strings.TrimSpace(p.ChatID)
	userID := strings.TrimSpace(p.UserID)
	if chatID == "" {
		chatID = channel.SynthesizeID(binding.TenantID, Type, userID, stamp, text, mediaURL)
	}
	messageID := strings.TrimSpace(p.MessageID)
	if messageID == "" && stamp != "" {
		messageID = channel.SynthesizeID(binding.TenantID, Type, chatID, userID, stamp, text, mediaURL)
	}

	event := channel.InboundEvent{
		Channel:           Type,
		ExternalChatID:    chatID,
		ExternalUserID:    userID,
		ExternalMessageID: messageID,
		SenderName:        strings.TrimSpace(p.SenderName),
		SenderAvatar:      strings.TrimSpace(p.SenderAvatar),
		Text:              text,
		Attachments:       p.Attachments,
		Extra:             p.Metadata,
		Raw:               json.RawMessage(raw.Body),
		OccurredAt:        occurred,
	}
	if hasMedia {
		event.Media = p.Media
		event.ContentType = channel.Classify(p.Media.Mime, text, true)
	} else {
		event.ContentType = channel.Classify("", text, false)
		if event.ContentType == channel.ContentLink {
			event.LinkURL = text
		}
	}
	return event, nil
}

// authenticate prefers a bcrypt token hash and falls back to a plaintext
// token compared in constant time.
func (a *Adapter) authenticate(binding channel.Binding, provided string) error {
	if hash := binding.Credential(credentialTokenHash); hash != "" {
		return channel.VerifySecretHash(hash, provided)
	}
	return channel.VerifySecret(binding.Credential(credentialToken), provided)
}
