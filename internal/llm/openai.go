package llm

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/memohai/omnidesk/internal/config"
)

// OpenAI implements Provider on the Assistants API.
type OpenAI struct {
	client       openai.Client
	configured   bool
	defaultModel string
	logger       *slog.Logger
}

// NewOpenAI builds the client from cfg. Without an API key the provider
// reports itself unconfigured and every call fails with ErrNotConfigured.
func NewOpenAI(log *slog.Logger, cfg config.OpenAIConfig) *OpenAI {
	if log == nil {
		log = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(2),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := strings.TrimSpace(cfg.DefaultModel)
	if model == "" {
		model = config.DefaultOpenAIModel
	}
	return &OpenAI{
		client:       openai.NewClient(opts...),
		configured:   strings.TrimSpace(cfg.APIKey) != "",
		defaultModel: model,
		logger:       log.With(slog.String("provider", "openai")),
	}
}

func (p *OpenAI) Configured() bool {
	return p.configured
}

func (p *OpenAI) CreateAssistant(ctx context.Context, spec AssistantSpec) (string, error) {
	if !p.configured {
		return "", ErrNotConfigured
	}
	model := spec.Model
	if model == "" {
		model = p.defaultModel
	}
	params := openai.BetaAssistantNewParams{
		Model: model,
		Name:  openai.String(spec.Name),
	}
	if spec.Instructions != "" {
		params.Instructions = openai.String(spec.Instructions)
	}
	for _, tool := range spec.Tools {
		switch tool {
		case ToolFileSearch:
			params.Tools = append(params.Tools, openai.AssistantToolUnionParam{OfFileSearch: &openai.FileSearchToolParam{}})
		case ToolCodeInterpreter:
			params.Tools = append(params.Tools, openai.AssistantToolUnionParam{OfCodeInterpreter: &openai.CodeInterpreterToolParam{}})
		}
	}
	created, err := p.client.Beta.Assistants.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai create assistant: %w", err)
	}
	p.logger.Info("assistant created", slog.String("external_id", created.ID), slog.String("model", model))
	return created.ID, nil
}

func (p *OpenAI) CreateThread(ctx context.Context) (string, error) {
	if !p.configured {
		return "", ErrNotConfigured
	}
	thread, err := p.client.Beta.Threads.New(ctx, openai.BetaThreadNewParams{})
	if err != nil {
		return "", fmt.Errorf("openai create thread: %w", err)
	}
	return thread.ID, nil
}

func (p *OpenAI) UploadFile(ctx context.Context, name, mime string, data []byte) (string, error) {
	if !p.configured {
		return "", ErrNotConfigured
	}
	if name == "" {
		name = "upload"
	}
	start := time.Now()
	file, err := p.client.Files.New(ctx, openai.FileNewParams{
		File:    openai.File(bytes.NewReader(data), name, mime),
		Purpose: openai.FilePurposeAssistants,
	})
	if err != nil {
		return "", fmt.Errorf("openai upload file: %w", err)
	}
	p.logger.Debug("file uploaded",
		slog.String("file_id", file.ID),
		slog.Int("bytes", len(data)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	return file.ID, nil
}

func (p *OpenAI) AddMessage(ctx context.Context, threadID string, msg MessageInput) (string, error) {
	if !p.configured {
		return "", ErrNotConfigured
	}
	params := openai.BetaThreadMessageNewParams{
		Role: openai.BetaThreadMessageNewParamsRoleUser,
	}
	parts := make([]openai.MessageContentPartParamUnion, 0, len(msg.Parts))
	for _, part := range msg.Parts {
		switch part.Kind {
		case PartImageFile:
			parts = append(parts, openai.MessageContentPartParamUnion{
				OfImageFile: &openai.ImageFileContentBlockParam{ImageFile: openai.ImageFileParam{FileID: part.FileID}},
			})
		case PartImageURL:
			parts = append(parts, openai.MessageContentPartParamUnion{
				OfImageURL: &openai.ImageURLContentBlockParam{ImageURL: openai.ImageURLParam{URL: part.URL}},
			})
		default:
			if strings.TrimSpace(part.Text) == "" {
				continue
			}
			parts = append(parts, openai.MessageContentPartParamUnion{
				OfText: &openai.TextContentBlockParam{Text: part.Text},
			})
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("openai add message: message has no content")
	}
	params.Content = openai.BetaThreadMessageNewParamsContentUnion{OfArrayOfContentParts: parts}

	for _, att := range msg.Attachments {
		item := openai.BetaThreadMessageNewParamsAttachment{FileID: openai.String(att.FileID)}
		for _, tool := range att.Tools {
			switch tool {
			case ToolFileSearch:
				item.Tools = append(item.Tools, openai.BetaThreadMessageNewParamsAttachmentToolUnion{
					OfFileSearch: &openai.BetaThreadMessageNewParamsAttachmentToolFileSearch{},
				})
			case ToolCodeInterpreter:
				item.Tools = append(item.Tools, openai.BetaThreadMessageNewParamsAttachmentToolUnion{
					OfCodeInterpreter: &openai.CodeInterpreterToolParam{},
				})
			}
		}
		params.Attachments = append(params.Attachments, item)
	}

	created, err := p.client.Beta.Threads.Messages.New(ctx, threadID, params)
	if err != nil {
		return "", fmt.Errorf("openai add message: %w", err)
	}
	return created.ID, nil
}

func (p *OpenAI) StartRun(ctx context.Context, threadID, assistantID string) (Run, error) {
	if !p.configured {
		return Run{}, ErrNotConfigured
	}
	run, err := p.client.Beta.Threads.Runs.New(ctx, threadID, openai.BetaThreadRunNewParams{AssistantID: assistantID})
	if err != nil {
		return Run{}, fmt.Errorf("openai start run: %w", err)
	}
	return toRun(run), nil
}

func (p *OpenAI) GetRun(ctx context.Context, threadID, runID string) (Run, error) {
	if !p.configured {
		return Run{}, ErrNotConfigured
	}
	run, err := p.client.Beta.Threads.Runs.Get(ctx, threadID, runID)
	if err != nil {
		return Run{}, fmt.Errorf("openai get run: %w", err)
	}
	return toRun(run), nil
}

func (p *OpenAI) LatestReply(ctx context.Context, threadID, runID string) (string, error) {
	if !p.configured {
		return "", ErrNotConfigured
	}
	params := openai.BetaThreadMessageListParams{
		Order: openai.BetaThreadMessageListParamsOrderDesc,
		Limit: openai.Int(10),
	}
	if runID != "" {
		params.RunID = openai.String(runID)
	}
	page, err := p.client.Beta.Threads.Messages.List(ctx, threadID, params)
	if err != nil {
		return "", fmt.Errorf("openai list messages: %w", err)
	}
	for _, msg := range page.Data {
		if msg.Role != openai.MessageRoleAssistant {
			continue
		}
		var b strings.Builder
		for _, content := range msg.Content {
			if content.Type != "text" {
				continue
			}
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(content.Text.Value)
		}
		if text := strings.TrimSpace(b.String()); text != "" {
			return text, nil
		}
	}
	return "", nil
}

func toRun(run *openai.Run) Run {
	return Run{
		ID:        run.ID,
		ThreadID:  run.ThreadID,
		Status:    RunStatus(run.Status),
		LastError: run.LastError.Message,
	}
}
