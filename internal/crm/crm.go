// Package crm post-processes assistant replies and extracts structured CRM
// actions embedded in them.
package crm

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/memohai/omnidesk/internal/pubsub"
)

// Scope identifies the reply an action was extracted from.
type Scope struct {
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id"`
	AssistantID    string `json:"assistant_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
}

// Action is one structured instruction emitted by an assistant, such as
// creating a lead or tagging the customer.
type Action struct {
	Type  string         `json:"type"`
	Data  map[string]any `json:"data,omitempty"`
	Scope Scope          `json:"scope"`
}

// Extractor turns raw assistant output into customer-facing text.
type Extractor interface {
	Extract(ctx context.Context, scope Scope, text string) string
}

// Passthrough returns the text unchanged.
type Passthrough struct{}

func (Passthrough) Extract(_ context.Context, _ Scope, text string) string {
	return text
}

// ActionSink receives extracted actions.
type ActionSink interface {
	PublishAction(ctx context.Context, action Action) error
}

var (
	actionTag   = regexp.MustCompile(`(?s)<crm-action>(.*?)</crm-action>`)
	blankLines  = regexp.MustCompile(`\n{3,}`)
	trailingSpc = regexp.MustCompile(`[ \t]+\n`)
)

// TagExtractor strips <crm-action>{json}</crm-action> blocks from the reply
// and forwards each well-formed action to the sink. Malformed blocks are
// dropped from the text as well.
type TagExtractor struct {
	sink   ActionSink
	logger *slog.Logger
}

func NewTagExtractor(log *slog.Logger, sink ActionSink) *TagExtractor {
	if log == nil {
		log = slog.Default()
	}
	return &TagExtractor{sink: sink, logger: log.With(slog.String("service", "crm_extractor"))}
}

func (e *TagExtractor) Extract(ctx context.Context, scope Scope, text string) string {
	if !strings.Contains(text, "<crm-action>") {
		return text
	}
	for _, match := range actionTag.FindAllStringSubmatch(text, -1) {
		var action Action
		if err := json.Unmarshal([]byte(strings.TrimSpace(match[1])), &action); err != nil || strings.TrimSpace(action.Type) == "" {
			e.logger.Warn("malformed crm action dropped", slog.String("conversation_id", scope.ConversationID))
			continue
		}
		action.Scope = scope
		if e.sink == nil {
			continue
		}
		if err := e.sink.PublishAction(ctx, action); err != nil {
			e.logger.Error("publish crm action failed",
				slog.String("conversation_id", scope.ConversationID),
				slog.String("type", action.Type),
				slog.Any("error", err))
		}
	}
	cleaned := actionTag.ReplaceAllString(text, "")
	cleaned = trailingSpc.ReplaceAllString(cleaned, "\n")
	cleaned = blankLines.ReplaceAllString(cleaned, "\n\n")
	return strings.TrimSpace(cleaned)
}

// PubSubSink publishes actions as "crm.action" events.
type PubSubSink struct {
	publisher pubsub.Publisher
	key       string
}

func NewPubSubSink(publisher pubsub.Publisher, routingKey string) *PubSubSink {
	return &PubSubSink{publisher: publisher, key: routingKey}
}

func (s *PubSubSink) PublishAction(ctx context.Context, action Action) error {
	env, err := pubsub.NewEnvelope("crm.action", action.Scope.TenantID, action.Scope.MessageID, action)
	if err != nil {
		return err
	}
	return s.publisher.Publish(ctx, s.key, env)
}
