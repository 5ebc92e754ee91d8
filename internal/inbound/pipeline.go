// Package inbound runs an inbound turn end to end: conversation resolution,
// idempotent persistence, the usage gate, the assistant reply and outbound
// delivery. Operator actions on a conversation go through the same path.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/memohai/omnidesk/internal/assistant"
	"github.com/memohai/omnidesk/internal/channel"
	"github.com/memohai/omnidesk/internal/conversation"
	"github.com/memohai/omnidesk/internal/media"
	"github.com/memohai/omnidesk/internal/message"
	"github.com/memohai/omnidesk/internal/reply"
	"github.com/memohai/omnidesk/internal/usage"
)

// ErrNoAssistant is returned when an assistant reply is requested for a
// conversation with no assistant bound.
var ErrNoAssistant = errors.New("conversation has no assistant")

// Status texts reported in Result.Message.
const (
	StatusReplied         = "message received"
	StatusDuplicate       = "duplicate message"
	StatusQuotaExhausted  = "message received; automated reply skipped: usage limit reached"
	StatusNoAssistant     = "message received; no assistant bound"
	StatusSent            = "message sent"
	StatusAssistantReply  = "assistant reply generated"
	StatusDeliveryPending = "message stored; delivery failed"
)

type Conversations interface {
	Resolve(ctx context.Context, in conversation.ResolveInput) (conversation.Conversation, bool, error)
	Get(ctx context.Context, id string) (conversation.Conversation, error)
	GetForTenant(ctx context.Context, tenantID, id string) (conversation.Conversation, error)
}

type Messages interface {
	Append(ctx context.Context, in message.AppendInput) (message.AppendResult, error)
	Get(ctx context.Context, id string) (message.Message, error)
	ReplyTo(ctx context.Context, messageID string) (message.Message, error)
	MarkRead(ctx context.Context, conversationID string) (int64, error)
}

type Meter interface {
	Gate(ctx context.Context, tenantID string) (usage.Decision, error)
	RecordUsage(ctx context.Context, tenantID, conversationID string) (bool, error)
}

type Assistants interface {
	Get(ctx context.Context, id string) (assistant.Assistant, error)
}

type Replier interface {
	Reply(ctx context.Context, req reply.Request) reply.Result
}

type Dispatcher interface {
	Dispatch(ctx context.Context, conv conversation.Conversation, msg message.Message) (string, error)
}

type MediaStore interface {
	Store(ctx context.Context, tenantID string, upload channel.Upload, maxBytes int64) (media.Asset, error)
}

// Result is the response of every ingestion and operator operation.
type Result struct {
	Message          string                    `json:"message"`
	Chat             conversation.Conversation `json:"chat"`
	ChatMessage      message.Message           `json:"chat_message"`
	AssistantMessage *message.Message          `json:"assistant_message"`
	Duplicate        bool                      `json:"duplicate"`
	// Reply describes how the assistant text was produced.
	Reply *reply.Result `json:"-"`
}

// Options tune the pipeline.
type Options struct {
	MaxUploadBytes         int64
	OperatorMaxUploadBytes int64
}

// Pipeline wires the ingestion stages together.
type Pipeline struct {
	conversations Conversations
	messages      Messages
	meter         Meter
	assistants    Assistants
	replier       Replier
	dispatcher    Dispatcher
	media         MediaStore
	bindings      channel.BindingReader
	opts          Options
	now           func() time.Time
	logger        *slog.Logger
}

// Deps groups the pipeline collaborators.
type Deps struct {
	Conversations Conversations
	Messages      Messages
	Meter         Meter
	Assistants    Assistants
	Replier       Replier
	Dispatcher    Dispatcher
	Media         MediaStore
	Bindings      channel.BindingReader
}

func NewPipeline(log *slog.Logger, deps Deps, opts Options) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = media.MaxAssetBytes
	}
	if opts.OperatorMaxUploadBytes <= 0 {
		opts.OperatorMaxUploadBytes = opts.MaxUploadBytes
	}
	return &Pipeline{
		conversations: deps.Conversations,
		messages:      deps.Messages,
		meter:         deps.Meter,
		assistants:    deps.Assistants,
		replier:       deps.Replier,
		dispatcher:    deps.Dispatcher,
		media:         deps.Media,
		bindings:      deps.Bindings,
		opts:          opts,
		now:           time.Now,
		logger:        log.With(slog.String("service", "inbound")),
	}
}

// Ingest persists one normalized event received through binding and, when
// the tenant's quota allows, answers it with the bound assistant.
func (p *Pipeline) Ingest(ctx context.Context, binding channel.Binding, event channel.InboundEvent) (Result, error) {
	if strings.TrimSpace(binding.TenantID) == "" {
		return Result{}, channel.Invalid("tenant_id", "is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.now().UTC()
	}
	if err := p.storeUpload(ctx, binding.TenantID, &event, p.opts.MaxUploadBytes); err != nil {
		return Result{}, err
	}

	conv, _, err := p.conversations.Resolve(ctx, conversation.ResolveInputFromEvent(binding, event))
	if err != nil {
		return Result{}, fmt.Errorf("resolve conversation: %w", err)
	}
	log := p.logger.With(
		slog.String("tenant_id", conv.TenantID),
		slog.String("conversation_id", conv.ID),
		slog.String("channel", conv.Channel.String()),
	)

	appended, err := p.messages.Append(ctx, message.InboundFromEvent(conv.ID, conv.TenantID, conv.AssistantID, event))
	if err != nil {
		return Result{}, fmt.Errorf("append message: %w", err)
	}
	inbound := appended.Message
	if !appended.Created {
		log.Info("duplicate inbound message", slog.String("external_message_id", inbound.ExternalMessageID))
		return p.duplicate(ctx, conv, inbound)
	}

	result := Result{Message: StatusReplied, ChatMessage: inbound}
	if conv.AssistantID == "" {
		result.Message = StatusNoAssistant
		return p.finish(ctx, conv, result), nil
	}

	if conv.Channel.Billable() {
		decision, err := p.meter.Gate(ctx, conv.TenantID)
		if err != nil {
			log.Error("usage gate failed", slog.Any("error", err))
			result.Message = StatusQuotaExhausted
			return p.finish(ctx, conv, result), nil
		}
		if !decision.Allowed() {
			result.Message = StatusQuotaExhausted
			return p.finish(ctx, conv, result), nil
		}
		if _, err := p.meter.RecordUsage(ctx, conv.TenantID, conv.ID); err != nil {
			log.Error("record usage failed", slog.Any("error", err))
		}
	}

	a, err := p.assistants.Get(ctx, conv.AssistantID)
	if err != nil || !a.Active {
		if err != nil && !errors.Is(err, assistant.ErrNotFound) {
			log.Error("load assistant failed", slog.Any("error", err))
		}
		result.Message = StatusNoAssistant
		return p.finish(ctx, conv, result), nil
	}

	replyResult := p.replier.Reply(ctx, reply.Request{
		Conversation: conv,
		Assistant:    a,
		Binding:      binding,
		Event:        event,
		MessageID:    inbound.ID,
	})
	result.Reply = &replyResult
	out, err := p.persistReply(ctx, conv, a.ID, inbound.ID, replyResult)
	if err != nil {
		log.Error("persist assistant reply failed", slog.Any("error", err))
		return p.finish(ctx, conv, result), nil
	}
	result.AssistantMessage = &out
	return p.finish(ctx, conv, result), nil
}

// Send stores an operator message and delivers it to the customer.
func (p *Pipeline) Send(ctx context.Context, tenantID, conversationID string, in SendInput) (Result, error) {
	conv, err := p.conversations.GetForTenant(ctx, tenantID, conversationID)
	if err != nil {
		return Result{}, err
	}
	text := strings.TrimSpace(in.Text)
	if text == "" && in.Upload == nil {
		return Result{}, channel.Invalid("text", "or file is required")
	}
	event := channel.InboundEvent{Channel: conv.Channel, Text: text, Upload: in.Upload}
	if in.Upload != nil {
		event.ContentType = channel.Classify(in.Upload.Mime, text, true)
	} else {
		event.ContentType = channel.Classify("", text, false)
		if link, ok := channel.SingleURL(text); ok {
			event.LinkURL = link
		}
	}
	if err := p.storeUpload(ctx, conv.TenantID, &event, p.opts.OperatorMaxUploadBytes); err != nil {
		return Result{}, err
	}
	appended, err := p.messages.Append(ctx, message.AppendInput{
		ConversationID: conv.ID,
		TenantID:       conv.TenantID,
		AssistantID:    conv.AssistantID,
		SenderRole:     message.RoleAgent,
		Direction:      message.DirectionOutbound,
		DeliveryStatus: message.StatusPending,
		ContentType:    event.ContentType,
		Text:           text,
		Media:          event.Media,
		LinkURL:        event.LinkURL,
		OccurredAt:     p.now().UTC(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("append message: %w", err)
	}
	sent := p.deliver(ctx, conv, appended.Message)
	result := Result{Message: StatusSent, ChatMessage: sent}
	if sent.DeliveryStatus == message.StatusFailed {
		result.Message = StatusDeliveryPending
	}
	return p.finish(ctx, conv, result), nil
}

// SendInput is an operator message.
type SendInput struct {
	Text   string
	Upload *channel.Upload
}

// AssistantReply asks the conversation's assistant to answer prompt right
// away. The prompt itself is not stored; the reply is persisted and
// delivered like an automated one. Operator requests are not metered.
func (p *Pipeline) AssistantReply(ctx context.Context, tenantID, conversationID, prompt string) (Result, error) {
	conv, err := p.conversations.GetForTenant(ctx, tenantID, conversationID)
	if err != nil {
		return Result{}, err
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Result{}, channel.Invalid("prompt", "is required")
	}
	if conv.AssistantID == "" {
		return Result{}, ErrNoAssistant
	}
	a, err := p.assistants.Get(ctx, conv.AssistantID)
	if err != nil {
		if errors.Is(err, assistant.ErrNotFound) {
			return Result{}, ErrNoAssistant
		}
		return Result{}, err
	}
	var binding channel.Binding
	if conv.ChannelBindingID != "" && p.bindings != nil {
		if b, err := p.bindings.Get(ctx, conv.ChannelBindingID); err == nil {
			binding = b
		}
	}
	event := channel.InboundEvent{
		Channel:        conv.Channel,
		ExternalChatID: conv.ExternalChatID,
		ExternalUserID: conv.ExternalUserID,
		SenderName:     conv.DisplayName,
		ContentType:    channel.ContentText,
		Text:           prompt,
		OccurredAt:     p.now().UTC(),
	}
	replyResult := p.replier.Reply(ctx, reply.Request{Conversation: conv, Assistant: a, Binding: binding, Event: event})
	out, err := p.persistReply(ctx, conv, a.ID, "", replyResult)
	if err != nil {
		return Result{}, fmt.Errorf("persist assistant reply: %w", err)
	}
	result := Result{Message: StatusAssistantReply, ChatMessage: out, AssistantMessage: &out, Reply: &replyResult}
	return p.finish(ctx, conv, result), nil
}

// MarkRead flags the conversation's inbound messages as read.
func (p *Pipeline) MarkRead(ctx context.Context, tenantID, conversationID string) (conversation.Conversation, int64, error) {
	conv, err := p.conversations.GetForTenant(ctx, tenantID, conversationID)
	if err != nil {
		return conversation.Conversation{}, 0, err
	}
	n, err := p.messages.MarkRead(ctx, conv.ID)
	if err != nil {
		return conversation.Conversation{}, 0, err
	}
	return p.reload(ctx, conv), n, nil
}

func (p *Pipeline) duplicate(ctx context.Context, conv conversation.Conversation, inbound message.Message) (Result, error) {
	result := Result{Message: StatusDuplicate, ChatMessage: inbound, Duplicate: true}
	prior, err := p.messages.ReplyTo(ctx, inbound.ID)
	switch {
	case err == nil:
		result.AssistantMessage = &prior
	case !errors.Is(err, message.ErrNotFound):
		return Result{}, fmt.Errorf("load prior reply: %w", err)
	}
	result.Chat = p.reload(ctx, conv)
	return result, nil
}

func (p *Pipeline) persistReply(ctx context.Context, conv conversation.Conversation, assistantID, replyToID string, r reply.Result) (message.Message, error) {
	appended, err := p.messages.Append(ctx, message.AppendInput{
		ConversationID: conv.ID,
		TenantID:       conv.TenantID,
		AssistantID:    assistantID,
		ReplyToID:      replyToID,
		SenderRole:     message.RoleAssistant,
		Direction:      message.DirectionOutbound,
		DeliveryStatus: message.StatusPending,
		ContentType:    channel.ContentText,
		Text:           r.Text,
		OccurredAt:     p.now().UTC(),
	})
	if err != nil {
		return message.Message{}, err
	}
	return p.deliver(ctx, conv, appended.Message), nil
}

// deliver hands msg to the dispatcher and returns its latest state. Delivery
// errors are recorded on the message by the dispatcher.
func (p *Pipeline) deliver(ctx context.Context, conv conversation.Conversation, msg message.Message) message.Message {
	if p.dispatcher == nil {
		return msg
	}
	if _, err := p.dispatcher.Dispatch(ctx, conv, msg); err != nil {
		p.logger.Warn("outbound dispatch failed",
			slog.String("conversation_id", conv.ID),
			slog.String("message_id", msg.ID),
			slog.Any("error", err))
	}
	latest, err := p.messages.Get(ctx, msg.ID)
	if err != nil {
		return msg
	}
	return latest
}

func (p *Pipeline) storeUpload(ctx context.Context, tenantID string, event *channel.InboundEvent, maxBytes int64) error {
	if event.Upload == nil || p.media == nil {
		return nil
	}
	asset, err := p.media.Store(ctx, tenantID, *event.Upload, maxBytes)
	if err != nil {
		if errors.Is(err, media.ErrAssetTooLarge) {
			return channel.Invalid("file", err.Error())
		}
		return fmt.Errorf("store upload: %w", err)
	}
	event.Media = &channel.Media{
		URL:  asset.URL,
		Mime: asset.Mime,
		Size: asset.Size,
		Name: event.Upload.Name,
	}
	return nil
}

func (p *Pipeline) finish(ctx context.Context, conv conversation.Conversation, result Result) Result {
	result.Chat = p.reload(ctx, conv)
	return result
}

// reload returns the conversation with its latest snapshot, or conv when the
// read fails.
func (p *Pipeline) reload(ctx context.Context, conv conversation.Conversation) conversation.Conversation {
	latest, err := p.conversations.Get(ctx, conv.ID)
	if err != nil {
		p.logger.Warn("reload conversation failed", slog.String("conversation_id", conv.ID), slog.Any("error", err))
		return conv
	}
	return latest
}
