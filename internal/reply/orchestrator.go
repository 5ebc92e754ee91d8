// Package reply drives the external assistant exchange for one inbound turn:
// thread affinity, content upload, run polling and the deterministic
// fallback.
package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/memohai/omnidesk/internal/assistant"
	"github.com/memohai/omnidesk/internal/channel"
	"github.com/memohai/omnidesk/internal/config"
	"github.com/memohai/omnidesk/internal/conversation"
	"github.com/memohai/omnidesk/internal/crm"
	"github.com/memohai/omnidesk/internal/llm"
)

// ThreadStore persists thread affinity. SetThread returns the thread that is
// stored after the call, which differs from threadID when another request
// bound one first.
type ThreadStore interface {
	SetThread(ctx context.Context, conversationID, assistantID, threadID string) (string, error)
}

// AssistantStore records the provider-side assistant id.
type AssistantStore interface {
	SetExternalID(ctx context.Context, id, externalID string) (string, error)
}

// MediaResolvers looks up the binary fetcher of a channel.
type MediaResolvers interface {
	GetMediaResolver(channelType channel.ChannelType) (channel.MediaResolver, bool)
}

// Options bound the run polling.
type Options struct {
	PollInterval time.Duration
	MaxAttempts  int
	Timeout      time.Duration
}

// OptionsFromConfig reads polling bounds from the provider config.
func OptionsFromConfig(cfg config.OpenAIConfig) Options {
	attempts := cfg.MaxPollAttempts
	if attempts <= 0 {
		attempts = config.DefaultMaxPollAttempts
	}
	return Options{PollInterval: cfg.Interval(), MaxAttempts: attempts, Timeout: cfg.Timeout()}
}

// Request is one reply to produce.
type Request struct {
	Conversation conversation.Conversation
	Assistant    assistant.Assistant
	Binding      channel.Binding
	Event        channel.InboundEvent
	// MessageID is the inbound message being answered.
	MessageID string
}

// Result is the text to persist and how it was produced.
type Result struct {
	Text     string `json:"text"`
	Fallback bool   `json:"fallback"`
	Reason   string `json:"reason,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
	RunID    string `json:"run_id,omitempty"`
}

// Fallback reasons.
const (
	ReasonUnconfigured    = "provider_unconfigured"
	ReasonAssistantFailed = "assistant_unavailable"
	ReasonThreadFailed    = "thread_unavailable"
	ReasonMessageFailed   = "message_rejected"
	ReasonRunFailed       = "run_failed"
	ReasonTimeout         = "timeout"
	ReasonEmpty           = "empty_reply"
)

var errRunTimeout = errors.New("run did not finish in time")

// Orchestrator produces assistant replies. Provider failures never surface
// as errors; they turn into the fallback text.
type Orchestrator struct {
	provider   llm.Provider
	threads    ThreadStore
	assistants AssistantStore
	media      MediaResolvers
	extractor  crm.Extractor
	opts       Options
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(log *slog.Logger, provider llm.Provider, threads ThreadStore, assistants AssistantStore,
	media MediaResolvers, extractor crm.Extractor, opts Options) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if extractor == nil {
		extractor = crm.Passthrough{}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = config.DefaultMaxPollAttempts
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Orchestrator{
		provider:   provider,
		threads:    threads,
		assistants: assistants,
		media:      media,
		extractor:  extractor,
		opts:       opts,
		logger:     log.With(slog.String("service", "reply")),
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Reply runs the exchange for req. The caller's cancellation is ignored so a
// disconnecting webhook cannot abandon a half-created thread; Options.Timeout
// bounds the whole exchange instead.
func (o *Orchestrator) Reply(ctx context.Context, req Request) Result {
	ctx = context.WithoutCancel(ctx)
	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
		defer cancel()
	}
	log := o.logger.With(
		slog.String("conversation_id", req.Conversation.ID),
		slog.String("assistant_id", req.Assistant.ID))

	if o.provider == nil || !o.provider.Configured() {
		return o.fallback(req, ReasonUnconfigured)
	}

	externalID, err := o.ensureAssistant(ctx, req.Assistant)
	if err != nil {
		log.Warn("external assistant unavailable", slog.Any("error", err))
		return o.fallback(req, ReasonAssistantFailed)
	}

	threadID, err := o.ensureThread(ctx, req.Conversation, req.Assistant.ID)
	if err != nil {
		log.Warn("thread unavailable", slog.Any("error", err))
		return o.fallback(req, ReasonThreadFailed)
	}

	input := o.buildMessage(ctx, log, req)
	if _, err := o.provider.AddMessage(ctx, threadID, input); err != nil {
		log.Warn("add message failed", slog.String("thread_id", threadID), slog.Any("error", err))
		res := o.fallback(req, ReasonMessageFailed)
		res.ThreadID = threadID
		return res
	}

	run, err := o.provider.StartRun(ctx, threadID, externalID)
	if err != nil {
		log.Warn("start run failed", slog.String("thread_id", threadID), slog.Any("error", err))
		res := o.fallback(req, ReasonRunFailed)
		res.ThreadID = threadID
		return res
	}

	text, err := o.await(ctx, threadID, run)
	if err != nil {
		reason := ReasonRunFailed
		if errors.Is(err, errRunTimeout) || errors.Is(err, context.DeadlineExceeded) {
			reason = ReasonTimeout
		}
		log.Warn("run did not produce a reply", slog.String("thread_id", threadID), slog.String("run_id", run.ID), slog.Any("error", err))
		res := o.fallback(req, reason)
		res.ThreadID, res.RunID = threadID, run.ID
		return res
	}

	text = strings.TrimSpace(o.extractor.Extract(ctx, crm.Scope{
		TenantID:       req.Conversation.TenantID,
		ConversationID: req.Conversation.ID,
		AssistantID:    req.Assistant.ID,
		MessageID:      req.MessageID,
	}, text))
	if text == "" {
		res := o.fallback(req, ReasonEmpty)
		res.ThreadID, res.RunID = threadID, run.ID
		return res
	}
	return Result{Text: text, ThreadID: threadID, RunID: run.ID}
}

func (o *Orchestrator) fallback(req Request, reason string) Result {
	o.logger.Info("using fallback reply",
		slog.String("conversation_id", req.Conversation.ID),
		slog.String("reason", reason))
	return Result{
		Text:     FallbackText(req.Assistant.DisplayName(), req.Event.ContentType, req.Event.Text),
		Fallback: true,
		Reason:   reason,
	}
}

// ensureAssistant creates the provider assistant on first use.
func (o *Orchestrator) ensureAssistant(ctx context.Context, a assistant.Assistant) (string, error) {
	if a.ExternalID != "" {
		return a.ExternalID, nil
	}
	tools := make([]llm.Tool, 0, len(a.Tools))
	for _, t := range a.Tools {
		if t.Valid() {
			tools = append(tools, llm.Tool(t))
		}
	}
	created, err := o.provider.CreateAssistant(ctx, llm.AssistantSpec{
		Name:         a.DisplayName(),
		Instructions: a.Instructions,
		Model:        a.Model,
		Tools:        tools,
	})
	if err != nil {
		return "", err
	}
	if o.assistants == nil {
		return created, nil
	}
	stored, err := o.assistants.SetExternalID(ctx, a.ID, created)
	if err != nil {
		o.logger.Warn("persist external assistant id failed", slog.String("assistant_id", a.ID), slog.Any("error", err))
		return created, nil
	}
	return stored, nil
}

// ensureThread returns the affinity thread, creating and persisting it
// before any message is sent.
func (o *Orchestrator) ensureThread(ctx context.Context, conv conversation.Conversation, assistantID string) (string, error) {
	if t, ok := conv.Metadata.Thread(assistantID); ok {
		return t.ThreadID, nil
	}
	created, err := o.provider.CreateThread(ctx)
	if err != nil {
		return "", err
	}
	stored, err := o.threads.SetThread(ctx, conv.ID, assistantID, created)
	if err != nil {
		o.logger.Warn("persist thread affinity failed",
			slog.String("conversation_id", conv.ID), slog.String("thread_id", created), slog.Any("error", err))
		return created, nil
	}
	return stored, nil
}

func (o *Orchestrator) await(ctx context.Context, threadID string, run llm.Run) (string, error) {
	for attempt := 0; ; attempt++ {
		if run.Status.Terminal() {
			break
		}
		if attempt >= o.opts.MaxAttempts {
			return "", errRunTimeout
		}
		if err := o.sleep(ctx, o.opts.PollInterval); err != nil {
			return "", err
		}
		next, err := o.provider.GetRun(ctx, threadID, run.ID)
		if err != nil {
			return "", err
		}
		run = next
	}
	if run.Status != llm.RunCompleted {
		return "", fmt.Errorf("run ended as %s: %s", run.Status, run.LastError)
	}
	return o.provider.LatestReply(ctx, threadID, run.ID)
}
