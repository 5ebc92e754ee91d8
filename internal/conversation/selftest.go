package conversation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/memohai/omnidesk/internal/assistant"
	"github.com/memohai/omnidesk/internal/channel"
	"github.com/memohai/omnidesk/internal/channel/adapters/selftest"
)

// AssistantLister lists assistants that should own a self-test conversation.
type AssistantLister interface {
	ListActive(ctx context.Context) ([]assistant.Assistant, error)
}

// SelfTestStore is the subset of Service used by the initializer.
type SelfTestStore interface {
	Resolve(ctx context.Context, in ResolveInput) (Conversation, bool, error)
	DeleteOrphanedSelfTests(ctx context.Context) (int64, error)
}

// SelfTestReport summarizes one initializer pass.
type SelfTestReport struct {
	Assistants int
	Created    int
	Deleted    int64
	Failed     int
}

// SelfTestInitializer keeps exactly one internal-test conversation per
// active assistant.
type SelfTestInitializer struct {
	store      SelfTestStore
	assistants AssistantLister
	logger     *slog.Logger
}

func NewSelfTestInitializer(log *slog.Logger, store SelfTestStore, assistants AssistantLister) *SelfTestInitializer {
	if log == nil {
		log = slog.Default()
	}
	return &SelfTestInitializer{
		store:      store,
		assistants: assistants,
		logger:     log.With(slog.String("service", "selftest_initializer")),
	}
}

// EnsureSelfTestConversations creates missing self-test conversations and
// removes the ones whose assistant disappeared or went inactive. A failure
// for one assistant does not stop the pass.
func (i *SelfTestInitializer) EnsureSelfTestConversations(ctx context.Context) (SelfTestReport, error) {
	var report SelfTestReport
	items, err := i.assistants.ListActive(ctx)
	if err != nil {
		return report, fmt.Errorf("list active assistants: %w", err)
	}
	report.Assistants = len(items)
	for _, a := range items {
		_, created, err := i.store.Resolve(ctx, ResolveInput{
			TenantID:       a.TenantID,
			Channel:        channel.ChannelInternalTest,
			ExternalChatID: selftest.ChatID(a.ID),
			ExternalUserID: selftest.ChatID(a.ID),
			DisplayName:    "Self-test: " + a.DisplayName(),
			AssistantID:    a.ID,
		})
		if err != nil {
			report.Failed++
			i.logger.Warn("ensure self-test conversation failed", slog.String("assistant_id", a.ID), slog.Any("error", err))
			continue
		}
		if created {
			report.Created++
		}
	}
	deleted, err := i.store.DeleteOrphanedSelfTests(ctx)
	if err != nil {
		return report, err
	}
	report.Deleted = deleted
	i.logger.Info("self-test conversations reconciled",
		slog.Int("assistants", report.Assistants),
		slog.Int("created", report.Created),
		slog.Int64("deleted", report.Deleted),
		slog.Int("failed", report.Failed))
	return report, nil
}

// SelfTestScheduler reruns the initializer on a cron schedule.
type SelfTestScheduler struct {
	cron        *cron.Cron
	initializer *SelfTestInitializer
	logger      *slog.Logger
}

// NewSelfTestScheduler validates spec (standard cron syntax or descriptors
// such as "@every 15m") and registers the job.
func NewSelfTestScheduler(log *slog.Logger, initializer *SelfTestInitializer, spec string) (*SelfTestScheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	logger := log.With(slog.String("service", "selftest_scheduler"))
	clog := cronLogger{logger: logger}
	s := &SelfTestScheduler{
		cron:        cron.New(cron.WithLogger(clog), cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog))),
		initializer: initializer,
		logger:      logger,
	}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("invalid self-test schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *SelfTestScheduler) run() {
	if _, err := s.initializer.EnsureSelfTestConversations(context.Background()); err != nil {
		s.logger.Error("self-test pass failed", slog.Any("error", err))
	}
}

func (s *SelfTestScheduler) Start() {
	s.cron.Start()
	s.logger.Info("self-test scheduler started")
}

// Stop waits for a running pass to finish or ctx to expire.
func (s *SelfTestScheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// cronLogger routes cron's key/value logging into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]any{slog.Any("error", err)}, keysAndValues...)...)
}
