package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Store reads subscriptions and records windowed usage atomically.
type Store interface {
	Subscription(ctx context.Context, tenantID string) (Subscription, error)
	// RecordWindow counts conversationID once per window. It returns true
	// when the counter was incremented.
	RecordWindow(ctx context.Context, tenantID, conversationID string, now time.Time, window time.Duration) (bool, error)
}

// Meter is the usage gate and counter.
type Meter struct {
	store  Store
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewMeter creates a meter. A non-positive window falls back to
// DefaultWindow.
func NewMeter(log *slog.Logger, store Store, window time.Duration) *Meter {
	if log == nil {
		log = slog.Default()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Meter{
		store:  store,
		window: window,
		now:    time.Now,
		logger: log.With(slog.String("service", "usage")),
	}
}

// WithClock replaces the time source.
func (m *Meter) WithClock(now func() time.Time) *Meter {
	m.now = now
	return m
}

// Gate reports whether the tenant may receive an automated reply. A missing
// subscription is a closed gate, not an error.
func (m *Meter) Gate(ctx context.Context, tenantID string) (Decision, error) {
	sub, err := m.store.Subscription(ctx, strings.TrimSpace(tenantID))
	if err != nil {
		if errors.Is(err, ErrNoSubscription) {
			return Decision{}, nil
		}
		return Decision{}, fmt.Errorf("load subscription: %w", err)
	}
	d := Decide(sub, m.now())
	if !d.Allowed() {
		m.logger.Info("usage gate closed",
			slog.String("tenant_id", tenantID),
			slog.Bool("active", d.Active),
			slog.Int("used", d.Used),
			slog.Int("included", d.Included))
	}
	return d, nil
}

// RecordUsage counts the conversation toward the tenant's period unless it
// was already counted within the window.
func (m *Meter) RecordUsage(ctx context.Context, tenantID, conversationID string) (bool, error) {
	counted, err := m.store.RecordWindow(ctx, strings.TrimSpace(tenantID), strings.TrimSpace(conversationID), m.now(), m.window)
	if err != nil {
		if errors.Is(err, ErrNoSubscription) {
			return false, nil
		}
		return false, fmt.Errorf("record usage: %w", err)
	}
	if counted {
		m.logger.Debug("conversation counted", slog.String("tenant_id", tenantID), slog.String("conversation_id", conversationID))
	}
	return counted, nil
}
