package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/memohai/omnidesk/internal/db"
)

// PostgresStore keeps the counter on subscriptions and the per-conversation
// windows in usage_windows.
type PostgresStore struct {
	db db.TxBeginner
}

func NewPostgresStore(conn db.TxBeginner) *PostgresStore {
	return &PostgresStore{db: conn}
}

func (s *PostgresStore) Subscription(ctx context.Context, tenantID string) (Subscription, error) {
	var sub Subscription
	err := s.db.QueryRow(ctx, `
		SELECT s.id::text, s.tenant_id::text, s.plan_code, s.status,
			COALESCE(s.included_override, p.included_conversations), s.used_count, s.period_start, s.period_end
		FROM subscriptions s JOIN plans p ON p.code = s.plan_code
		WHERE s.tenant_id = $1::uuid`, tenantID).Scan(
		&sub.ID, &sub.TenantID, &sub.PlanCode, &sub.Status, &sub.Included, &sub.UsedCount, &sub.PeriodStart, &sub.PeriodEnd)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Subscription{}, ErrNoSubscription
		}
		return Subscription{}, err
	}
	return sub, nil
}

// RecordWindow opens or renews the conversation window with one conditional
// upsert. The window renews once it has elapsed or when it started before
// the current billing period.
func (s *PostgresStore) RecordWindow(ctx context.Context, tenantID, conversationID string, now time.Time, window time.Duration) (bool, error) {
	var counted bool
	err := db.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		var (
			subscriptionID string
			periodStart    time.Time
		)
		err := tx.QueryRow(ctx, `SELECT id::text, period_start FROM subscriptions WHERE tenant_id = $1::uuid`,
			tenantID).Scan(&subscriptionID, &periodStart)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNoSubscription
			}
			return fmt.Errorf("load subscription: %w", err)
		}

		var started time.Time
		err = tx.QueryRow(ctx, `
			INSERT INTO usage_windows (subscription_id, conversation_id, window_started_at)
			VALUES ($1::uuid, $2::uuid, $3)
			ON CONFLICT (subscription_id, conversation_id) DO UPDATE
				SET window_started_at = EXCLUDED.window_started_at
				WHERE usage_windows.window_started_at <= $4 OR usage_windows.window_started_at < $5
			RETURNING window_started_at`,
			subscriptionID, conversationID, now, now.Add(-window), periodStart).Scan(&started)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("upsert usage window: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE subscriptions SET used_count = used_count + 1, updated_at = now()
			WHERE id = $1::uuid`, subscriptionID); err != nil {
			return fmt.Errorf("increment usage: %w", err)
		}
		counted = true
		return nil
	})
	return counted, err
}
