// Package dbtest opens a migrated Postgres pool for integration tests.
// Tests are skipped unless TEST_POSTGRES_DSN is set.
package dbtest

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memohai/omnidesk/internal/db"
)

// Open connects to TEST_POSTGRES_DSN, applies migrations and registers
// pool cleanup.
func Open(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("skip integration test: TEST_POSTGRES_DSN is not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Skipf("skip integration test: cannot connect to database: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("skip integration test: database ping failed: %v", err)
	}

	m, err := db.NewMigrator(slog.Default(), dsn)
	if err != nil {
		pool.Close()
		t.Fatalf("init migrator: %v", err)
	}
	if err := m.Up(); err != nil {
		_ = m.Close()
		pool.Close()
		t.Fatalf("migrate up: %v", err)
	}
	_ = m.Close()

	t.Cleanup(pool.Close)
	return pool
}

// NewTenantID returns a fresh tenant id so tests never collide.
func NewTenantID() string {
	return uuid.NewString()
}

// CreateAssistant inserts an active assistant for tenantID.
func CreateAssistant(t *testing.T, pool *pgxpool.Pool, tenantID, name string) string {
	t.Helper()
	var id string
	err := pool.QueryRow(context.Background(), `
		INSERT INTO assistants (tenant_id, name, instructions, model)
		VALUES ($1::uuid, $2, 'Be helpful.', 'gpt-4o-mini')
		RETURNING id::text`, tenantID, name).Scan(&id)
	if err != nil {
		t.Fatalf("create assistant: %v", err)
	}
	return id
}

// CreateSubscription inserts a plan (if missing) and an active subscription
// whose period contains now.
func CreateSubscription(t *testing.T, pool *pgxpool.Pool, tenantID string, included int) string {
	t.Helper()
	ctx := context.Background()
	planCode := "test-" + tenantID
	if _, err := pool.Exec(ctx, `INSERT INTO plans (code, name, included_conversations)
		VALUES ($1, 'Test plan', $2) ON CONFLICT (code) DO NOTHING`, planCode, included); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	var id string
	err := pool.QueryRow(ctx, `
		INSERT INTO subscriptions (tenant_id, plan_code, period_start, period_end)
		VALUES ($1::uuid, $2, now() - interval '1 day', now() + interval '29 days')
		RETURNING id::text`, tenantID, planCode).Scan(&id)
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return id
}
