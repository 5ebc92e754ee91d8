package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/memohai/omnidesk/internal/db"
)

// Service reads and updates assistants in Postgres.
type Service struct {
	db     db.DBTX
	logger *slog.Logger
}

// NewService creates an assistant service.
func NewService(log *slog.Logger, conn db.DBTX) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		db:     conn,
		logger: log.With(slog.String("service", "assistant")),
	}
}

const columns = `id::text, tenant_id::text, name, instructions, model, COALESCE(external_id, ''),
	tools, active, created_at, updated_at`

func (s *Service) Get(ctx context.Context, id string) (Assistant, error) {
	if strings.TrimSpace(id) == "" {
		return Assistant{}, ErrNotFound
	}
	row := s.db.QueryRow(ctx, `SELECT `+columns+` FROM assistants WHERE id = $1::uuid`, id)
	return scan(row)
}

// ListActive returns every active assistant across tenants.
func (s *Service) ListActive(ctx context.Context) ([]Assistant, error) {
	rows, err := s.db.Query(ctx, `SELECT `+columns+` FROM assistants WHERE active ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list assistants: %w", err)
	}
	defer rows.Close()
	var items []Assistant
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// SetExternalID records the provider-side assistant id. An id already set by
// a concurrent request is kept and returned.
func (s *Service) SetExternalID(ctx context.Context, id, externalID string) (string, error) {
	var stored string
	err := s.db.QueryRow(ctx, `
		UPDATE assistants SET external_id = COALESCE(external_id, $2), updated_at = now()
		WHERE id = $1::uuid
		RETURNING external_id`, id, externalID).Scan(&stored)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("set assistant external id: %w", err)
	}
	if stored != externalID {
		s.logger.Info("external assistant already bound", slog.String("assistant_id", id), slog.String("external_id", stored))
	}
	return stored, nil
}

// Create inserts an assistant. Used by seeding and tests.
func (s *Service) Create(ctx context.Context, a Assistant) (Assistant, error) {
	tools := make([]string, 0, len(a.Tools))
	for _, t := range a.Tools {
		if !t.Valid() {
			return Assistant{}, fmt.Errorf("unknown tool: %s", t)
		}
		tools = append(tools, string(t))
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO assistants (tenant_id, name, instructions, model, external_id, tools, active)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7)
		RETURNING `+columns,
		a.TenantID, a.Name, a.Instructions, a.Model, db.NullString(a.ExternalID), tools, a.Active)
	return scan(row)
}

func scan(row pgx.Row) (Assistant, error) {
	var (
		a     Assistant
		tools []string
	)
	if err := row.Scan(&a.ID, &a.TenantID, &a.Name, &a.Instructions, &a.Model, &a.ExternalID,
		&tools, &a.Active, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assistant{}, ErrNotFound
		}
		return Assistant{}, err
	}
	for _, t := range tools {
		a.Tools = append(a.Tools, Tool(t))
	}
	return a, nil
}
