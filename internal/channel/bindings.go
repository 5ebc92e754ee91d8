package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/memohai/omnidesk/internal/cache"
	"github.com/memohai/omnidesk/internal/db"
)

// BindingReader looks up channel bindings.
type BindingReader interface {
	Get(ctx context.Context, id string) (Binding, error)
	GetByPublicKey(ctx context.Context, channelType ChannelType, key string) (Binding, error)
}

// BindingStore persists channel bindings in Postgres.
type BindingStore struct {
	db     db.DBTX
	logger *slog.Logger
}

// NewBindingStore creates a binding store.
func NewBindingStore(log *slog.Logger, conn db.DBTX) *BindingStore {
	if log == nil {
		log = slog.Default()
	}
	return &BindingStore{
		db:     conn,
		logger: log.With(slog.String("service", "channel_bindings")),
	}
}

const bindingColumns = `id::text, tenant_id::text, COALESCE(assistant_id::text, ''), channel,
	COALESCE(public_key, ''), credentials, settings, active, created_at, updated_at`

func (s *BindingStore) Get(ctx context.Context, id string) (Binding, error) {
	row := s.db.QueryRow(ctx, `SELECT `+bindingColumns+` FROM channel_bindings WHERE id = $1::uuid`, strings.TrimSpace(id))
	return scanBinding(row)
}

func (s *BindingStore) GetByPublicKey(ctx context.Context, channelType ChannelType, key string) (Binding, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Binding{}, ErrBindingNotFound
	}
	row := s.db.QueryRow(ctx, `SELECT `+bindingColumns+` FROM channel_bindings WHERE channel = $1 AND public_key = $2`,
		normalizeChannelType(channelType.String()).String(), key)
	return scanBinding(row)
}

// ListActive returns the tenant's active bindings.
func (s *BindingStore) ListActive(ctx context.Context, tenantID string) ([]Binding, error) {
	rows, err := s.db.Query(ctx, `SELECT `+bindingColumns+` FROM channel_bindings
		WHERE tenant_id = $1::uuid AND active ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list channel bindings: %w", err)
	}
	defer rows.Close()
	var items []Binding
	for rows.Next() {
		item, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Upsert creates or updates the binding for (tenant, assistant, channel).
func (s *BindingStore) Upsert(ctx context.Context, b Binding) (Binding, error) {
	credentials, err := json.Marshal(nonNilMap(b.Credentials))
	if err != nil {
		return Binding{}, fmt.Errorf("marshal credentials: %w", err)
	}
	settings, err := json.Marshal(nonNilMap(b.Settings))
	if err != nil {
		return Binding{}, fmt.Errorf("marshal settings: %w", err)
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO channel_bindings (tenant_id, assistant_id, channel, public_key, credentials, settings, active)
		VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, assistant_id, channel) DO UPDATE SET
			public_key = EXCLUDED.public_key,
			credentials = EXCLUDED.credentials,
			settings = EXCLUDED.settings,
			active = EXCLUDED.active,
			updated_at = now()
		RETURNING `+bindingColumns,
		b.TenantID, db.NullString(b.AssistantID), normalizeChannelType(b.Channel.String()).String(),
		db.NullString(b.PublicKey), credentials, settings, b.Active)
	saved, err := scanBinding(row)
	if err != nil {
		return Binding{}, fmt.Errorf("upsert channel binding: %w", err)
	}
	s.logger.Info("channel binding saved", slog.String("binding_id", saved.ID), slog.String("channel", saved.Channel.String()))
	return saved, nil
}

func scanBinding(row pgx.Row) (Binding, error) {
	var (
		b           Binding
		channelType string
		credentials []byte
		settings    []byte
	)
	err := row.Scan(&b.ID, &b.TenantID, &b.AssistantID, &channelType, &b.PublicKey,
		&credentials, &settings, &b.Active, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Binding{}, ErrBindingNotFound
		}
		return Binding{}, err
	}
	b.Channel = ChannelType(channelType)
	if len(credentials) > 0 {
		if err := json.Unmarshal(credentials, &b.Credentials); err != nil {
			return Binding{}, fmt.Errorf("decode credentials: %w", err)
		}
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &b.Settings); err != nil {
			return Binding{}, fmt.Errorf("decode settings: %w", err)
		}
	}
	return b, nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// CachedBindings fronts a BindingReader with a cache. Public widget routes
// resolve the binding on every poll, so lookups are served from cache.
type CachedBindings struct {
	next   BindingReader
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedBindings wraps next with c.
func NewCachedBindings(log *slog.Logger, next BindingReader, c cache.Cache, ttl time.Duration) *CachedBindings {
	if log == nil {
		log = slog.Default()
	}
	return &CachedBindings{
		next:   next,
		cache:  c,
		ttl:    ttl,
		logger: log.With(slog.String("service", "channel_binding_cache")),
	}
}

// cachedBinding includes credentials, which Binding hides from JSON.
type cachedBinding struct {
	Binding
	Credentials map[string]any `json:"credentials,omitempty"`
}

func (c *CachedBindings) Get(ctx context.Context, id string) (Binding, error) {
	return c.load(ctx, "binding:id:"+strings.TrimSpace(id), func() (Binding, error) {
		return c.next.Get(ctx, id)
	})
}

func (c *CachedBindings) GetByPublicKey(ctx context.Context, channelType ChannelType, key string) (Binding, error) {
	cacheKey := "binding:key:" + normalizeChannelType(channelType.String()).String() + ":" + strings.TrimSpace(key)
	return c.load(ctx, cacheKey, func() (Binding, error) {
		return c.next.GetByPublicKey(ctx, channelType, key)
	})
}

// Invalidate drops cached entries for b.
func (c *CachedBindings) Invalidate(ctx context.Context, b Binding) {
	keys := []string{"binding:id:" + b.ID}
	if b.PublicKey != "" {
		keys = append(keys, "binding:key:"+b.Channel.String()+":"+b.PublicKey)
	}
	if _, err := c.cache.Del(ctx, keys...); err != nil {
		c.logger.Warn("invalidate binding cache failed", slog.Any("error", err))
	}
}

func (c *CachedBindings) load(ctx context.Context, key string, fetch func() (Binding, error)) (Binding, error) {
	raw, err := c.cache.Get(ctx, key)
	if err == nil {
		var item cachedBinding
		if jsonErr := json.Unmarshal([]byte(raw), &item); jsonErr == nil {
			item.Binding.Credentials = item.Credentials
			return item.Binding, nil
		}
	} else if !errors.Is(err, cache.ErrMiss) {
		c.logger.Warn("binding cache read failed", slog.String("key", key), slog.Any("error", err))
	}
	b, err := fetch()
	if err != nil {
		return Binding{}, err
	}
	payload, err := json.Marshal(cachedBinding{Binding: b, Credentials: b.Credentials})
	if err == nil {
		if setErr := c.cache.Set(ctx, key, string(payload), c.ttl); setErr != nil {
			c.logger.Warn("binding cache write failed", slog.String("key", key), slog.Any("error", setErr))
		}
	}
	return b, nil
}
