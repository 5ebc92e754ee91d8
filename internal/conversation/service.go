package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/memohai/omnidesk/internal/channel"
	"github.com/memohai/omnidesk/internal/db"
)

// Service stores conversations in Postgres.
type Service struct {
	db     db.TxBeginner
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a conversation service.
func NewService(log *slog.Logger, conn db.TxBeginner) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		db:     conn,
		logger: log.With(slog.String("service", "conversation")),
		now:    time.Now,
	}
}

const columns = `id::text, tenant_id::text, channel, external_chat_id, external_user_id,
	COALESCE(assistant_id::text, ''), COALESCE(channel_binding_id::text, ''), display_name, avatar_url,
	status, unread_count, last_message_preview, last_message_at, metadata, created_at, updated_at`

// Resolve returns the conversation for (tenant, channel, external chat),
// creating it on first sight and applying non-empty hints otherwise.
func (s *Service) Resolve(ctx context.Context, in ResolveInput) (Conversation, bool, error) {
	in.TenantID = strings.TrimSpace(in.TenantID)
	in.ExternalChatID = strings.TrimSpace(in.ExternalChatID)
	if in.TenantID == "" {
		return Conversation{}, false, fmt.Errorf("tenant id is required")
	}
	if in.Channel == "" || in.ExternalChatID == "" {
		return Conversation{}, false, channel.Invalid("external_chat_id", "is required")
	}
	metadata, err := encodeMetadata(Metadata{}.Merge(in.Metadata))
	if err != nil {
		return Conversation{}, false, fmt.Errorf("encode metadata: %w", err)
	}

	var (
		result  Conversation
		created bool
	)
	err = db.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO conversations (tenant_id, channel, external_chat_id, external_user_id,
				assistant_id, channel_binding_id, display_name, avatar_url, metadata)
			VALUES ($1::uuid, $2, $3, $4, $5::uuid, $6::uuid, $7, $8, $9)
			ON CONFLICT (tenant_id, channel, external_chat_id) DO NOTHING
			RETURNING `+columns,
			in.TenantID, in.Channel.String(), in.ExternalChatID, strings.TrimSpace(in.ExternalUserID),
			db.NullString(in.AssistantID), db.NullString(in.ChannelBindingID),
			strings.TrimSpace(in.DisplayName), strings.TrimSpace(in.AvatarURL), metadata)
		conv, err := scan(row)
		if err == nil {
			result, created = conv, true
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("insert conversation: %w", err)
		}

		existing, err := scan(tx.QueryRow(ctx, `SELECT `+columns+` FROM conversations
			WHERE tenant_id = $1::uuid AND channel = $2 AND external_chat_id = $3
			FOR UPDATE`, in.TenantID, in.Channel.String(), in.ExternalChatID))
		if err != nil {
			return fmt.Errorf("lock conversation: %w", err)
		}
		next, changed := applyHints(existing, in)
		if !changed {
			result = existing
			return nil
		}
		nextMetadata, err := encodeMetadata(next.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		updated, err := scan(tx.QueryRow(ctx, `
			UPDATE conversations SET
				external_user_id = $2,
				assistant_id = $3::uuid,
				channel_binding_id = $4::uuid,
				display_name = $5,
				avatar_url = $6,
				metadata = $7,
				updated_at = now()
			WHERE id = $1::uuid
			RETURNING `+columns,
			existing.ID, next.ExternalUserID, db.NullString(next.AssistantID), db.NullString(next.ChannelBindingID),
			next.DisplayName, next.AvatarURL, nextMetadata))
		if err != nil {
			return fmt.Errorf("update conversation: %w", err)
		}
		result = updated
		return nil
	})
	if err != nil {
		return Conversation{}, false, err
	}
	if created {
		s.logger.Info("conversation created",
			slog.String("conversation_id", result.ID),
			slog.String("tenant_id", result.TenantID),
			slog.String("channel", result.Channel.String()))
	}
	return result, created, nil
}

// applyHints overlays the resolve hints onto an existing conversation.
// Associations are sticky unless a rebind is requested.
func applyHints(c Conversation, in ResolveInput) (Conversation, bool) {
	next := c
	if v := strings.TrimSpace(in.ExternalUserID); v != "" {
		next.ExternalUserID = v
	}
	if v := strings.TrimSpace(in.DisplayName); v != "" {
		next.DisplayName = v
	}
	if v := strings.TrimSpace(in.AvatarURL); v != "" {
		next.AvatarURL = v
	}
	if v := strings.TrimSpace(in.AssistantID); v != "" && (next.AssistantID == "" || in.RebindAssistant) {
		next.AssistantID = v
	}
	if v := strings.TrimSpace(in.ChannelBindingID); v != "" && (next.ChannelBindingID == "" || in.RebindAssistant) {
		next.ChannelBindingID = v
	}
	next.Metadata = c.Metadata.Merge(in.Metadata)

	changed := next.ExternalUserID != c.ExternalUserID ||
		next.DisplayName != c.DisplayName ||
		next.AvatarURL != c.AvatarURL ||
		next.AssistantID != c.AssistantID ||
		next.ChannelBindingID != c.ChannelBindingID ||
		metadataChanged(c.Metadata, next.Metadata)
	return next, changed
}

func metadataChanged(a, b Metadata) bool {
	left, errA := encodeMetadata(a)
	right, errB := encodeMetadata(b)
	if errA != nil || errB != nil {
		return true
	}
	return string(left) != string(right)
}

func (s *Service) Get(ctx context.Context, id string) (Conversation, error) {
	if strings.TrimSpace(id) == "" {
		return Conversation{}, ErrNotFound
	}
	return scan(s.db.QueryRow(ctx, `SELECT `+columns+` FROM conversations WHERE id = $1::uuid`, id))
}

// GetForTenant returns the conversation only when it belongs to tenantID.
func (s *Service) GetForTenant(ctx context.Context, tenantID, id string) (Conversation, error) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(tenantID) == "" {
		return Conversation{}, ErrNotFound
	}
	return scan(s.db.QueryRow(ctx, `SELECT `+columns+` FROM conversations
		WHERE id = $1::uuid AND tenant_id = $2::uuid`, id, tenantID))
}

// FindByExternal looks a conversation up by its channel-side chat id.
func (s *Service) FindByExternal(ctx context.Context, tenantID string, channelType channel.ChannelType, externalChatID string) (Conversation, error) {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(externalChatID) == "" {
		return Conversation{}, ErrNotFound
	}
	return scan(s.db.QueryRow(ctx, `SELECT `+columns+` FROM conversations
		WHERE tenant_id = $1::uuid AND channel = $2 AND external_chat_id = $3`,
		tenantID, channelType.String(), strings.TrimSpace(externalChatID)))
}

// List returns the tenant's conversations, most recent activity first. An
// empty status lists every status.
func (s *Service) List(ctx context.Context, tenantID string, status Status, limit int) ([]Conversation, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `SELECT `+columns+` FROM conversations
		WHERE tenant_id = $1::uuid AND ($2 = '' OR status = $2)
		ORDER BY last_message_at DESC NULLS LAST, created_at DESC
		LIMIT $3`, tenantID, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	var items []Conversation
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Service) SetStatus(ctx context.Context, id string, status Status) (Conversation, error) {
	if !status.Valid() {
		return Conversation{}, channel.Invalid("status", "is not a known status")
	}
	conv, err := scan(s.db.QueryRow(ctx, `UPDATE conversations SET status = $2, updated_at = now()
		WHERE id = $1::uuid RETURNING `+columns, id, string(status)))
	if err != nil {
		return Conversation{}, err
	}
	s.logger.Info("conversation status changed", slog.String("conversation_id", id), slog.String("status", string(status)))
	return conv, nil
}

// SetThread records the provider thread for (conversation, assistant). The
// first writer wins; the stored thread id is returned.
func (s *Service) SetThread(ctx context.Context, conversationID, assistantID, threadID string) (string, error) {
	var stored string
	err := s.db.QueryRow(ctx, `
		UPDATE conversations SET
			metadata = CASE
				WHEN COALESCE(metadata->'threads', '{}'::jsonb) ? $2::text THEN metadata
				ELSE jsonb_set(
					metadata || jsonb_build_object('version', $5::int),
					'{threads}',
					COALESCE(metadata->'threads', '{}'::jsonb)
						|| jsonb_build_object($2::text, jsonb_build_object('thread_id', $3::text, 'created_at', $4::timestamptz)),
					true)
			END,
			updated_at = now()
		WHERE id = $1::uuid
		RETURNING metadata->'threads'->$2::text->>'thread_id'`,
		conversationID, assistantID, threadID, s.now().UTC(), MetadataVersion).Scan(&stored)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("set conversation thread: %w", err)
	}
	if stored != threadID {
		s.logger.Info("conversation thread already bound",
			slog.String("conversation_id", conversationID), slog.String("assistant_id", assistantID))
	}
	return stored, nil
}

// DeleteOrphanedSelfTests removes internal-test conversations whose
// assistant is gone or inactive.
func (s *Service) DeleteOrphanedSelfTests(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM conversations c
		WHERE c.channel = $1
			AND (c.assistant_id IS NULL OR NOT EXISTS (
				SELECT 1 FROM assistants a WHERE a.id = c.assistant_id AND a.active))`,
		channel.ChannelInternalTest.String())
	if err != nil {
		return 0, fmt.Errorf("delete orphaned self-test conversations: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scan(row pgx.Row) (Conversation, error) {
	var (
		c           Conversation
		channelType string
		status      string
		metadata    []byte
	)
	err := row.Scan(&c.ID, &c.TenantID, &channelType, &c.ExternalChatID, &c.ExternalUserID,
		&c.AssistantID, &c.ChannelBindingID, &c.DisplayName, &c.AvatarURL,
		&status, &c.UnreadCount, &c.LastMessagePreview, &c.LastMessageAt, &metadata, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, err
	}
	c.Channel = channel.ChannelType(channelType)
	c.Status = Status(status)
	m, err := decodeMetadata(metadata)
	if err != nil {
		return Conversation{}, fmt.Errorf("decode conversation metadata: %w", err)
	}
	c.Metadata = m
	return c, nil
}
