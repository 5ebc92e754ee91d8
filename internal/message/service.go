package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/memohai/omnidesk/internal/channel"
	"github.com/memohai/omnidesk/internal/db"
)

// Service stores messages in Postgres.
type Service struct {
	db     db.TxBeginner
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a message service.
func NewService(log *slog.Logger, conn db.TxBeginner) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		db:     conn,
		logger: log.With(slog.String("service", "message")),
		now:    time.Now,
	}
}

const columns = `id::text, seq, conversation_id::text, tenant_id::text, COALESCE(assistant_id::text, ''),
	COALESCE(reply_to_id::text, ''), sender_role, direction, delivery_status, COALESCE(external_message_id, ''),
	content_type, text, media_url, media_mime, media_size, link_url, attachments, raw_payload, failure_reason,
	created_at, sent_at, delivered_at, read_at, failed_at`

// Append persists a turn. A turn whose external message id already exists in
// the conversation is returned as is with Created=false and leaves the
// conversation snapshot untouched.
func (s *Service) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if err := validateAppend(&in); err != nil {
		return AppendResult{}, err
	}
	occurred := in.OccurredAt
	if occurred.IsZero() {
		occurred = s.now()
	}
	attachments, err := json.Marshal(nonNilAttachments(in.Attachments))
	if err != nil {
		return AppendResult{}, fmt.Errorf("encode attachments: %w", err)
	}
	var raw []byte
	if len(in.Raw) > 0 && json.Valid(in.Raw) {
		raw = in.Raw
	}
	var media channel.Media
	if in.Media != nil {
		media = *in.Media
	}

	var result AppendResult
	err = db.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		msg, err := scan(tx.QueryRow(ctx, `
			INSERT INTO messages (conversation_id, tenant_id, assistant_id, reply_to_id, sender_role, direction,
				delivery_status, external_message_id, content_type, text, media_url, media_mime, media_size,
				link_url, attachments, raw_payload)
			VALUES ($1::uuid, $2::uuid, $3::uuid, $4::uuid, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (conversation_id, external_message_id) DO NOTHING
			RETURNING `+columns,
			in.ConversationID, in.TenantID, db.NullString(in.AssistantID), db.NullString(in.ReplyToID),
			string(in.SenderRole), string(in.Direction), string(in.DeliveryStatus), db.NullString(in.ExternalMessageID),
			string(in.ContentType), in.Text, media.URL, media.Mime, media.Size, in.LinkURL, attachments, raw))
		if errors.Is(err, ErrNotFound) {
			existing, err := scan(tx.QueryRow(ctx, `SELECT `+columns+` FROM messages
				WHERE conversation_id = $1::uuid AND external_message_id = $2`,
				in.ConversationID, in.ExternalMessageID))
			if err != nil {
				return fmt.Errorf("load duplicate message: %w", err)
			}
			result = AppendResult{Message: existing}
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		unread := 0
		if in.CountsAsUnread() {
			unread = 1
		}
		if _, err := tx.Exec(ctx, `
			UPDATE conversations SET
				last_message_preview = CASE
					WHEN last_message_at IS NULL OR $2::timestamptz >= last_message_at THEN $3
					ELSE last_message_preview END,
				last_message_at = GREATEST(COALESCE(last_message_at, $2::timestamptz), $2::timestamptz),
				unread_count = unread_count + $4,
				updated_at = now()
			WHERE id = $1::uuid`,
			in.ConversationID, occurred, Preview(in.ContentType, in.Text), unread); err != nil {
			return fmt.Errorf("update conversation snapshot: %w", err)
		}
		result = AppendResult{Message: msg, Created: true}
		return nil
	})
	if err != nil {
		return AppendResult{}, err
	}
	if !result.Created {
		s.logger.Info("duplicate message ignored",
			slog.String("conversation_id", in.ConversationID),
			slog.String("external_message_id", in.ExternalMessageID))
	}
	return result, nil
}

func validateAppend(in *AppendInput) error {
	in.ConversationID = strings.TrimSpace(in.ConversationID)
	in.TenantID = strings.TrimSpace(in.TenantID)
	if in.ConversationID == "" {
		return fmt.Errorf("conversation id is required")
	}
	if in.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	switch in.SenderRole {
	case RoleCustomer, RoleAgent, RoleAssistant, RoleSystem:
	default:
		return channel.Invalid("sender_role", "is not a known role")
	}
	switch in.Direction {
	case DirectionInbound, DirectionOutbound:
	default:
		return channel.Invalid("direction", "is not a known direction")
	}
	if in.ContentType == "" {
		in.ContentType = channel.ContentText
	}
	if in.DeliveryStatus == "" {
		if in.Direction == DirectionInbound {
			in.DeliveryStatus = StatusReceived
		} else {
			in.DeliveryStatus = StatusPending
		}
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (Message, error) {
	if strings.TrimSpace(id) == "" {
		return Message{}, ErrNotFound
	}
	return scan(s.db.QueryRow(ctx, `SELECT `+columns+` FROM messages WHERE id = $1::uuid`, id))
}

// MarkRead flags every unread inbound message of the conversation as read
// and zeroes its unread counter. Calling it again is a no-op.
func (s *Service) MarkRead(ctx context.Context, conversationID string) (int64, error) {
	var marked int64
	err := db.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE messages SET read_at = $2
			WHERE conversation_id = $1::uuid AND direction = 'inbound' AND read_at IS NULL`,
			conversationID, s.now())
		if err != nil {
			return fmt.Errorf("mark messages read: %w", err)
		}
		marked = tag.RowsAffected()
		if _, err := tx.Exec(ctx, `UPDATE conversations SET unread_count = 0, updated_at = now()
			WHERE id = $1::uuid AND unread_count <> 0`, conversationID); err != nil {
			return fmt.Errorf("reset unread count: %w", err)
		}
		return nil
	})
	return marked, err
}

// ListAfter returns up to limit messages that follow afterID in the
// conversation, oldest first. Without afterID the latest page is returned.
func (s *Service) ListAfter(ctx context.Context, conversationID, afterID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var (
		rows pgx.Rows
		err  error
	)
	if strings.TrimSpace(afterID) == "" {
		rows, err = s.db.Query(ctx, `SELECT `+columns+` FROM messages
			WHERE conversation_id = $1::uuid AND seq >= COALESCE((
				SELECT seq FROM messages WHERE conversation_id = $1::uuid
				ORDER BY seq DESC OFFSET $2::int - 1 LIMIT 1), 0)
			ORDER BY seq`, conversationID, limit)
	} else {
		var afterSeq int64
		if err := s.db.QueryRow(ctx, `SELECT seq FROM messages WHERE id = $1::uuid AND conversation_id = $2::uuid`,
			afterID, conversationID).Scan(&afterSeq); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("load cursor message: %w", err)
		}
		rows, err = s.db.Query(ctx, `SELECT `+columns+` FROM messages
			WHERE conversation_id = $1::uuid AND seq > $2 ORDER BY seq LIMIT $3`, conversationID, afterSeq, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	items := []Message{}
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ReplyTo returns the assistant message generated for messageID.
func (s *Service) ReplyTo(ctx context.Context, messageID string) (Message, error) {
	return scan(s.db.QueryRow(ctx, `SELECT `+columns+` FROM messages
		WHERE reply_to_id = $1::uuid AND sender_role = 'assistant'
		ORDER BY seq LIMIT 1`, messageID))
}

// MarkSent records a successful hand-off to the channel provider.
func (s *Service) MarkSent(ctx context.Context, id, externalID string) error {
	return s.updateStatus(ctx, `UPDATE messages SET delivery_status = 'sent', sent_at = $2,
		external_message_id = COALESCE($3, external_message_id), failure_reason = ''
		WHERE id = $1::uuid`, id, s.now(), db.NullString(externalID))
}

// MarkDelivered records delivery on polling channels.
func (s *Service) MarkDelivered(ctx context.Context, id string) error {
	return s.updateStatus(ctx, `UPDATE messages SET delivery_status = 'delivered', delivered_at = $2, failure_reason = ''
		WHERE id = $1::uuid`, id, s.now())
}

func (s *Service) MarkFailed(ctx context.Context, id, reason string) error {
	return s.updateStatus(ctx, `UPDATE messages SET delivery_status = 'failed', failed_at = $2, failure_reason = $3
		WHERE id = $1::uuid`, id, s.now(), Truncate(reason, 500))
}

func (s *Service) updateStatus(ctx context.Context, sql string, args ...any) error {
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scan(row pgx.Row) (Message, error) {
	var (
		m           Message
		role        string
		direction   string
		status      string
		contentType string
		attachments []byte
	)
	err := row.Scan(&m.ID, &m.Seq, &m.ConversationID, &m.TenantID, &m.AssistantID,
		&m.ReplyToID, &role, &direction, &status, &m.ExternalMessageID,
		&contentType, &m.Text, &m.MediaURL, &m.MediaMime, &m.MediaSize, &m.LinkURL, &attachments, &m.RawPayload, &m.FailureReason,
		&m.CreatedAt, &m.SentAt, &m.DeliveredAt, &m.ReadAt, &m.FailedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, err
	}
	m.SenderRole = SenderRole(role)
	m.Direction = Direction(direction)
	m.DeliveryStatus = DeliveryStatus(status)
	m.ContentType = channel.ContentType(contentType)
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return Message{}, fmt.Errorf("decode attachments: %w", err)
		}
	}
	return m, nil
}

func nonNilAttachments(items []channel.Attachment) []channel.Attachment {
	if items == nil {
		return []channel.Attachment{}
	}
	return items
}
