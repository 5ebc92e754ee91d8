// Package message persists conversation turns with idempotent appends and
// keeps the conversation snapshot in step.
package message

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/memohai/omnidesk/internal/channel"
)

var ErrNotFound = errors.New("message not found")

// SenderRole identifies who authored a turn.
type SenderRole string

const (
	RoleCustomer  SenderRole = "customer"
	RoleAgent     SenderRole = "agent"
	RoleAssistant SenderRole = "assistant"
	RoleSystem    SenderRole = "system"
)

// Direction is relative to the tenant.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// DeliveryStatus tracks a message through delivery.
type DeliveryStatus string

const (
	StatusReceived  DeliveryStatus = "received"
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

// Message is one persisted turn.
type Message struct {
	ID                string               `json:"id"`
	Seq               int64                `json:"seq"`
	ConversationID    string               `json:"conversation_id"`
	TenantID          string               `json:"tenant_id"`
	AssistantID       string               `json:"assistant_id,omitempty"`
	ReplyToID         string               `json:"reply_to_id,omitempty"`
	SenderRole        SenderRole           `json:"sender_role"`
	Direction         Direction            `json:"direction"`
	DeliveryStatus    DeliveryStatus       `json:"delivery_status"`
	ExternalMessageID string               `json:"external_message_id,omitempty"`
	ContentType       channel.ContentType  `json:"content_type"`
	Text              string               `json:"text"`
	MediaURL          string               `json:"media_url,omitempty"`
	MediaMime         string               `json:"media_mime,omitempty"`
	MediaSize         int64                `json:"media_size,omitempty"`
	LinkURL           string               `json:"link_url,omitempty"`
	Attachments       []channel.Attachment `json:"attachments,omitempty"`
	RawPayload        json.RawMessage      `json:"-"`
	FailureReason     string               `json:"failure_reason,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	SentAt            *time.Time           `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time           `json:"delivered_at,omitempty"`
	ReadAt            *time.Time           `json:"read_at,omitempty"`
	FailedAt          *time.Time           `json:"failed_at,omitempty"`
}

// AppendInput describes a turn to persist.
type AppendInput struct {
	ConversationID    string
	TenantID          string
	AssistantID       string
	ReplyToID         string
	SenderRole        SenderRole
	Direction         Direction
	DeliveryStatus    DeliveryStatus
	ExternalMessageID string
	ContentType       channel.ContentType
	Text              string
	Media             *channel.Media
	LinkURL           string
	Attachments       []channel.Attachment
	Raw               json.RawMessage
	// OccurredAt drives the conversation snapshot; zero means now.
	OccurredAt time.Time
}

// CountsAsUnread reports whether the turn increments the unread counter.
func (in AppendInput) CountsAsUnread() bool {
	return in.Direction == DirectionInbound && in.SenderRole == RoleCustomer
}

// InboundFromEvent maps a canonical inbound event to a customer turn.
func InboundFromEvent(conversationID, tenantID, assistantID string, event channel.InboundEvent) AppendInput {
	return AppendInput{
		ConversationID:    conversationID,
		TenantID:          tenantID,
		AssistantID:       assistantID,
		SenderRole:        RoleCustomer,
		Direction:         DirectionInbound,
		DeliveryStatus:    StatusReceived,
		ExternalMessageID: strings.TrimSpace(event.ExternalMessageID),
		ContentType:       event.ContentType,
		Text:              event.Text,
		Media:             event.Media,
		LinkURL:           event.LinkURL,
		Attachments:       event.Attachments,
		Raw:               event.Raw,
		OccurredAt:        event.OccurredAt,
	}
}

// AppendResult reports whether Append created a new row.
type AppendResult struct {
	Message Message `json:"message"`
	Created bool    `json:"created"`
}
