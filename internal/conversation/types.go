// Package conversation maintains the canonical conversation registry: one
// conversation per tenant, channel and external chat.
package conversation

import (
	"errors"
	"time"

	"github.com/memohai/omnidesk/internal/channel"
)

var ErrNotFound = errors.New("conversation not found")

// Status is the operator-facing lifecycle state of a conversation.
type Status string

const (
	StatusOpen     Status = "open"
	StatusPending  Status = "pending"
	StatusClosed   Status = "closed"
	StatusArchived Status = "archived"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusPending, StatusClosed, StatusArchived:
		return true
	default:
		return false
	}
}

// Conversation is the canonical thread between a customer and a tenant over
// one channel.
type Conversation struct {
	ID                 string              `json:"id"`
	TenantID           string              `json:"tenant_id"`
	Channel            channel.ChannelType `json:"channel"`
	ExternalChatID     string              `json:"external_chat_id"`
	ExternalUserID     string              `json:"external_user_id,omitempty"`
	AssistantID        string              `json:"assistant_id,omitempty"`
	ChannelBindingID   string              `json:"channel_binding_id,omitempty"`
	DisplayName        string              `json:"display_name,omitempty"`
	AvatarURL          string              `json:"avatar_url,omitempty"`
	Status             Status              `json:"status"`
	UnreadCount        int                 `json:"unread_count"`
	LastMessagePreview string              `json:"last_message_preview,omitempty"`
	LastMessageAt      *time.Time          `json:"last_message_at,omitempty"`
	Metadata           Metadata            `json:"metadata"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// ResolveInput identifies a conversation and carries hints to apply to it.
type ResolveInput struct {
	TenantID       string
	Channel        channel.ChannelType
	ExternalChatID string
	ExternalUserID string
	DisplayName    string
	AvatarURL      string
	// AssistantID is bound when the conversation has no assistant yet.
	AssistantID string
	// RebindAssistant moves an already bound conversation to AssistantID.
	RebindAssistant  bool
	ChannelBindingID string
	Metadata         Metadata
}

// ResolveInputFromEvent builds the resolve request for an inbound event
// received through binding.
func ResolveInputFromEvent(binding channel.Binding, event channel.InboundEvent) ResolveInput {
	return ResolveInput{
		TenantID:         binding.TenantID,
		Channel:          event.Channel,
		ExternalChatID:   event.ExternalChatID,
		ExternalUserID:   event.ExternalUserID,
		DisplayName:      event.SenderName,
		AvatarURL:        event.SenderAvatar,
		AssistantID:      binding.AssistantID,
		ChannelBindingID: binding.ID,
		Metadata:         MetadataFromEvent(event),
	}
}
