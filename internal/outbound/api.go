package outbound

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/memohai/omnidesk/internal/channel"
	"github.com/memohai/omnidesk/internal/pubsub"
)

// EventOutboundMessage is the event type of generic API replies.
const EventOutboundMessage = "message.outbound"

// APIMessage is the event body integrators consume.
type APIMessage struct {
	BindingID      string              `json:"binding_id"`
	ConversationID string              `json:"conversation_id"`
	MessageID      string              `json:"message_id"`
	ChatID         string              `json:"chat_id"`
	UserID         string              `json:"user_id,omitempty"`
	ContentType    channel.ContentType `json:"content_type"`
	Text           string              `json:"text,omitempty"`
	Media          *channel.Media      `json:"media,omitempty"`
	SentAt         time.Time           `json:"sent_at"`
}

// APISender delivers generic API channel replies as bus events. The event id
// doubles as the external message id.
type APISender struct {
	publisher pubsub.Publisher
	key       string
}

func NewAPISender(publisher pubsub.Publisher, routingKey string) *APISender {
	return &APISender{publisher: publisher, key: strings.TrimSpace(routingKey)}
}

func (s *APISender) Send(ctx context.Context, binding channel.Binding, msg channel.OutboundMessage) (string, error) {
	if s.publisher == nil {
		return "", pubsub.ErrClosed
	}
	env, err := pubsub.NewEnvelope(EventOutboundMessage, binding.TenantID, msg.MessageID, APIMessage{
		BindingID:      binding.ID,
		ConversationID: msg.ConversationID,
		MessageID:      msg.MessageID,
		ChatID:         msg.ExternalChatID,
		UserID:         msg.ExternalUserID,
		ContentType:    msg.ContentType,
		Text:           msg.Text,
		Media:          msg.Media,
		SentAt:         time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("build outbound event: %w", err)
	}
	if err := s.publisher.Publish(ctx, s.key, env); err != nil {
		return "", err
	}
	return env.Meta.ID, nil
}
