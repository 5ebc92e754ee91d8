package selftest

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/memohai/omnidesk/internal/channel"
)

// Type is the operator self-test channel.
const Type = channel.ChannelInternalTest

// ChatIDPrefix prefixes the external chat id of every self-test conversation.
const ChatIDPrefix = "selftest:"

// ChatID returns the self-test external chat id for an assistant.
func ChatID(assistantID string) string {
	return ChatIDPrefix + strings.TrimSpace(assistantID)
}

// Adapter turns operator test prompts into inbound events so an assistant
// can be exercised without a live external channel.
type Adapter struct {
	now func() time.Time
}

func NewAdapter() *Adapter {
	return &Adapter{now: time.Now}
}

func (a *Adapter) Type() channel.ChannelType {
	return Type
}

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Self-test",
		Polling:     true,
		Internal:    true,
	}
}

// Prompt is the operator test message body.
type Prompt struct {
	ExternalChatID string `json:"external_chat_id"`
	Text           string `json:"text"`
	OperatorID     string `json:"operator_id"`
}

func (a *Adapter) Normalize(_ context.Context, _ channel.Binding, raw channel.RawInbound) (channel.InboundEvent, error) {
	var p Prompt
	if err := json.Unmarshal(raw.Body, &p); err != nil {
		return channel.InboundEvent{}, channel.Invalid("body", "is not valid JSON")
	}
	return a.Event(p)
}

// Event builds the inbound event for a prompt.
func (a *Adapter) Event(p Prompt) (channel.InboundEvent, error) {
	chatID := strings.TrimSpace(p.ExternalChatID)
	if !strings.HasPrefix(chatID, ChatIDPrefix) {
		return channel.InboundEvent{}, channel.Invalid("external_chat_id", "is not a self-test conversation")
	}
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return channel.InboundEvent{}, channel.Invalid("text", "is required")
	}
	event := channel.InboundEvent{
		Channel:        Type,
		ExternalChatID: chatID,
		ExternalUserID: strings.TrimSpace(p.OperatorID),
		SenderName:     "Operator test",
		Text:           text,
		ContentType:    channel.Classify("", text, false),
		OccurredAt:     a.now().UTC(),
	}
	if event.ContentType == channel.ContentLink {
		event.LinkURL = text
	}
	return event, nil
}
