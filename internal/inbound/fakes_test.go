package inbound

import (
	"context"
	"fmt"
	"sync"

	"github.com/memohai/omnidesk/internal/assistant"
	"github.com/memohai/omnidesk/internal/channel"
	"github.com/memohai/omnidesk/internal/conversation"
	"github.com/memohai/omnidesk/internal/media"
	"github.com/memohai/omnidesk/internal/message"
	"github.com/memohai/omnidesk/internal/reply"
)

type memConversations struct {
	mu    sync.Mutex
	byKey map[string]string
	items map[string]conversation.Conversation
}

func newMemConversations() *memConversations {
	return &memConversations{byKey: map[string]string{}, items: map[string]conversation.Conversation{}}
}

func (m *memConversations) Resolve(_ context.Context, in conversation.ResolveInput) (conversation.Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := in.TenantID + "|" + in.Channel.String() + "|" + in.ExternalChatID
	if id, ok := m.byKey[key]; ok {
		return m.items[id], false, nil
	}
	c := conversation.Conversation{
		ID:               fmt.Sprintf("conv-%d", len(m.items)+1),
		TenantID:         in.TenantID,
		Channel:          in.Channel,
		ExternalChatID:   in.ExternalChatID,
		ExternalUserID:   in.ExternalUserID,
		AssistantID:      in.AssistantID,
		ChannelBindingID: in.ChannelBindingID,
		DisplayName:      in.DisplayName,
		Status:           conversation.StatusOpen,
	}
	m.byKey[key] = c.ID
	m.items[c.ID] = c
	return c, true, nil
}

func (m *memConversations) Get(_ context.Context, id string) (conversation.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	return c, nil
}

func (m *memConversations) GetForTenant(ctx context.Context, tenantID, id string) (conversation.Conversation, error) {
	c, err := m.Get(ctx, id)
	if err != nil || c.TenantID != tenantID {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	return c, nil
}

func (m *memConversations) bump(convID string, unread int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.items[convID]
	c.UnreadCount += unread
	if unread < 0 {
		c.UnreadCount = 0
	}
	m.items[convID] = c
}

type memMessages struct {
	mu    sync.Mutex
	convs *memConversations
	items []message.Message
}

func (m *memMessages) Append(_ context.Context, in message.AppendInput) (message.AppendResult, error) {
	m.mu.Lock()
	if in.ExternalMessageID != "" {
		for _, item := range m.items {
			if item.ConversationID == in.ConversationID && item.ExternalMessageID == in.ExternalMessageID {
				m.mu.Unlock()
				return message.AppendResult{Message: item}, nil
			}
		}
	}
	status := in.DeliveryStatus
	if status == "" {
		status = message.StatusReceived
	}
	msg := message.Message{
		ID:                fmt.Sprintf("msg-%d", len(m.items)+1),
		Seq:               int64(len(m.items) + 1),
		ConversationID:    in.ConversationID,
		TenantID:          in.TenantID,
		AssistantID:       in.AssistantID,
		ReplyToID:         in.ReplyToID,
		SenderRole:        in.SenderRole,
		Direction:         in.Direction,
		DeliveryStatus:    status,
		ExternalMessageID: in.ExternalMessageID,
		ContentType:       in.ContentType,
		Text:              in.Text,
		LinkURL:           in.LinkURL,
	}
	if in.Media != nil {
		msg.MediaURL = in.Media.URL
		msg.MediaMime = in.Media.Mime
		msg.MediaSize = in.Media.Size
	}
	m.items = append(m.items, msg)
	m.mu.Unlock()
	if in.CountsAsUnread() {
		m.convs.bump(in.ConversationID, 1)
	}
	return message.AppendResult{Message: msg, Created: true}, nil
}

func (m *memMessages) Get(_ context.Context, id string) (message.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.items {
		if item.ID == id {
			return item, nil
		}
	}
	return message.Message{}, message.ErrNotFound
}

func (m *memMessages) ReplyTo(_ context.Context, id string) (message.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.items {
		if item.ReplyToID == id && item.SenderRole == message.RoleAssistant {
			return item, nil
		}
	}
	return message.Message{}, message.ErrNotFound
}

func (m *memMessages) MarkRead(_ context.Context, convID string) (int64, error) {
	m.mu.Lock()
	var n int64
	for _, item := range m.items {
		if item.ConversationID == convID && item.Direction == message.DirectionInbound {
			n++
		}
	}
	m.mu.Unlock()
	m.convs.bump(convID, -1)
	return n, nil
}

func (m *memMessages) setStatus(id string, status message.DeliveryStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.items {
		if m.items[i].ID == id {
			m.items[i].DeliveryStatus = status
		}
	}
}

func (m *memMessages) byRole(role message.SenderRole) []message.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []message.Message
	for _, item := range m.items {
		if item.SenderRole == role {
			out = append(out, item)
		}
	}
	return out
}

type memAssistants map[string]assistant.Assistant

func (m memAssistants) Get(_ context.Context, id string) (assistant.Assistant, error) {
	a, ok := m[id]
	if !ok {
		return assistant.Assistant{}, assistant.ErrNotFound
	}
	return a, nil
}

type fakeReplier struct {
	mu       sync.Mutex
	requests []reply.Request
}

func (f *fakeReplier) Reply(_ context.Context, req reply.Request) reply.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return reply.Result{Text: "Thanks, " + req.Event.Text, ThreadID: "thread_1"}
}

// pollingDispatcher marks every message delivered, as widget delivery does.
type pollingDispatcher struct {
	messages *memMessages
	fail     error
	calls    int
}

func (d *pollingDispatcher) Dispatch(_ context.Context, _ conversation.Conversation, msg message.Message) (string, error) {
	d.calls++
	if d.fail != nil {
		d.messages.setStatus(msg.ID, message.StatusFailed)
		return "", d.fail
	}
	d.messages.setStatus(msg.ID, message.StatusDelivered)
	return "", nil
}

type memMedia struct{ stored []channel.Upload }

func (m *memMedia) Store(_ context.Context, tenantID string, upload channel.Upload, maxBytes int64) (media.Asset, error) {
	if int64(len(upload.Data)) > maxBytes {
		return media.Asset{}, media.ErrAssetTooLarge
	}
	m.stored = append(m.stored, upload)
	key := fmt.Sprintf("%s/image/00/%d.png", tenantID, len(m.stored))
	return media.Asset{Key: key, Mime: upload.Mime, Size: int64(len(upload.Data)), URL: "/media/" + key}, nil
}
