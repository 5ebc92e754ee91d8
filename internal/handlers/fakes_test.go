package handlers

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/omnidesk/internal/auth"
	"github.com/memohai/omnidesk/internal/channel"
	"github.com/memohai/omnidesk/internal/channel/adapters/api"
	"github.com/memohai/omnidesk/internal/channel/adapters/instagram"
	"github.com/memohai/omnidesk/internal/channel/adapters/selftest"
	"github.com/memohai/omnidesk/internal/channel/adapters/telegram"
	"github.com/memohai/omnidesk/internal/channel/adapters/widget"
	"github.com/memohai/omnidesk/internal/conversation"
	"github.com/memohai/omnidesk/internal/inbound"
	"github.com/memohai/omnidesk/internal/media"
	"github.com/memohai/omnidesk/internal/message"
	"github.com/memohai/omnidesk/internal/server"
)

const (
	testSecret = "test-secret"
	tenantID   = "11111111-1111-1111-1111-111111111111"
)

func newRegistry() *channel.Registry {
	r := channel.NewRegistry()
	r.MustRegister(widget.NewAdapter(nil, 0))
	r.MustRegister(telegram.NewTelegramAdapter(nil))
	r.MustRegister(instagram.NewAdapter(nil, ""))
	r.MustRegister(api.NewAdapter(nil))
	r.MustRegister(selftest.NewAdapter())
	return r
}

func newEcho(handlers ...server.Handler) *echo.Echo {
	return server.NewServer(nil, ":0", testSecret, handlers...).Echo()
}

func serve(h server.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	newEcho(h).ServeHTTP(rec, req)
	return rec
}

func operatorToken(tenant string) string {
	token, _, err := auth.GenerateToken(auth.Operator{UserID: "op-1", TenantID: tenant}, testSecret, time.Hour)
	if err != nil {
		panic(err)
	}
	return token
}

type memBindings struct {
	byID  map[string]channel.Binding
	byKey map[string]channel.Binding
}

func newMemBindings(items ...channel.Binding) *memBindings {
	m := &memBindings{byID: map[string]channel.Binding{}, byKey: map[string]channel.Binding{}}
	for _, b := range items {
		m.byID[b.ID] = b
		if b.PublicKey != "" {
			m.byKey[b.Channel.String()+":"+b.PublicKey] = b
		}
	}
	return m
}

func (m *memBindings) Get(_ context.Context, id string) (channel.Binding, error) {
	b, ok := m.byID[id]
	if !ok {
		return channel.Binding{}, channel.ErrBindingNotFound
	}
	return b, nil
}

func (m *memBindings) GetByPublicKey(_ context.Context, ct channel.ChannelType, key string) (channel.Binding, error) {
	b, ok := m.byKey[ct.String()+":"+key]
	if !ok {
		return channel.Binding{}, channel.ErrBindingNotFound
	}
	return b, nil
}

// recordingIngestor answers every event with a fixed result and keeps what
// it saw. Events whose external message id was seen before replay. failOn
// fails individual events by external message id after recording them.
type recordingIngestor struct {
	mu     sync.Mutex
	events []channel.InboundEvent
	seen   map[string]bool
	err    error
	failOn map[string]error
}

func (r *recordingIngestor) Ingest(_ context.Context, binding channel.Binding, event channel.InboundEvent) (inbound.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return inbound.Result{}, r.err
	}
	if r.seen == nil {
		r.seen = map[string]bool{}
	}
	r.events = append(r.events, event)
	if err := r.failOn[event.ExternalMessageID]; err != nil {
		return inbound.Result{}, err
	}
	dup := event.ExternalMessageID != "" && r.seen[event.ExternalMessageID]
	r.seen[event.ExternalMessageID] = true
	status := inbound.StatusReplied
	if dup {
		status = inbound.StatusDuplicate
	}
	return inbound.Result{
		Message:     status,
		Duplicate:   dup,
		Chat:        conversation.Conversation{ID: "conv-1", TenantID: binding.TenantID, Channel: event.Channel, ExternalChatID: event.ExternalChatID},
		ChatMessage: message.Message{ID: "msg-1", Text: event.Text, ContentType: event.ContentType},
	}, nil
}

func (r *recordingIngestor) heal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failOn = nil
}

func (r *recordingIngestor) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type memConversations struct {
	items []conversation.Conversation
}

func (m *memConversations) GetForTenant(_ context.Context, tenant, id string) (conversation.Conversation, error) {
	for _, c := range m.items {
		if c.ID == id && c.TenantID == tenant {
			return c, nil
		}
	}
	return conversation.Conversation{}, conversation.ErrNotFound
}

func (m *memConversations) List(_ context.Context, tenant string, status conversation.Status, _ int) ([]conversation.Conversation, error) {
	var out []conversation.Conversation
	for _, c := range m.items {
		if c.TenantID == tenant && (status == "" || c.Status == status) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memConversations) SetStatus(_ context.Context, id string, status conversation.Status) (conversation.Conversation, error) {
	for i, c := range m.items {
		if c.ID == id {
			m.items[i].Status = status
			return m.items[i], nil
		}
	}
	return conversation.Conversation{}, conversation.ErrNotFound
}

func (m *memConversations) FindByExternal(_ context.Context, tenant string, ct channel.ChannelType, chatID string) (conversation.Conversation, error) {
	for _, c := range m.items {
		if c.TenantID == tenant && c.Channel == ct && c.ExternalChatID == chatID {
			return c, nil
		}
	}
	return conversation.Conversation{}, conversation.ErrNotFound
}

type memMessages struct {
	items map[string][]message.Message
}

func (m *memMessages) ListAfter(_ context.Context, conversationID, afterID string, _ int) ([]message.Message, error) {
	items := m.items[conversationID]
	if afterID == "" {
		return items, nil
	}
	for i, item := range items {
		if item.ID == afterID {
			return items[i+1:], nil
		}
	}
	return nil, message.ErrNotFound
}

type fakeOperator struct {
	sent    []inbound.SendInput
	prompts []string
}

func (f *fakeOperator) Send(_ context.Context, tenant, convID string, in inbound.SendInput) (inbound.Result, error) {
	if convID != "conv-1" || tenant != tenantID {
		return inbound.Result{}, conversation.ErrNotFound
	}
	if in.Text == "" && in.Upload == nil {
		return inbound.Result{}, channel.Invalid("text", "or file is required")
	}
	f.sent = append(f.sent, in)
	return inbound.Result{Message: inbound.StatusSent, ChatMessage: message.Message{ID: "m-out", Text: in.Text}}, nil
}

func (f *fakeOperator) AssistantReply(_ context.Context, tenant, convID, prompt string) (inbound.Result, error) {
	if convID != "conv-1" || tenant != tenantID {
		return inbound.Result{}, conversation.ErrNotFound
	}
	f.prompts = append(f.prompts, prompt)
	out := message.Message{ID: "m-ai", Text: "answer", SenderRole: message.RoleAssistant}
	return inbound.Result{Message: inbound.StatusAssistantReply, ChatMessage: out, AssistantMessage: &out}, nil
}

func (f *fakeOperator) MarkRead(_ context.Context, tenant, convID string) (conversation.Conversation, int64, error) {
	if convID != "conv-1" || tenant != tenantID {
		return conversation.Conversation{}, 0, conversation.ErrNotFound
	}
	return conversation.Conversation{ID: convID, TenantID: tenant}, 3, nil
}

type memMedia struct {
	items map[string][]byte
}

func (m *memMedia) Open(_ context.Context, key string) (io.ReadCloser, string, error) {
	data, ok := m.items[key]
	if !ok {
		return nil, "", media.ErrAssetNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), "image/png", nil
}
