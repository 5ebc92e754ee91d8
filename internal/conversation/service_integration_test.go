package conversation_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/omnidesk/internal/channel"
	"github.com/memohai/omnidesk/internal/conversation"
	"github.com/memohai/omnidesk/internal/db/dbtest"
)

func newService(t *testing.T) (*conversation.Service, string, string) {
	t.Helper()
	pool := dbtest.Open(t)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	tenantID := dbtest.NewTenantID()
	assistantID := dbtest.CreateAssistant(t, pool, tenantID, "Sales")
	return conversation.NewService(logger, pool), tenantID, assistantID
}

func TestResolveCreatesOnceAndMergesHints(t *testing.T) {
	svc, tenantID, assistantID := newService(t)
	ctx := context.Background()

	first, created, err := svc.Resolve(ctx, conversation.ResolveInput{
		TenantID:       tenantID,
		Channel:        channel.ChannelWidget,
		ExternalChatID: "session-1",
		AssistantID:    assistantID,
		Metadata:       conversation.Metadata{Widget: &channel.WidgetSession{SessionID: "session-1"}},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, conversation.StatusOpen, first.Status)
	assert.Equal(t, 0, first.UnreadCount)
	assert.Equal(t, assistantID, first.AssistantID)

	second, created, err := svc.Resolve(ctx, conversation.ResolveInput{
		TenantID:       tenantID,
		Channel:        channel.ChannelWidget,
		ExternalChatID: "session-1",
		DisplayName:    "Ann",
		Metadata:       conversation.Metadata{Widget: &channel.WidgetSession{VisitorEmail: "ann@example.com"}},
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Ann", second.DisplayName)
	require.NotNil(t, second.Metadata.Widget)
	assert.Equal(t, "session-1", second.Metadata.Widget.SessionID)
	assert.Equal(t, "ann@example.com", second.Metadata.Widget.VisitorEmail)
}

func TestResolveConcurrentFirstSightYieldsOneRow(t *testing.T) {
	svc, tenantID, _ := newService(t)
	ctx := context.Background()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]int{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conv, _, err := svc.Resolve(ctx, conversation.ResolveInput{
				TenantID: tenantID, Channel: channel.ChannelAPI, ExternalChatID: "chat-race",
			})
			if err != nil {
				t.Errorf("resolve: %v", err)
				return
			}
			mu.Lock()
			ids[conv.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, ids, 1)
}

func TestSetThreadFirstWriterWins(t *testing.T) {
	svc, tenantID, assistantID := newService(t)
	ctx := context.Background()

	conv, _, err := svc.Resolve(ctx, conversation.ResolveInput{
		TenantID: tenantID, Channel: channel.ChannelTelegram, ExternalChatID: "42", AssistantID: assistantID,
	})
	require.NoError(t, err)

	stored, err := svc.SetThread(ctx, conv.ID, assistantID, "thread_a")
	require.NoError(t, err)
	assert.Equal(t, "thread_a", stored)

	stored, err = svc.SetThread(ctx, conv.ID, assistantID, "thread_b")
	require.NoError(t, err)
	assert.Equal(t, "thread_a", stored)

	reloaded, err := svc.GetForTenant(ctx, tenantID, conv.ID)
	require.NoError(t, err)
	thread, ok := reloaded.Metadata.Thread(assistantID)
	require.True(t, ok)
	assert.Equal(t, "thread_a", thread.ThreadID)

	_, err = svc.GetForTenant(ctx, dbtest.NewTenantID(), conv.ID)
	assert.ErrorIs(t, err, conversation.ErrNotFound)

	found, err := svc.FindByExternal(ctx, tenantID, conv.Channel, conv.ExternalChatID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, found.ID)
	_, err = svc.FindByExternal(ctx, tenantID, conv.Channel, "unknown-chat")
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestSetStatusAndList(t *testing.T) {
	svc, tenantID, _ := newService(t)
	ctx := context.Background()

	conv, _, err := svc.Resolve(ctx, conversation.ResolveInput{
		TenantID: tenantID, Channel: channel.ChannelAPI, ExternalChatID: "c-1",
	})
	require.NoError(t, err)

	updated, err := svc.SetStatus(ctx, conv.ID, conversation.StatusClosed)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusClosed, updated.Status)

	_, err = svc.SetStatus(ctx, conv.ID, conversation.Status("bogus"))
	assert.True(t, channel.IsValidation(err))

	open, err := svc.List(ctx, tenantID, conversation.StatusOpen, 10)
	require.NoError(t, err)
	assert.Empty(t, open)

	all, err := svc.List(ctx, tenantID, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
