package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/omnidesk/internal/channel"
)

func testBinding() channel.Binding {
	return channel.Binding{
		ID:       "b-tg",
		TenantID: "t1",
		Channel:  Type,
		Active:   true,
		Credentials: map[string]any{
			"bot_token":      "123:abc",
			"webhook_secret": "hook-secret",
		},
	}
}

func webhook(body string, secret string) channel.RawInbound {
	header := http.Header{}
	if secret != "" {
		header.Set(secretHeader, secret)
	}
	return channel.RawInbound{ContentType: "application/json", Body: []byte(body), Header: header}
}

func TestTelegramNormalizeText(t *testing.T) {
	t.Parallel()

	body := `{"update_id":10,"message":{"message_id":5,"date":1700000000,"text":"hello",
		"chat":{"id":42,"type":"private"},"from":{"id":7,"first_name":"Ann","last_name":"Lee","username":"ann"}}}`
	event, err := NewTelegramAdapter(nil).Normalize(context.Background(), testBinding(), webhook(body, "hook-secret"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.ExternalChatID != "42" || event.ExternalUserID != "7" || event.ExternalMessageID != "5" {
		t.Fatalf("unexpected ids: %+v", event)
	}
	if event.SenderName != "Ann Lee" {
		t.Fatalf("unexpected sender name: %q", event.SenderName)
	}
	if event.ContentType != channel.ContentText || event.Text != "hello" {
		t.Fatalf("unexpected content: %s %q", event.ContentType, event.Text)
	}
	if event.Provider == nil || event.Provider.ChatType != "private" || event.Provider.Username != "ann" {
		t.Fatalf("unexpected provider info: %+v", event.Provider)
	}
	if event.OccurredAt.Unix() != 1700000000 {
		t.Fatalf("unexpected time: %v", event.OccurredAt)
	}
}

func TestTelegramNormalizePhotoWithCaption(t *testing.T) {
	t.Parallel()

	body := `{"update_id":11,"message":{"message_id":6,"date":1700000000,"caption":"this one",
		"chat":{"id":42,"type":"private"},"from":{"id":7,"first_name":"Ann"},
		"photo":[{"file_id":"small","width":90,"height":90},{"file_id":"large","width":800,"height":600,"file_size":5000}]}}`
	event, err := NewTelegramAdapter(nil).Normalize(context.Background(), testBinding(), webhook(body, "hook-secret"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.ContentType != channel.ContentImage {
		t.Fatalf("expected image, got %s", event.ContentType)
	}
	if event.Media == nil || event.Media.PlatformKey != "large" || event.Media.Size != 5000 {
		t.Fatalf("unexpected media: %+v", event.Media)
	}
	if event.Text != "this one" {
		t.Fatalf("expected caption as text, got %q", event.Text)
	}
}

func TestTelegramNormalizeVoiceAndDocument(t *testing.T) {
	t.Parallel()

	adapter := NewTelegramAdapter(nil)
	voice := `{"update_id":12,"message":{"message_id":7,"date":1,"chat":{"id":1,"type":"private"},"voice":{"file_id":"v1","duration":3}}}`
	event, err := adapter.Normalize(context.Background(), testBinding(), webhook(voice, "hook-secret"))
	if err != nil || event.ContentType != channel.ContentVoice || event.Media.Mime != "audio/ogg" {
		t.Fatalf("unexpected voice event: %+v err=%v", event, err)
	}

	doc := `{"update_id":13,"message":{"message_id":8,"date":1,"chat":{"id":1,"type":"private"},
		"document":{"file_id":"d1","file_name":"scan.png","mime_type":"image/png"}}}`
	event, err = adapter.Normalize(context.Background(), testBinding(), webhook(doc, "hook-secret"))
	if err != nil || event.ContentType != channel.ContentImage || event.Media.Name != "scan.png" {
		t.Fatalf("unexpected document event: %+v err=%v", event, err)
	}
}

func TestTelegramNormalizeAuth(t *testing.T) {
	t.Parallel()

	adapter := NewTelegramAdapter(nil)
	body := `{"update_id":1,"message":{"message_id":1,"date":1,"text":"x","chat":{"id":1,"type":"private"}}}`

	if _, err := adapter.Normalize(context.Background(), testBinding(), webhook(body, "")); !errors.Is(err, channel.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := adapter.Normalize(context.Background(), testBinding(), webhook(body, "wrong")); !errors.Is(err, channel.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestTelegramNormalizeIgnoresServiceUpdates(t *testing.T) {
	t.Parallel()

	adapter := NewTelegramAdapter(nil)
	edited := `{"update_id":2,"edited_message":{"message_id":1,"date":1,"text":"x","chat":{"id":1,"type":"private"}}}`
	if _, err := adapter.Normalize(context.Background(), testBinding(), webhook(edited, "hook-secret")); !errors.Is(err, channel.ErrIgnored) {
		t.Fatalf("expected ErrIgnored, got %v", err)
	}
	joined := `{"update_id":3,"message":{"message_id":2,"date":1,"chat":{"id":1,"type":"group"}}}`
	if _, err := adapter.Normalize(context.Background(), testBinding(), webhook(joined, "hook-secret")); !errors.Is(err, channel.ErrIgnored) {
		t.Fatalf("expected ErrIgnored, got %v", err)
	}
	if _, err := adapter.Normalize(context.Background(), testBinding(), webhook("{", "hook-secret")); !channel.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestResolveTelegramSender(t *testing.T) {
	t.Parallel()

	id, name, username := resolveTelegramSender(nil)
	if id != "" || name != "" || username != "" {
		t.Fatalf("expected empty sender")
	}
	id, name, username = resolveTelegramSender(&tgbotapi.Message{From: &tgbotapi.User{ID: 123, UserName: "alice"}})
	if id != "123" || name != "alice" || username != "alice" {
		t.Fatalf("unexpected sender: %s %s %s", id, name, username)
	}
	id, name, _ = resolveTelegramSender(&tgbotapi.Message{SenderChat: &tgbotapi.Chat{ID: -100, Title: "News"}})
	if id != "-100" || name != "News" {
		t.Fatalf("unexpected sender chat: %s %s", id, name)
	}
}

func TestTelegramSendChunksLongText(t *testing.T) {
	t.Parallel()

	var sends atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"bot","username":"test_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			n := sends.Add(1)
			fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":1,"chat":{"id":42,"type":"private"}}}`, 100+n)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	adapter := NewTelegramAdapter(nil)
	adapter.newBot = func(token string) (*tgbotapi.BotAPI, error) {
		return tgbotapi.NewBotAPIWithClient(token, srv.URL+"/bot%s/%s", srv.Client())
	}

	text := strings.Repeat("a", telegramMaxMessageLength) + "\n" + "tail"
	id, err := adapter.Send(context.Background(), testBinding(), channel.OutboundMessage{ExternalChatID: "42", Text: text})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if sends.Load() != 2 {
		t.Fatalf("expected 2 sends, got %d", sends.Load())
	}
	if id != "102" {
		t.Fatalf("expected id of last chunk, got %s", id)
	}
}

func TestTelegramSendRequiresNumericChat(t *testing.T) {
	t.Parallel()

	if _, err := NewTelegramAdapter(nil).Send(context.Background(), testBinding(), channel.OutboundMessage{ExternalChatID: "abc", Text: "x"}); err == nil {
		t.Fatalf("expected error for non-numeric chat id")
	}
}

func TestTelegramResolveMediaRequiresReference(t *testing.T) {
	t.Parallel()

	if _, err := NewTelegramAdapter(nil).ResolveMedia(context.Background(), testBinding(), channel.Media{}); err == nil {
		t.Fatalf("expected error for missing file reference")
	}
}
