package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/omnidesk/internal/channel"
	"github.com/memohai/omnidesk/internal/channel/adapters/instagram"
	"github.com/memohai/omnidesk/internal/inbound"
)

const (
	apiBindingID = "22222222-2222-2222-2222-222222222222"
	tgBindingID  = "33333333-3333-3333-3333-333333333333"
)

func webhookBindings() *memBindings {
	return newMemBindings(
		channel.Binding{ID: apiBindingID, TenantID: tenantID, AssistantID: "a-1", Channel: channel.ChannelAPI,
			PublicKey: "crm-hook", Active: true, Credentials: map[string]any{"webhook_token": "tok"}},
		channel.Binding{ID: tgBindingID, TenantID: tenantID, AssistantID: "a-1", Channel: channel.ChannelTelegram,
			Active: true, Credentials: map[string]any{"webhook_secret": "hook-secret"}},
		channel.Binding{ID: "44444444-4444-4444-4444-444444444444", TenantID: tenantID, Channel: channel.ChannelInstagram,
			PublicKey: "ig-page", Active: true, Credentials: map[string]any{"verify_token": "verify-me", "app_secret": "app-secret"}},
	)
}

func postWebhook(t *testing.T, h *WebhookHandler, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	e := newEcho(h)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestWebhookIngestsByBindingID(t *testing.T) {
	t.Parallel()

	ingest := &recordingIngestor{}
	h := NewWebhookHandler(nil, newRegistry(), webhookBindings(), ingest)
	body := `{"chat_id":"c-1","user_id":"u-1","message_id":"m-1","text":"hello"}`

	rec := postWebhook(t, h, "/channels/api/webhook/"+apiBindingID, body, map[string]string{"X-Webhook-Token": "tok"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, inbound.StatusReplied, payload["message"])
	require.Equal(t, 1, ingest.count())
	assert.Equal(t, "c-1", ingest.events[0].ExternalChatID)

	rec = postWebhook(t, h, "/channels/api/webhook/"+apiBindingID, body, map[string]string{"X-Webhook-Token": "tok"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookResolvesPublicKeyAndHeader(t *testing.T) {
	t.Parallel()

	ingest := &recordingIngestor{}
	h := NewWebhookHandler(nil, newRegistry(), webhookBindings(), ingest)
	body := `{"chat_id":"c-2","text":"hi"}`

	rec := postWebhook(t, h, "/channels/api/webhook/crm-hook", body, map[string]string{"X-Webhook-Token": "tok"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = postWebhook(t, h, "/channels/api/webhook", body, map[string]string{"X-Webhook-Token": "tok", BindingHeader: apiBindingID})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = postWebhook(t, h, "/channels/api/webhook", body, map[string]string{"X-Webhook-Token": "tok"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 2, ingest.count())
}

func TestWebhookAuthFailures(t *testing.T) {
	t.Parallel()

	ingest := &recordingIngestor{}
	h := NewWebhookHandler(nil, newRegistry(), webhookBindings(), ingest)
	body := `{"chat_id":"c-1","text":"hello"}`

	rec := postWebhook(t, h, "/channels/api/webhook/"+apiBindingID, body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postWebhook(t, h, "/channels/api/webhook/"+apiBindingID, body, map[string]string{"X-Webhook-Token": "nope"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Auth failures are never swallowed, even on retrying providers.
	rec = postWebhook(t, h, "/channels/telegram/webhook/"+tgBindingID, `{"update_id":1}`, map[string]string{"X-Telegram-Bot-Api-Secret-Token": "wrong"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, ingest.count())
}

func TestWebhookRejectsUnknownAndInternalChannels(t *testing.T) {
	t.Parallel()

	h := NewWebhookHandler(nil, newRegistry(), webhookBindings(), &recordingIngestor{})

	rec := postWebhook(t, h, "/channels/fax/webhook/"+apiBindingID, `{}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = postWebhook(t, h, "/channels/internal-test/webhook/"+apiBindingID, `{}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// A binding of another channel is not addressable through this route.
	rec = postWebhook(t, h, "/channels/telegram/webhook/"+apiBindingID, `{}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookValidationErrors(t *testing.T) {
	t.Parallel()

	h := NewWebhookHandler(nil, newRegistry(), webhookBindings(), &recordingIngestor{})

	rec := postWebhook(t, h, "/channels/api/webhook/"+apiBindingID, `{"chat_id":"c-1"}`, map[string]string{"X-Webhook-Token": "tok"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	secret := map[string]string{"X-Telegram-Bot-Api-Secret-Token": "hook-secret"}
	rec = postWebhook(t, h, "/channels/telegram/webhook/"+tgBindingID, `{`, secret)
	require.Equal(t, http.StatusOK, rec.Code)
	var ignored IgnoredResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ignored))
	assert.True(t, ignored.Ignored)

	rec = postWebhook(t, h, "/channels/telegram/webhook/"+tgBindingID, `{"update_id":9}`, secret)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ignored":true`)
}

func TestWebhookTelegramMessage(t *testing.T) {
	t.Parallel()

	ingest := &recordingIngestor{}
	h := NewWebhookHandler(nil, newRegistry(), webhookBindings(), ingest)
	body := `{"update_id":10,"message":{"message_id":5,"date":1714521600,"chat":{"id":777,"type":"private"},"from":{"id":777,"first_name":"Ana"},"text":"hola"}}`

	rec := postWebhook(t, h, "/channels/telegram/webhook/"+tgBindingID, body, map[string]string{"X-Telegram-Bot-Api-Secret-Token": "hook-secret"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, 1, ingest.count())
	assert.Equal(t, "777", ingest.events[0].ExternalChatID)
	assert.Equal(t, channel.ChannelTelegram, ingest.events[0].Channel)
}

func TestWebhookIngestFailure(t *testing.T) {
	t.Parallel()

	h := NewWebhookHandler(nil, newRegistry(), webhookBindings(), &recordingIngestor{err: errors.New("db down")})
	rec := postWebhook(t, h, "/channels/api/webhook/"+apiBindingID, `{"chat_id":"c-1","text":"x"}`, map[string]string{"X-Webhook-Token": "tok"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db down")
}

const instagramBatch = `{"object":"instagram","entry":[{"id":"ig-page","time":1700000000,"messaging":[
 {"sender":{"id":"igsid-1"},"recipient":{"id":"ig-page"},"timestamp":1700000000100,"message":{"mid":"m1","text":"first"}},
 {"sender":{"id":"igsid-2"},"recipient":{"id":"ig-page"},"timestamp":1700000000200,"message":{"mid":"m2","text":"second"}}
]}]}`

func postInstagramBatch(t *testing.T, h *WebhookHandler) *httptest.ResponseRecorder {
	t.Helper()
	return postWebhook(t, h, "/channels/instagram/webhook/ig-page", instagramBatch,
		map[string]string{"X-Hub-Signature-256": instagram.Sign("app-secret", []byte(instagramBatch))})
}

func TestWebhookBatchTransientFailureIsRetried(t *testing.T) {
	t.Parallel()

	ingest := &recordingIngestor{failOn: map[string]error{"m2": errors.New("db: connection reset")}}
	h := NewWebhookHandler(nil, newRegistry(), webhookBindings(), ingest)

	rec := postInstagramBatch(t, h)
	assert.Equal(t, http.StatusInternalServerError, rec.Code, rec.Body.String())
	assert.Equal(t, 2, ingest.count())

	ingest.heal()
	rec = postInstagramBatch(t, h)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var payload BatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Results, 2)
	assert.True(t, payload.Results[0].Duplicate)
	assert.False(t, payload.Results[1].Duplicate)
}

func TestWebhookBatchContinuesAfterFirstFailure(t *testing.T) {
	t.Parallel()

	ingest := &recordingIngestor{failOn: map[string]error{"m1": errors.New("db: connection reset")}}
	rec := postInstagramBatch(t, NewWebhookHandler(nil, newRegistry(), webhookBindings(), ingest))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, 2, ingest.count())
	assert.Equal(t, "m2", ingest.events[1].ExternalMessageID)
}

func TestWebhookBatchSkipsRejectedEvent(t *testing.T) {
	t.Parallel()

	ingest := &recordingIngestor{failOn: map[string]error{"m1": channel.Invalid("text", "is required")}}
	rec := postInstagramBatch(t, NewWebhookHandler(nil, newRegistry(), webhookBindings(), ingest))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, 2, ingest.count())

	var payload inbound.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "second", payload.ChatMessage.Text)
}

func TestWebhookChallenge(t *testing.T) {
	t.Parallel()

	e := newEcho(NewWebhookHandler(nil, newRegistry(), webhookBindings(), &recordingIngestor{}))

	req := httptest.NewRequest(http.MethodGet, "/channels/instagram/webhook/ig-page?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "12345", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/channels/instagram/webhook/ig-page?hub.mode=subscribe&hub.verify_token=bad&hub.challenge=1", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/channels/api/webhook/"+apiBindingID, nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
