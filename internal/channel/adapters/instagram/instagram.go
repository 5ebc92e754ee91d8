package instagram

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/memohai/omnidesk/internal/channel"
)

// Type is the Instagram messaging channel type.
const Type = channel.ChannelInstagram

const (
	DefaultGraphBaseURL = "https://graph.facebook.com/v21.0"

	signatureHeader         = "X-Hub-Signature-256"
	credentialAppSecret     = "app_secret"
	credentialVerifyToken   = "verify_token"
	credentialPageToken     = "page_access_token"
	instagramMaxTextLength  = 1000
	instagramResponseLimit  = 1 << 20
	instagramRequestTimeout = 15 * time.Second
)

// Adapter handles Instagram Graph webhooks and the Send API.
type Adapter struct {
	logger       *slog.Logger
	httpClient   *http.Client
	graphBaseURL string
}

// NewAdapter creates an Instagram adapter. An empty graphBaseURL uses the
// public Graph API.
func NewAdapter(log *slog.Logger, graphBaseURL string) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(graphBaseURL) == "" {
		graphBaseURL = DefaultGraphBaseURL
	}
	return &Adapter{
		logger:       log.With(slog.String("adapter", "instagram")),
		httpClient:   &http.Client{Timeout: instagramRequestTimeout},
		graphBaseURL: strings.TrimRight(graphBaseURL, "/"),
	}
}

func (a *Adapter) Type() channel.ChannelType {
	return Type
}

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:           Type,
		DisplayName:    "Instagram",
		RetriesOnError: true,
		TextChunkLimit: instagramMaxTextLength,
	}
}

type webhookPayload struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID        string      `json:"id"`
	Time      int64       `json:"time"`
	Messaging []messaging `json:"messaging"`
}

type messaging struct {
	Sender    party    `json:"sender"`
	Recipient party    `json:"recipient"`
	Timestamp int64    `json:"timestamp"`
	Message   *message `json:"message"`
}

type party struct {
	ID string `json:"id"`
}

type message struct {
	MID         string       `json:"mid"`
	Text        string       `json:"text"`
	IsEcho      bool         `json:"is_echo"`
	Attachments []attachment `json:"attachments"`
}

type attachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL string `json:"url"`
	} `json:"payload"`
}

// Normalize returns the first message event of the webhook body.
func (a *Adapter) Normalize(ctx context.Context, binding channel.Binding, raw channel.RawInbound) (channel.InboundEvent, error) {
	events, err := a.NormalizeBatch(ctx, binding, raw)
	if err != nil {
		return channel.InboundEvent{}, err
	}
	if len(events) == 0 {
		return channel.InboundEvent{}, channel.ErrIgnored
	}
	return events[0], nil
}

// NormalizeBatch verifies the payload signature once and returns every
// customer message it carries. Echoes of our own sends are skipped.
func (a *Adapter) NormalizeBatch(_ context.Context, binding channel.Binding, raw channel.RawInbound) ([]channel.InboundEvent, error) {
	if err := verifySignature(binding.Credential(credentialAppSecret), raw.HeaderValue(signatureHeader), raw.Body); err != nil {
		return nil, err
	}
	var payload webhookPayload
	if err := json.Unmarshal(raw.Body, &payload); err != nil {
		return nil, channel.Invalid("body", "is not an Instagram webhook")
	}
	if payload.Object != "" && payload.Object != "instagram" && payload.Object != "page" {
		return nil, channel.Invalid("object", "must be instagram")
	}
	var events []channel.InboundEvent
	for _, e := range payload.Entry {
		for _, m := range e.Messaging {
			if m.Message == nil || m.Message.IsEcho {
				continue
			}
			if strings.TrimSpace(m.Sender.ID) == "" {
				return nil, channel.Invalid("messaging.sender.id", "is required")
			}
			events = append(events, buildEvent(e, m))
		}
	}
	return events, nil
}

func buildEvent(e entry, m messaging) channel.InboundEvent {
	text := strings.TrimSpace(m.Message.Text)
	occurred := time.UnixMilli(m.Timestamp).UTC()
	if m.Timestamp == 0 {
		occurred = time.Unix(e.Time, 0).UTC()
	}
	event := channel.InboundEvent{
		Channel:           Type,
		ExternalChatID:    m.Sender.ID,
		ExternalUserID:    m.Sender.ID,
		ExternalMessageID: m.Message.MID,
		Text:              text,
		Provider:          &channel.ProviderInfo{AccountID: firstNonEmpty(m.Recipient.ID, e.ID)},
		OccurredAt:        occurred,
	}
	if raw, err := json.Marshal(m); err == nil {
		event.Raw = raw
	}
	for i, att := range m.Message.Attachments {
		ct := attachmentContentType(att.Type)
		item := channel.Attachment{Type: ct, URL: att.Payload.URL}
		if i == 0 {
			event.ContentType = ct
			event.Media = &channel.Media{URL: att.Payload.URL, Mime: defaultMimeFor(ct)}
			if ct == channel.ContentLink {
				event.Media = nil
				event.LinkURL = att.Payload.URL
			}
			continue
		}
		event.Attachments = append(event.Attachments, item)
	}
	if event.ContentType == "" {
		event.ContentType = channel.Classify("", text, false)
		if event.ContentType == channel.ContentLink {
			event.LinkURL = text
		}
	}
	return event
}

func attachmentContentType(kind string) channel.ContentType {
	switch strings.ToLower(kind) {
	case "image", "sticker", "animated_image_share":
		return channel.ContentImage
	case "video", "ig_reel", "reel":
		return channel.ContentVideo
	case "audio":
		return channel.ContentAudio
	case "share", "story_mention", "fallback":
		return channel.ContentLink
	default:
		return channel.ContentFile
	}
}

func defaultMimeFor(ct channel.ContentType) string {
	switch ct {
	case channel.ContentImage:
		return "image/jpeg"
	case channel.ContentVideo:
		return "video/mp4"
	case channel.ContentAudio:
		return "audio/mp4"
	default:
		return "application/octet-stream"
	}
}

func verifySignature(secret, header string, body []byte) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return channel.ErrUnauthorized
	}
	if strings.TrimSpace(secret) == "" {
		return channel.ErrForbidden
	}
	provided, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return channel.ErrForbidden
	}
	got, err := hex.DecodeString(provided)
	if err != nil {
		return channel.ErrForbidden
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return channel.ErrForbidden
	}
	return nil
}

// Sign returns the X-Hub-Signature-256 value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// RouteKey returns the Instagram account id the webhook was addressed to.
func (a *Adapter) RouteKey(raw channel.RawInbound) (string, error) {
	var payload webhookPayload
	if err := json.Unmarshal(raw.Body, &payload); err != nil {
		return "", channel.Invalid("body", "is not an Instagram webhook")
	}
	for _, e := range payload.Entry {
		if id := strings.TrimSpace(e.ID); id != "" {
			return id, nil
		}
	}
	return "", channel.Invalid("entry.id", "is required")
}

// Challenge answers the Graph subscription handshake.
func (a *Adapter) Challenge(binding channel.Binding, query url.Values) (string, error) {
	if query.Get("hub.mode") != "subscribe" {
		return "", channel.Invalid("hub.mode", "must be subscribe")
	}
	if err := channel.VerifySecret(binding.Credential(credentialVerifyToken), query.Get("hub.verify_token")); err != nil {
		return "", err
	}
	challenge := query.Get("hub.challenge")
	if challenge == "" {
		return "", channel.Invalid("hub.challenge", "is required")
	}
	return challenge, nil
}

type sendRequest struct {
	Recipient party       `json:"recipient"`
	Message   sendMessage `json:"message"`
}

type sendMessage struct {
	Text       string          `json:"text,omitempty"`
	Attachment *sendAttachment `json:"attachment,omitempty"`
}

type sendAttachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL string `json:"url"`
	} `json:"payload"`
}

type sendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
	Error       *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send delivers a reply through the Send API. Text over the platform limit
// is split; the id of the last message is returned.
func (a *Adapter) Send(ctx context.Context, binding channel.Binding, msg channel.OutboundMessage) (string, error) {
	token := binding.Credential(credentialPageToken)
	if token == "" {
		return "", fmt.Errorf("instagram page access token is not configured")
	}
	recipient := strings.TrimSpace(msg.ExternalChatID)
	if recipient == "" {
		return "", fmt.Errorf("instagram recipient is required")
	}
	var requests []sendRequest
	if msg.Media != nil && strings.HasPrefix(msg.Media.URL, "https://") {
		att := &sendAttachment{Type: graphAttachmentType(msg.ContentType)}
		att.Payload.URL = msg.Media.URL
		requests = append(requests, sendRequest{Recipient: party{ID: recipient}, Message: sendMessage{Attachment: att}})
	}
	for _, chunk := range channel.ChunkText(msg.Text, instagramMaxTextLength) {
		requests = append(requests, sendRequest{Recipient: party{ID: recipient}, Message: sendMessage{Text: chunk}})
	}
	if len(requests) == 0 {
		return "", fmt.Errorf("message is required")
	}
	var lastID string
	for _, req := range requests {
		id, err := a.post(ctx, token, req)
		if err != nil {
			a.logger.Error("send message failed", slog.String("binding_id", binding.ID), slog.Any("error", err))
			return "", err
		}
		lastID = id
	}
	return lastID, nil
}

func graphAttachmentType(ct channel.ContentType) string {
	switch ct {
	case channel.ContentImage:
		return "image"
	case channel.ContentVideo:
		return "video"
	case channel.ContentAudio, channel.ContentVoice:
		return "audio"
	default:
		return "file"
	}
}

func (a *Adapter) post(ctx context.Context, token string, payload sendRequest) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	endpoint := a.graphBaseURL + "/me/messages?access_token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("instagram send: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, instagramResponseLimit))
	if err != nil {
		return "", fmt.Errorf("instagram send: read response: %w", err)
	}
	var out sendResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("instagram send: status %d: decode response: %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 || out.Error != nil {
		reason := http.StatusText(resp.StatusCode)
		if out.Error != nil {
			reason = fmt.Sprintf("%s (code %d)", out.Error.Message, out.Error.Code)
		}
		return "", fmt.Errorf("instagram send: status %d: %s", resp.StatusCode, reason)
	}
	return out.MessageID, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
