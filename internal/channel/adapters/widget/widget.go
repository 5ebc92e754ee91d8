package widget

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/memohai/omnidesk/internal/channel"
)

// Type is the channel type of the embeddable web widget.
const Type = channel.ChannelWidget

// DefaultMaxFileBytes bounds a single widget upload.
const DefaultMaxFileBytes = 10 << 20

// Adapter normalizes widget submissions. The widget is public; it is
// addressed by the binding's public key rather than a shared secret.
type Adapter struct {
	logger       *slog.Logger
	maxFileBytes int64
	now          func() time.Time
}

// NewAdapter creates a widget adapter. maxFileBytes <= 0 uses the default.
func NewAdapter(log *slog.Logger, maxFileBytes int64) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if maxFileBytes <= 0 {
		maxFileBytes = DefaultMaxFileBytes
	}
	return &Adapter{
		logger:       log.With(slog.String("adapter", "widget")),
		maxFileBytes: maxFileBytes,
		now:          time.Now,
	}
}

func (a *Adapter) Type() channel.ChannelType {
	return Type
}

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Web widget",
		Polling:     true,
	}
}

// Submission is the widget message form, sent as JSON or multipart fields.
type Submission struct {
	SessionID       string `json:"session_id"`
	Text            string `json:"text"`
	VisitorName     string `json:"visitor_name"`
	VisitorEmail    string `json:"visitor_email"`
	VisitorPhone    string `json:"visitor_phone"`
	PageURL         string `json:"page_url"`
	ClientMessageID string `json:"client_message_id"`
}

func (a *Adapter) Normalize(_ context.Context, _ channel.Binding, raw channel.RawInbound) (channel.InboundEvent, error) {
	sub, upload, err := a.parse(raw)
	if err != nil {
		return channel.InboundEvent{}, err
	}
	sub.SessionID = strings.TrimSpace(sub.SessionID)
	if sub.SessionID == "" {
		return channel.InboundEvent{}, channel.Invalid("session_id", "is required")
	}
	text := strings.TrimSpace(sub.Text)
	if text == "" && upload == nil {
		return channel.InboundEvent{}, channel.Invalid("text", "text or file is required")
	}

	event := channel.InboundEvent{
		Channel:           Type,
		ExternalChatID:    sub.SessionID,
		ExternalUserID:    sub.SessionID,
		ExternalMessageID: strings.TrimSpace(sub.ClientMessageID),
		SenderName:        strings.TrimSpace(sub.VisitorName),
		Text:              text,
		Widget: &channel.WidgetSession{
			SessionID:    sub.SessionID,
			VisitorName:  strings.TrimSpace(sub.VisitorName),
			VisitorEmail: strings.TrimSpace(sub.VisitorEmail),
			VisitorPhone: strings.TrimSpace(sub.VisitorPhone),
			PageURL:      strings.TrimSpace(sub.PageURL),
			UserAgent:    raw.HeaderValue("User-Agent"),
		},
		OccurredAt: a.now().UTC(),
	}
	mimeType := ""
	if upload != nil {
		mimeType = upload.Mime
		event.Upload = upload
		event.Media = &channel.Media{
			Mime: upload.Mime,
			Size: int64(len(upload.Data)),
			Name: upload.Name,
		}
	}
	event.ContentType = channel.Classify(mimeType, text, upload != nil)
	if event.ContentType == channel.ContentLink {
		event.LinkURL = text
	}
	if payload, err := json.Marshal(sub); err == nil {
		event.Raw = payload
	}
	return event, nil
}

func (a *Adapter) parse(raw channel.RawInbound) (Submission, *channel.Upload, error) {
	mediaType, params, err := mime.ParseMediaType(raw.ContentType)
	if err != nil {
		mediaType = ""
	}
	switch mediaType {
	case "multipart/form-data":
		return a.parseMultipart(raw.Body, params["boundary"])
	case "application/x-www-form-urlencoded":
		return Submission{}, nil, channel.Invalid("content-type", "must be application/json or multipart/form-data")
	default:
		var sub Submission
		if len(bytes.TrimSpace(raw.Body)) == 0 {
			return sub, nil, channel.Invalid("body", "is empty")
		}
		if err := json.Unmarshal(raw.Body, &sub); err != nil {
			return sub, nil, channel.Invalid("body", "is not valid JSON")
		}
		return sub, nil, nil
	}
}

func (a *Adapter) parseMultipart(body []byte, boundary string) (Submission, *channel.Upload, error) {
	if boundary == "" {
		return Submission{}, nil, channel.Invalid("content-type", "multipart boundary is missing")
	}
	form, err := multipart.NewReader(bytes.NewReader(body), boundary).ReadForm(a.maxFileBytes)
	if err != nil {
		return Submission{}, nil, channel.Invalid("body", "is not valid multipart")
	}
	defer func() {
		_ = form.RemoveAll()
	}()
	sub := Submission{
		SessionID:       formValue(form, "session_id"),
		Text:            formValue(form, "text"),
		VisitorName:     formValue(form, "visitor_name"),
		VisitorEmail:    formValue(form, "visitor_email"),
		VisitorPhone:    formValue(form, "visitor_phone"),
		PageURL:         formValue(form, "page_url"),
		ClientMessageID: formValue(form, "client_message_id"),
	}
	files := form.File["file"]
	if len(files) == 0 {
		return sub, nil, nil
	}
	if len(files) > 1 {
		return sub, nil, channel.Invalid("file", "only one file is accepted")
	}
	upload, err := a.readUpload(files[0])
	if err != nil {
		return sub, nil, err
	}
	return sub, upload, nil
}

func (a *Adapter) readUpload(fh *multipart.FileHeader) (*channel.Upload, error) {
	if fh.Size > a.maxFileBytes {
		return nil, channel.Invalid("file", fmt.Sprintf("exceeds %d bytes", a.maxFileBytes))
	}
	f, err := fh.Open()
	if err != nil {
		return nil, channel.Invalid("file", "cannot be read")
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, a.maxFileBytes+1))
	if err != nil {
		return nil, channel.Invalid("file", "cannot be read")
	}
	if int64(len(data)) > a.maxFileBytes {
		return nil, channel.Invalid("file", fmt.Sprintf("exceeds %d bytes", a.maxFileBytes))
	}
	if len(data) == 0 {
		return nil, channel.Invalid("file", "is empty")
	}
	mimeType := strings.TrimSpace(fh.Header.Get("Content-Type"))
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(strings.ToLower(mimeType), "image/") {
		return nil, channel.Invalid("file", "must be an image")
	}
	return &channel.Upload{Name: fh.Filename, Mime: mimeType, Data: data}, nil
}

func formValue(form *multipart.Form, key string) string {
	if values := form.Value[key]; len(values) > 0 {
		return strings.TrimSpace(values[0])
	}
	return ""
}

// PublicConfig is the display configuration served to the widget script.
type PublicConfig struct {
	Title        string `json:"title"`
	Greeting     string `json:"greeting,omitempty"`
	AccentColor  string `json:"accent_color,omitempty"`
	Position     string `json:"position"`
	AvatarURL    string `json:"avatar_url,omitempty"`
	PollInterval int    `json:"poll_interval_ms"`
	AllowUploads bool   `json:"allow_uploads"`
}

// ConfigFor derives the public widget configuration from a binding. Secrets
// are never part of it.
func ConfigFor(binding channel.Binding) (PublicConfig, error) {
	if binding.Channel != Type {
		return PublicConfig{}, errors.New("binding is not a widget binding")
	}
	cfg := PublicConfig{
		Title:        binding.Setting("title"),
		Greeting:     binding.Setting("greeting"),
		AccentColor:  binding.Setting("accent_color"),
		Position:     binding.Setting("position"),
		AvatarURL:    binding.Setting("avatar_url"),
		PollInterval: 3000,
		AllowUploads: binding.Setting("allow_uploads") != "false",
	}
	if cfg.Title == "" {
		cfg.Title = "Chat with us"
	}
	if cfg.Position != "left" {
		cfg.Position = "right"
	}
	if v, ok := binding.Settings["poll_interval_ms"].(float64); ok && v >= 1000 {
		cfg.PollInterval = int(v)
	}
	return cfg, nil
}
