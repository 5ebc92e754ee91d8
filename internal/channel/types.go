package channel

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ChannelType identifies a messaging surface.
type ChannelType string

const (
	ChannelWidget       ChannelType = "widget"
	ChannelTelegram     ChannelType = "telegram"
	ChannelInstagram    ChannelType = "instagram"
	ChannelAPI          ChannelType = "api"
	ChannelInternalTest ChannelType = "internal-test"
)

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

// Billable reports whether inbound traffic on the channel counts toward the
// tenant's conversation quota. Operator self-test traffic never does.
func (c ChannelType) Billable() bool {
	return c != ChannelInternalTest
}

// ContentType classifies a single message turn.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentVideo ContentType = "video"
	ContentAudio ContentType = "audio"
	ContentVoice ContentType = "voice"
	ContentLink  ContentType = "link"
	ContentFile  ContentType = "file"
)

// IsMedia reports whether the content carries a binary payload.
func (c ContentType) IsMedia() bool {
	switch c {
	case ContentImage, ContentVideo, ContentAudio, ContentVoice, ContentFile:
		return true
	default:
		return false
	}
}

// Media references an inbound or outbound binary.
type Media struct {
	URL  string `json:"url,omitempty"`
	Mime string `json:"mime,omitempty"`
	Size int64  `json:"size,omitempty"`
	Name string `json:"name,omitempty"`
	// PlatformKey is the channel-side handle (e.g. a Telegram file_id) used to
	// fetch the binary through a MediaResolver.
	PlatformKey string `json:"platform_key,omitempty"`
}

// Upload carries binary content received within the current request.
type Upload struct {
	Name string
	Mime string
	Data []byte
}

// Attachment is an additional media item on a message.
type Attachment struct {
	Type        ContentType `json:"type"`
	URL         string      `json:"url,omitempty"`
	Mime        string      `json:"mime,omitempty"`
	Name        string      `json:"name,omitempty"`
	Size        int64       `json:"size,omitempty"`
	PlatformKey string      `json:"platform_key,omitempty"`
}

// WidgetSession holds visitor details captured by the web widget.
type WidgetSession struct {
	SessionID    string `json:"session_id,omitempty"`
	VisitorName  string `json:"visitor_name,omitempty"`
	VisitorEmail string `json:"visitor_email,omitempty"`
	VisitorPhone string `json:"visitor_phone,omitempty"`
	PageURL      string `json:"page_url,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
}

// ProviderInfo holds channel-provider details about the remote chat.
type ProviderInfo struct {
	ChatType  string `json:"chat_type,omitempty"`
	Username  string `json:"username,omitempty"`
	AccountID string `json:"account_id,omitempty"`
}

// InboundEvent is the canonical form of one inbound turn, independent of the
// channel it arrived on.
type InboundEvent struct {
	Channel           ChannelType     `json:"channel"`
	ExternalChatID    string          `json:"external_chat_id"`
	ExternalUserID    string          `json:"external_user_id,omitempty"`
	ExternalMessageID string          `json:"external_message_id,omitempty"`
	SenderName        string          `json:"sender_name,omitempty"`
	SenderAvatar      string          `json:"sender_avatar,omitempty"`
	ContentType       ContentType     `json:"content_type"`
	Text              string          `json:"text,omitempty"`
	Media             *Media          `json:"media,omitempty"`
	LinkURL           string          `json:"link_url,omitempty"`
	Attachments       []Attachment    `json:"attachments,omitempty"`
	Widget            *WidgetSession  `json:"widget,omitempty"`
	Provider          *ProviderInfo   `json:"provider,omitempty"`
	Extra             map[string]any  `json:"extra,omitempty"`
	Raw               json.RawMessage `json:"-"`
	OccurredAt        time.Time       `json:"occurred_at"`

	Upload *Upload `json:"-"`
}

// RawInbound is an unparsed request as received by a webhook endpoint.
type RawInbound struct {
	ContentType string
	Body        []byte
	Header      http.Header
	Query       url.Values
}

// HeaderValue returns a trimmed request header.
func (r RawInbound) HeaderValue(name string) string {
	if r.Header == nil {
		return ""
	}
	return strings.TrimSpace(r.Header.Get(name))
}

// Binding is a tenant's connection of one channel to one assistant.
type Binding struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	AssistantID string         `json:"assistant_id,omitempty"`
	Channel     ChannelType    `json:"channel"`
	PublicKey   string         `json:"public_key,omitempty"`
	Credentials map[string]any `json:"-"`
	Settings    map[string]any `json:"settings,omitempty"`
	Active      bool           `json:"active"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Credential reads a string credential by key.
func (b Binding) Credential(key string) string {
	return readString(b.Credentials, key)
}

// Setting reads a string setting by key.
func (b Binding) Setting(key string) string {
	return readString(b.Settings, key)
}

func readString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	raw, ok := m[key]
	if !ok || raw == nil {
		return ""
	}
	if s, ok := raw.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// OutboundMessage is a reply to deliver over a channel.
type OutboundMessage struct {
	MessageID      string
	ConversationID string
	ExternalChatID string
	ExternalUserID string
	ContentType    ContentType
	Text           string
	Media          *Media
	Upload         *Upload
}
