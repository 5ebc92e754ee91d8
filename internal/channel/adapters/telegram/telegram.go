package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/omnidesk/internal/channel"
)

// Type is the Telegram channel type.
const Type = channel.ChannelTelegram

const (
	telegramMaxMessageLength = 4096
	telegramMaxDownloadBytes = 20 << 20
	secretHeader             = "X-Telegram-Bot-Api-Secret-Token"
	credentialBotToken       = "bot_token"
	credentialWebhookSecret  = "webhook_secret"
)

// TelegramAdapter implements channel.Adapter, channel.Sender and
// channel.MediaResolver for Telegram bots.
type TelegramAdapter struct {
	logger     *slog.Logger
	httpClient *http.Client
	mu         sync.RWMutex
	bots       map[string]*tgbotapi.BotAPI // keyed by bot token
	newBot     func(token string) (*tgbotapi.BotAPI, error)
}

// NewTelegramAdapter creates a TelegramAdapter with the given logger.
func NewTelegramAdapter(log *slog.Logger) *TelegramAdapter {
	if log == nil {
		log = slog.Default()
	}
	adapter := &TelegramAdapter{
		logger:     log.With(slog.String("adapter", "telegram")),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		bots:       make(map[string]*tgbotapi.BotAPI),
		newBot:     tgbotapi.NewBotAPI,
	}
	_ = tgbotapi.SetLogger(&slogBotLogger{log: adapter.logger})
	return adapter
}

func (a *TelegramAdapter) getOrCreateBot(token, bindingID string) (*tgbotapi.BotAPI, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("telegram bot token is not configured")
	}
	a.mu.RLock()
	bot, ok := a.bots[token]
	a.mu.RUnlock()
	if ok {
		return bot, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if bot, ok := a.bots[token]; ok {
		return bot, nil
	}
	bot, err := a.newBot(token)
	if err != nil {
		a.logger.Error("create bot failed", slog.String("binding_id", bindingID), slog.Any("error", err))
		return nil, err
	}
	a.bots[token] = bot
	return bot, nil
}

// Type returns the Telegram channel type.
func (a *TelegramAdapter) Type() channel.ChannelType {
	return Type
}

// Descriptor returns the Telegram channel metadata.
func (a *TelegramAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:           Type,
		DisplayName:    "Telegram",
		RetriesOnError: true,
		TextChunkLimit: telegramMaxMessageLength,
	}
}

// Normalize authenticates the webhook secret header and converts a Telegram
// update into an inbound event.
func (a *TelegramAdapter) Normalize(_ context.Context, binding channel.Binding, raw channel.RawInbound) (channel.InboundEvent, error) {
	if err := channel.VerifySecret(binding.Credential(credentialWebhookSecret), raw.HeaderValue(secretHeader)); err != nil {
		return channel.InboundEvent{}, err
	}
	var update tgbotapi.Update
	if err := json.Unmarshal(raw.Body, &update); err != nil {
		return channel.InboundEvent{}, channel.Invalid("body", "is not a Telegram update")
	}
	msg := update.Message
	if msg == nil {
		return channel.InboundEvent{}, fmt.Errorf("%w: update %d has no message", channel.ErrIgnored, update.UpdateID)
	}
	if msg.Chat == nil {
		return channel.InboundEvent{}, channel.Invalid("message.chat", "is required")
	}

	userID, displayName, username := resolveTelegramSender(msg)
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	event := channel.InboundEvent{
		Channel:           Type,
		ExternalChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		ExternalUserID:    userID,
		ExternalMessageID: strconv.Itoa(msg.MessageID),
		SenderName:        displayName,
		Text:              text,
		Provider: &channel.ProviderInfo{
			ChatType: msg.Chat.Type,
			Username: username,
		},
		Raw:        json.RawMessage(raw.Body),
		OccurredAt: time.Unix(int64(msg.Date), 0).UTC(),
	}

	contentType, media := collectTelegramMedia(msg)
	if media == nil {
		if text == "" {
			return channel.InboundEvent{}, fmt.Errorf("%w: message %d has no content", channel.ErrIgnored, msg.MessageID)
		}
		contentType = channel.Classify("", text, false)
	}
	event.ContentType = contentType
	event.Media = media
	if contentType == channel.ContentLink {
		event.LinkURL = text
	}
	return event, nil
}

func resolveTelegramSender(msg *tgbotapi.Message) (userID, displayName, username string) {
	if msg == nil {
		return "", "", ""
	}
	if msg.From != nil {
		userID = strconv.FormatInt(msg.From.ID, 10)
		username = strings.TrimSpace(msg.From.UserName)
		displayName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if displayName == "" {
			displayName = username
		}
		return userID, displayName, username
	}
	if msg.SenderChat != nil {
		userID = strconv.FormatInt(msg.SenderChat.ID, 10)
		username = strings.TrimSpace(msg.SenderChat.UserName)
		displayName = strings.TrimSpace(msg.SenderChat.Title)
		if displayName == "" {
			displayName = username
		}
	}
	return userID, displayName, username
}

// collectTelegramMedia picks the primary media item of a message. Photos use
// the largest size.
func collectTelegramMedia(msg *tgbotapi.Message) (channel.ContentType, *channel.Media) {
	switch {
	case len(msg.Photo) > 0:
		photo := pickTelegramPhoto(msg.Photo)
		return channel.ContentImage, &channel.Media{Mime: "image/jpeg", Size: int64(photo.FileSize), PlatformKey: photo.FileID}
	case msg.Voice != nil:
		return channel.ContentVoice, &channel.Media{Mime: defaultMime(msg.Voice.MimeType, "audio/ogg"), Size: int64(msg.Voice.FileSize), PlatformKey: msg.Voice.FileID}
	case msg.Audio != nil:
		return channel.ContentAudio, &channel.Media{Mime: defaultMime(msg.Audio.MimeType, "audio/mpeg"), Size: int64(msg.Audio.FileSize), Name: msg.Audio.FileName, PlatformKey: msg.Audio.FileID}
	case msg.Video != nil:
		return channel.ContentVideo, &channel.Media{Mime: defaultMime(msg.Video.MimeType, "video/mp4"), Size: int64(msg.Video.FileSize), Name: msg.Video.FileName, PlatformKey: msg.Video.FileID}
	case msg.Animation != nil:
		return channel.ContentVideo, &channel.Media{Mime: defaultMime(msg.Animation.MimeType, "video/mp4"), Size: int64(msg.Animation.FileSize), Name: msg.Animation.FileName, PlatformKey: msg.Animation.FileID}
	case msg.Sticker != nil:
		return channel.ContentImage, &channel.Media{Mime: "image/webp", Size: int64(msg.Sticker.FileSize), PlatformKey: msg.Sticker.FileID}
	case msg.Document != nil:
		mimeType := defaultMime(msg.Document.MimeType, "application/octet-stream")
		media := &channel.Media{Mime: mimeType, Size: int64(msg.Document.FileSize), Name: msg.Document.FileName, PlatformKey: msg.Document.FileID}
		return channel.Classify(mimeType, "", true), media
	default:
		return "", nil
	}
}

func pickTelegramPhoto(photos []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	best := photos[0]
	for _, p := range photos[1:] {
		if p.Width*p.Height > best.Width*best.Height {
			best = p
		}
	}
	return best
}

func defaultMime(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}

// Send delivers a reply. Long text is split into several messages; the id of
// the last one is returned.
func (a *TelegramAdapter) Send(_ context.Context, binding channel.Binding, msg channel.OutboundMessage) (string, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(msg.ExternalChatID), 10, 64)
	if err != nil {
		return "", fmt.Errorf("telegram chat id is invalid: %w", err)
	}
	bot, err := a.getOrCreateBot(binding.Credential(credentialBotToken), binding.ID)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(msg.Text)
	if msg.Upload != nil || (msg.Media != nil && strings.HasPrefix(msg.Media.URL, "https://")) {
		sent, err := bot.Send(buildTelegramMedia(chatID, msg, text))
		if err != nil {
			a.logger.Error("send media failed", slog.String("binding_id", binding.ID), slog.Any("error", err))
			return "", err
		}
		return strconv.Itoa(sent.MessageID), nil
	}
	chunks := channel.ChunkText(text, telegramMaxMessageLength)
	if len(chunks) == 0 {
		return "", fmt.Errorf("message is required")
	}
	var lastID int
	for _, chunk := range chunks {
		sent, err := bot.Send(tgbotapi.NewMessage(chatID, chunk))
		if err != nil {
			a.logger.Error("send message failed", slog.String("binding_id", binding.ID), slog.Any("error", err))
			return "", err
		}
		lastID = sent.MessageID
	}
	return strconv.Itoa(lastID), nil
}

func buildTelegramMedia(chatID int64, msg channel.OutboundMessage, caption string) tgbotapi.Chattable {
	var file tgbotapi.RequestFileData
	if msg.Upload != nil {
		file = tgbotapi.FileBytes{Name: msg.Upload.Name, Bytes: msg.Upload.Data}
	} else {
		file = tgbotapi.FileURL(msg.Media.URL)
	}
	if len([]rune(caption)) > 1024 {
		caption = string([]rune(caption)[:1024])
	}
	if msg.ContentType == channel.ContentImage {
		cfg := tgbotapi.NewPhoto(chatID, file)
		cfg.Caption = caption
		return cfg
	}
	cfg := tgbotapi.NewDocument(chatID, file)
	cfg.Caption = caption
	return cfg
}

// ResolveMedia downloads a file referenced by its Telegram file_id.
func (a *TelegramAdapter) ResolveMedia(ctx context.Context, binding channel.Binding, media channel.Media) (channel.Upload, error) {
	if strings.TrimSpace(media.PlatformKey) == "" {
		return channel.Upload{}, errors.New("telegram media reference is required")
	}
	bot, err := a.getOrCreateBot(binding.Credential(credentialBotToken), binding.ID)
	if err != nil {
		return channel.Upload{}, err
	}
	fileURL, err := bot.GetFileDirectURL(media.PlatformKey)
	if err != nil {
		return channel.Upload{}, fmt.Errorf("resolve telegram file: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return channel.Upload{}, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return channel.Upload{}, fmt.Errorf("download telegram file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return channel.Upload{}, fmt.Errorf("download telegram file: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, telegramMaxDownloadBytes+1))
	if err != nil {
		return channel.Upload{}, fmt.Errorf("read telegram file: %w", err)
	}
	if len(data) > telegramMaxDownloadBytes {
		return channel.Upload{}, fmt.Errorf("telegram file exceeds %d bytes", telegramMaxDownloadBytes)
	}
	name := media.Name
	if name == "" {
		name = "telegram-" + media.PlatformKey
	}
	return channel.Upload{Name: name, Mime: media.Mime, Data: data}, nil
}

type slogBotLogger struct {
	log *slog.Logger
}

func (l *slogBotLogger) Println(v ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l *slogBotLogger) Printf(format string, v ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, v...))
}
