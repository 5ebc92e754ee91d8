// Package outbound delivers persisted outbound messages over their channel.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/memohai/omnidesk/internal/channel"
	"github.com/memohai/omnidesk/internal/conversation"
	"github.com/memohai/omnidesk/internal/message"
)

// ErrNoSender is returned for channels without an outbound transport.
var ErrNoSender = errors.New("no sender for channel")

// Senders resolves channel capabilities.
type Senders interface {
	GetSender(channelType channel.ChannelType) (channel.Sender, bool)
	GetDescriptor(channelType channel.ChannelType) (channel.Descriptor, bool)
}

// StatusStore records delivery outcomes.
type StatusStore interface {
	MarkSent(ctx context.Context, id, externalID string) error
	MarkDelivered(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// MediaLoader reads back binaries stored by this service so they can be
// uploaded to channels that cannot fetch private URLs.
type MediaLoader interface {
	KeyFromURL(raw string) (string, bool)
	Load(ctx context.Context, key string) (channel.Upload, error)
}

// Dispatcher picks the transport for a message by channel lookup.
type Dispatcher struct {
	senders   Senders
	bindings  channel.BindingReader
	statuses  StatusStore
	media     MediaLoader
	mu        sync.RWMutex
	overrides map[channel.ChannelType]channel.Sender
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher. media may be nil.
func NewDispatcher(log *slog.Logger, senders Senders, bindings channel.BindingReader, statuses StatusStore, media MediaLoader) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		senders:   senders,
		bindings:  bindings,
		statuses:  statuses,
		media:     media,
		overrides: map[channel.ChannelType]channel.Sender{},
		logger:    log.With(slog.String("service", "outbound")),
	}
}

// Use installs sender for channelType ahead of the adapter's own.
func (d *Dispatcher) Use(channelType channel.ChannelType, sender channel.Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.overrides[channelType] = sender
}

func (d *Dispatcher) sender(channelType channel.ChannelType) (channel.Sender, bool) {
	d.mu.RLock()
	sender, ok := d.overrides[channelType]
	d.mu.RUnlock()
	if ok {
		return sender, true
	}
	return d.senders.GetSender(channelType)
}

// Dispatch delivers msg to the conversation's channel and records the
// outcome on the message. The message itself is never removed: a failed
// delivery leaves it in place marked failed.
func (d *Dispatcher) Dispatch(ctx context.Context, conv conversation.Conversation, msg message.Message) (string, error) {
	log := d.logger.With(
		slog.String("conversation_id", conv.ID),
		slog.String("message_id", msg.ID),
		slog.String("channel", conv.Channel.String()),
	)
	if desc, ok := d.senders.GetDescriptor(conv.Channel); ok && desc.Polling {
		if err := d.statuses.MarkDelivered(ctx, msg.ID); err != nil {
			log.Error("mark delivered failed", slog.Any("error", err))
			return "", err
		}
		return "", nil
	}

	externalID, err := d.send(ctx, conv, msg)
	if err != nil {
		log.Warn("outbound delivery failed", slog.Any("error", err))
		if markErr := d.statuses.MarkFailed(ctx, msg.ID, err.Error()); markErr != nil {
			log.Error("mark failed failed", slog.Any("error", markErr))
		}
		return "", err
	}
	if err := d.statuses.MarkSent(ctx, msg.ID, externalID); err != nil {
		log.Error("mark sent failed", slog.Any("error", err))
		return externalID, err
	}
	log.Info("outbound delivered", slog.String("external_message_id", externalID))
	return externalID, nil
}

func (d *Dispatcher) send(ctx context.Context, conv conversation.Conversation, msg message.Message) (string, error) {
	sender, ok := d.sender(conv.Channel)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoSender, conv.Channel)
	}
	if strings.TrimSpace(conv.ChannelBindingID) == "" {
		return "", fmt.Errorf("conversation has no channel binding")
	}
	binding, err := d.bindings.Get(ctx, conv.ChannelBindingID)
	if err != nil {
		return "", fmt.Errorf("load channel binding: %w", err)
	}
	if !binding.Active {
		return "", channel.ErrChannelDisabled
	}
	return sender.Send(ctx, binding, d.outboundMessage(ctx, conv, msg))
}

func (d *Dispatcher) outboundMessage(ctx context.Context, conv conversation.Conversation, msg message.Message) channel.OutboundMessage {
	out := channel.OutboundMessage{
		MessageID:      msg.ID,
		ConversationID: conv.ID,
		ExternalChatID: conv.ExternalChatID,
		ExternalUserID: conv.ExternalUserID,
		ContentType:    msg.ContentType,
		Text:           msg.Text,
	}
	if msg.MediaURL == "" {
		return out
	}
	out.Media = &channel.Media{URL: msg.MediaURL, Mime: msg.MediaMime, Size: msg.MediaSize}
	if d.media == nil {
		return out
	}
	key, ok := d.media.KeyFromURL(msg.MediaURL)
	if !ok {
		return out
	}
	upload, err := d.media.Load(ctx, key)
	if err != nil {
		d.logger.Warn("load outbound media failed", slog.String("message_id", msg.ID), slog.Any("error", err))
		return out
	}
	if msg.MediaMime != "" {
		upload.Mime = msg.MediaMime
	}
	out.Upload = &upload
	return out
}
