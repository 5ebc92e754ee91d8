package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/memohai/omnidesk/internal/channel"
	"github.com/memohai/omnidesk/internal/channel/adapters/widget"
	"github.com/memohai/omnidesk/internal/conversation"
	"github.com/memohai/omnidesk/internal/media"
	"github.com/memohai/omnidesk/internal/message"
)

// ConversationFinder looks up a conversation by its channel-side chat id.
type ConversationFinder interface {
	FindByExternal(ctx context.Context, tenantID string, channelType channel.ChannelType, externalChatID string) (conversation.Conversation, error)
}

// MessageLister pages through a conversation's messages.
type MessageLister interface {
	ListAfter(ctx context.Context, conversationID, afterID string, limit int) ([]message.Message, error)
}

// WidgetMessage is the visitor-facing view of a message.
type WidgetMessage struct {
	ID          string              `json:"id"`
	Role        message.SenderRole  `json:"role"`
	ContentType channel.ContentType `json:"content_type"`
	Text        string              `json:"text"`
	MediaURL    string              `json:"media_url,omitempty"`
	LinkURL     string              `json:"link_url,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

type WidgetMessagesResponse struct {
	Messages []WidgetMessage `json:"messages"`
}

type WidgetHandler struct {
	registry      *channel.Registry
	bindings      channel.BindingReader
	pipeline      Ingestor
	conversations ConversationFinder
	messages      MessageLister
	maxBody       int64
	logger        *slog.Logger
}

func NewWidgetHandler(log *slog.Logger, registry *channel.Registry, bindings channel.BindingReader, pipeline Ingestor, conversations ConversationFinder, messages MessageLister) *WidgetHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WidgetHandler{
		registry:      registry,
		bindings:      bindings,
		pipeline:      pipeline,
		conversations: conversations,
		messages:      messages,
		maxBody:       widget.DefaultMaxFileBytes + DefaultWebhookBodyBytes,
		logger:        log.With(slog.String("handler", "widget")),
	}
}

func (h *WidgetHandler) Register(e *echo.Echo) {
	group := e.Group("/widget", middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType},
	}))
	group.POST("/:widget_key/messages", h.PostMessage)
	group.GET("/:widget_key/messages", h.ListMessages)
	group.GET("/:widget_key/config", h.Config)
	group.OPTIONS("/:widget_key/messages", h.preflight)
	group.OPTIONS("/:widget_key/config", h.preflight)
}

// PostMessage godoc
// @Summary Submit a widget message
// @Description Accepts JSON or multipart with an optional image file
// @Tags widget
// @Param widget_key path string true "Widget public key"
// @Success 201 {object} inbound.Result
// @Success 200 {object} inbound.Result
// @Failure 404 {object} ErrorResponse
// @Failure 413 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /widget/{widget_key}/messages [post]
func (h *WidgetHandler) PostMessage(c echo.Context) error {
	ctx := c.Request().Context()
	binding, err := h.binding(ctx, c.Param("widget_key"))
	if err != nil {
		return httpError(err)
	}
	body, err := media.ReadAllWithLimit(c.Request().Body, h.maxBody)
	if err != nil {
		return httpError(err)
	}
	events, err := h.registry.Normalize(ctx, widget.Type, binding, channel.RawInbound{
		ContentType: c.Request().Header.Get(echo.HeaderContentType),
		Body:        body,
		Header:      c.Request().Header,
		Query:       c.QueryParams(),
	})
	if err != nil {
		return httpError(err)
	}
	res, err := h.pipeline.Ingest(ctx, binding, events[0])
	if err != nil {
		if !channel.IsValidation(err) {
			h.logger.Error("widget ingestion failed", slog.String("binding_id", binding.ID), slog.Any("error", err))
		}
		return httpError(err)
	}
	return c.JSON(resultStatus(res.Duplicate), res)
}

// ListMessages godoc
// @Summary Poll widget messages
// @Tags widget
// @Param widget_key path string true "Widget public key"
// @Param session_id query string true "Visitor session id"
// @Param after_id query string false "Return messages after this message id"
// @Param limit query int false "Page size"
// @Success 200 {object} WidgetMessagesResponse
// @Failure 404 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /widget/{widget_key}/messages [get]
func (h *WidgetHandler) ListMessages(c echo.Context) error {
	ctx := c.Request().Context()
	sessionID := strings.TrimSpace(c.QueryParam("session_id"))
	if sessionID == "" {
		return httpError(channel.Invalid("session_id", "is required"))
	}
	binding, err := h.binding(ctx, c.Param("widget_key"))
	if err != nil {
		return httpError(err)
	}
	conv, err := h.conversations.FindByExternal(ctx, binding.TenantID, widget.Type, sessionID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return c.JSON(http.StatusOK, WidgetMessagesResponse{Messages: []WidgetMessage{}})
		}
		return httpError(err)
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	items, err := h.messages.ListAfter(ctx, conv.ID, c.QueryParam("after_id"), limit)
	if err != nil {
		return httpError(err)
	}
	out := make([]WidgetMessage, 0, len(items))
	for _, item := range items {
		if item.SenderRole == message.RoleSystem {
			continue
		}
		out = append(out, WidgetMessage{
			ID:          item.ID,
			Role:        item.SenderRole,
			ContentType: item.ContentType,
			Text:        item.Text,
			MediaURL:    item.MediaURL,
			LinkURL:     item.LinkURL,
			CreatedAt:   item.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, WidgetMessagesResponse{Messages: out})
}

// Config godoc
// @Summary Widget display configuration
// @Tags widget
// @Param widget_key path string true "Widget public key"
// @Success 200 {object} widget.PublicConfig
// @Failure 404 {object} ErrorResponse
// @Router /widget/{widget_key}/config [get]
func (h *WidgetHandler) Config(c echo.Context) error {
	binding, err := h.binding(c.Request().Context(), c.Param("widget_key"))
	if err != nil {
		return httpError(err)
	}
	cfg, err := widget.ConfigFor(binding)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cfg)
}

func (h *WidgetHandler) preflight(c echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}

// binding resolves an active widget binding. Inactive widgets look the same
// as unknown ones to visitors.
func (h *WidgetHandler) binding(ctx context.Context, key string) (channel.Binding, error) {
	binding, err := h.bindings.GetByPublicKey(ctx, widget.Type, key)
	if err != nil {
		return channel.Binding{}, err
	}
	if !binding.Active || binding.Channel != widget.Type {
		return channel.Binding{}, channel.ErrBindingNotFound
	}
	return binding, nil
}
