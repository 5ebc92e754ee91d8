package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/omnidesk/internal/auth"
	"github.com/memohai/omnidesk/internal/channel"
	"github.com/memohai/omnidesk/internal/conversation"
	"github.com/memohai/omnidesk/internal/inbound"
	"github.com/memohai/omnidesk/internal/media"
	"github.com/memohai/omnidesk/internal/message"
)

// ChatOperator runs operator actions on a conversation.
type ChatOperator interface {
	Send(ctx context.Context, tenantID, conversationID string, in inbound.SendInput) (inbound.Result, error)
	AssistantReply(ctx context.Context, tenantID, conversationID, prompt string) (inbound.Result, error)
	MarkRead(ctx context.Context, tenantID, conversationID string) (conversation.Conversation, int64, error)
}

// ConversationStore is the operator view of the conversation registry.
type ConversationStore interface {
	GetForTenant(ctx context.Context, tenantID, id string) (conversation.Conversation, error)
	List(ctx context.Context, tenantID string, status conversation.Status, limit int) ([]conversation.Conversation, error)
	SetStatus(ctx context.Context, id string, status conversation.Status) (conversation.Conversation, error)
}

type ChatListResponse struct {
	Items []conversation.Conversation `json:"items"`
}

type MessageListResponse struct {
	Items []message.Message `json:"items"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=open pending closed archived"`
}

type SendMessageRequest struct {
	Text string `json:"text"`
}

type AssistantReplyRequest struct {
	Prompt string `json:"prompt" validate:"required"`
}

type MarkReadResponse struct {
	Chat   conversation.Conversation `json:"chat"`
	Marked int64                     `json:"marked"`
}

type ChatsHandler struct {
	operator      ChatOperator
	conversations ConversationStore
	messages      MessageLister
	maxUpload     int64
	logger        *slog.Logger
}

func NewChatsHandler(log *slog.Logger, operator ChatOperator, conversations ConversationStore, messages MessageLister, maxUpload int64) *ChatsHandler {
	if log == nil {
		log = slog.Default()
	}
	if maxUpload <= 0 {
		maxUpload = media.MaxAssetBytes
	}
	return &ChatsHandler{
		operator:      operator,
		conversations: conversations,
		messages:      messages,
		maxUpload:     maxUpload,
		logger:        log.With(slog.String("handler", "chats")),
	}
}

func (h *ChatsHandler) Register(e *echo.Echo) {
	group := e.Group("/chats")
	group.GET("", h.List)
	group.GET("/:id", h.Get)
	group.PATCH("/:id/status", h.UpdateStatus)
	group.GET("/:id/messages", h.ListMessages)
	group.POST("/:id/messages", h.SendMessage)
	group.POST("/:id/assistant-reply", h.AssistantReply)
	group.POST("/:id/read", h.MarkRead)
}

// List godoc
// @Summary List conversations
// @Tags chats
// @Param status query string false "Filter by status"
// @Param limit query int false "Page size"
// @Success 200 {object} ChatListResponse
// @Failure 401 {object} ErrorResponse
// @Router /chats [get]
func (h *ChatsHandler) List(c echo.Context) error {
	tenantID, err := auth.TenantIDFromContext(c)
	if err != nil {
		return err
	}
	status := conversation.Status(strings.TrimSpace(c.QueryParam("status")))
	if status != "" && !status.Valid() {
		return httpError(channel.Invalid("status", "is not a known status"))
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	items, err := h.conversations.List(c.Request().Context(), tenantID, status, limit)
	if err != nil {
		return h.fail(err)
	}
	if items == nil {
		items = []conversation.Conversation{}
	}
	return c.JSON(http.StatusOK, ChatListResponse{Items: items})
}

// Get godoc
// @Summary Get a conversation
// @Tags chats
// @Param id path string true "Conversation ID"
// @Success 200 {object} conversation.Conversation
// @Failure 404 {object} ErrorResponse
// @Router /chats/{id} [get]
func (h *ChatsHandler) Get(c echo.Context) error {
	tenantID, err := auth.TenantIDFromContext(c)
	if err != nil {
		return err
	}
	conv, err := h.conversations.GetForTenant(c.Request().Context(), tenantID, c.Param("id"))
	if err != nil {
		return h.fail(err)
	}
	return c.JSON(http.StatusOK, conv)
}

// UpdateStatus godoc
// @Summary Change a conversation's status
// @Tags chats
// @Param id path string true "Conversation ID"
// @Param payload body UpdateStatusRequest true "New status"
// @Success 200 {object} conversation.Conversation
// @Failure 404 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /chats/{id}/status [patch]
func (h *ChatsHandler) UpdateStatus(c echo.Context) error {
	tenantID, err := auth.TenantIDFromContext(c)
	if err != nil {
		return err
	}
	var req UpdateStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	ctx := c.Request().Context()
	conv, err := h.conversations.GetForTenant(ctx, tenantID, c.Param("id"))
	if err != nil {
		return h.fail(err)
	}
	updated, err := h.conversations.SetStatus(ctx, conv.ID, conversation.Status(req.Status))
	if err != nil {
		return h.fail(err)
	}
	return c.JSON(http.StatusOK, updated)
}

// ListMessages godoc
// @Summary List conversation messages
// @Tags chats
// @Param id path string true "Conversation ID"
// @Param after_id query string false "Return messages after this message id"
// @Param limit query int false "Page size"
// @Success 200 {object} MessageListResponse
// @Failure 404 {object} ErrorResponse
// @Router /chats/{id}/messages [get]
func (h *ChatsHandler) ListMessages(c echo.Context) error {
	tenantID, err := auth.TenantIDFromContext(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	conv, err := h.conversations.GetForTenant(ctx, tenantID, c.Param("id"))
	if err != nil {
		return h.fail(err)
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	items, err := h.messages.ListAfter(ctx, conv.ID, c.QueryParam("after_id"), limit)
	if err != nil {
		return h.fail(err)
	}
	return c.JSON(http.StatusOK, MessageListResponse{Items: items})
}

// SendMessage godoc
// @Summary Send an operator message
// @Description JSON {"text"} or multipart with text and file fields
// @Tags chats
// @Param id path string true "Conversation ID"
// @Success 201 {object} inbound.Result
// @Failure 404 {object} ErrorResponse
// @Failure 413 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /chats/{id}/messages [post]
func (h *ChatsHandler) SendMessage(c echo.Context) error {
	tenantID, err := auth.TenantIDFromContext(c)
	if err != nil {
		return err
	}
	in, err := h.sendInput(c)
	if err != nil {
		return httpError(err)
	}
	res, err := h.operator.Send(c.Request().Context(), tenantID, c.Param("id"), in)
	if err != nil {
		return h.fail(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *ChatsHandler) sendInput(c echo.Context) (inbound.SendInput, error) {
	contentType := c.Request().Header.Get(echo.HeaderContentType)
	if !strings.HasPrefix(strings.ToLower(contentType), echo.MIMEMultipartForm) {
		var req SendMessageRequest
		if err := c.Bind(&req); err != nil {
			return inbound.SendInput{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return inbound.SendInput{Text: req.Text}, nil
	}
	in := inbound.SendInput{Text: c.FormValue("text")}
	fh, err := c.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return in, nil
		}
		return inbound.SendInput{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if fh.Size > h.maxUpload {
		return inbound.SendInput{}, media.ErrAssetTooLarge
	}
	f, err := fh.Open()
	if err != nil {
		return inbound.SendInput{}, err
	}
	defer func() { _ = f.Close() }()
	data, err := media.ReadAllWithLimit(f, h.maxUpload)
	if err != nil {
		return inbound.SendInput{}, err
	}
	mimeType := strings.TrimSpace(fh.Header.Get(echo.HeaderContentType))
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	in.Upload = &channel.Upload{Name: fh.Filename, Mime: mimeType, Data: data}
	return in, nil
}

// AssistantReply godoc
// @Summary Ask the assistant to reply now
// @Tags chats
// @Param id path string true "Conversation ID"
// @Param payload body AssistantReplyRequest true "Prompt"
// @Success 201 {object} inbound.Result
// @Failure 404 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /chats/{id}/assistant-reply [post]
func (h *ChatsHandler) AssistantReply(c echo.Context) error {
	tenantID, err := auth.TenantIDFromContext(c)
	if err != nil {
		return err
	}
	var req AssistantReplyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	res, err := h.operator.AssistantReply(c.Request().Context(), tenantID, c.Param("id"), req.Prompt)
	if err != nil {
		return h.fail(err)
	}
	return c.JSON(http.StatusCreated, res)
}

// MarkRead godoc
// @Summary Mark inbound messages as read
// @Tags chats
// @Param id path string true "Conversation ID"
// @Success 200 {object} MarkReadResponse
// @Failure 404 {object} ErrorResponse
// @Router /chats/{id}/read [post]
func (h *ChatsHandler) MarkRead(c echo.Context) error {
	tenantID, err := auth.TenantIDFromContext(c)
	if err != nil {
		return err
	}
	conv, n, err := h.operator.MarkRead(c.Request().Context(), tenantID, c.Param("id"))
	if err != nil {
		return h.fail(err)
	}
	return c.JSON(http.StatusOK, MarkReadResponse{Chat: conv, Marked: n})
}

func (h *ChatsHandler) fail(err error) error {
	mapped := httpError(err)
	var httpErr *echo.HTTPError
	if errors.As(mapped, &httpErr) && httpErr.Code >= http.StatusInternalServerError {
		h.logger.Error("chat request failed", slog.Any("error", err))
	}
	return mapped
}
