package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/memohai/omnidesk/internal/channel"
	"github.com/memohai/omnidesk/internal/inbound"
	"github.com/memohai/omnidesk/internal/media"
)

// BindingHeader addresses a binding when the path does not.
const BindingHeader = "X-Channel-Binding"

// DefaultWebhookBodyBytes caps a webhook body.
const DefaultWebhookBodyBytes int64 = 1 << 20

// Ingestor runs a normalized event through the pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, binding channel.Binding, event channel.InboundEvent) (inbound.Result, error)
}

// BatchResponse is returned when one webhook carried several events.
type BatchResponse struct {
	Results []inbound.Result `json:"results"`
}

type WebhookHandler struct {
	registry *channel.Registry
	bindings channel.BindingReader
	pipeline Ingestor
	maxBody  int64
	logger   *slog.Logger
}

func NewWebhookHandler(log *slog.Logger, registry *channel.Registry, bindings channel.BindingReader, pipeline Ingestor) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		registry: registry,
		bindings: bindings,
		pipeline: pipeline,
		maxBody:  DefaultWebhookBodyBytes,
		logger:   log.With(slog.String("handler", "webhook")),
	}
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	group := e.Group("/channels/:channel/webhook")
	group.POST("", h.Handle)
	group.POST("/:binding_id", h.Handle)
	group.GET("", h.Challenge)
	group.GET("/:binding_id", h.Challenge)
}

// Handle godoc
// @Summary Receive a channel webhook
// @Description Normalize a provider payload and run it through ingestion
// @Tags channels
// @Param channel path string true "Channel type"
// @Param binding_id path string false "Channel binding id or public key"
// @Success 200 {object} inbound.Result
// @Success 201 {object} inbound.Result
// @Failure 401 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /channels/{channel}/webhook/{binding_id} [post]
func (h *WebhookHandler) Handle(c echo.Context) error {
	ctx := c.Request().Context()
	channelType, desc, err := h.channel(c.Param("channel"))
	if err != nil {
		return httpError(err)
	}
	body, err := media.ReadAllWithLimit(c.Request().Body, h.maxBody)
	if err != nil {
		return httpError(err)
	}
	raw := channel.RawInbound{
		ContentType: c.Request().Header.Get(echo.HeaderContentType),
		Body:        body,
		Header:      c.Request().Header,
		Query:       c.QueryParams(),
	}
	binding, err := h.resolveBinding(ctx, channelType, c.Param("binding_id"), c.Request().Header.Get(BindingHeader), raw)
	if err != nil {
		return httpError(err)
	}
	log := h.logger.With(slog.String("channel", channelType.String()), slog.String("binding_id", binding.ID))

	events, err := h.registry.Normalize(ctx, channelType, binding, raw)
	if err != nil {
		return h.reject(c, log, desc, err)
	}
	// Every event is attempted. A transient failure on any of them fails the
	// whole request so the provider redelivers; events already stored replay
	// as duplicates.
	results := make([]inbound.Result, 0, len(events))
	duplicate := true
	var rejected, failed error
	for _, event := range events {
		res, err := h.pipeline.Ingest(ctx, binding, event)
		if err != nil {
			elog := log.With(slog.String("external_message_id", event.ExternalMessageID))
			if transient(err) {
				elog.Error("webhook event failed", slog.Any("error", err))
				if failed == nil {
					failed = err
				}
			} else {
				elog.Info("webhook event rejected", slog.Any("error", err))
				if rejected == nil {
					rejected = err
				}
			}
			continue
		}
		duplicate = duplicate && res.Duplicate
		results = append(results, res)
	}
	if failed != nil {
		return httpError(failed)
	}
	if len(results) == 0 {
		return h.reject(c, log, desc, rejected)
	}
	if len(results) == 1 {
		return c.JSON(resultStatus(duplicate), results[0])
	}
	return c.JSON(resultStatus(duplicate), BatchResponse{Results: results})
}

// transient reports whether err maps to a server-side failure that a
// provider retry could resolve.
func transient(err error) bool {
	if errors.Is(err, channel.ErrIgnored) {
		return false
	}
	var httpErr *echo.HTTPError
	return errors.As(httpError(err), &httpErr) && httpErr.Code >= http.StatusInternalServerError
}

// Challenge answers subscription verification requests.
func (h *WebhookHandler) Challenge(c echo.Context) error {
	channelType, _, err := h.channel(c.Param("channel"))
	if err != nil {
		return httpError(err)
	}
	responder, ok := h.registry.GetChallengeResponder(channelType)
	if !ok {
		return echo.NewHTTPError(http.StatusMethodNotAllowed, "channel has no verification handshake")
	}
	binding, err := h.resolveBinding(c.Request().Context(), channelType, c.Param("binding_id"), c.Request().Header.Get(BindingHeader), channel.RawInbound{})
	if err != nil {
		return httpError(err)
	}
	challenge, err := responder.Challenge(binding, c.QueryParams())
	if err != nil {
		return httpError(err)
	}
	return c.String(http.StatusOK, challenge)
}

func (h *WebhookHandler) channel(raw string) (channel.ChannelType, channel.Descriptor, error) {
	channelType, err := h.registry.ParseChannelType(raw)
	if err != nil {
		return "", channel.Descriptor{}, err
	}
	desc, _ := h.registry.GetDescriptor(channelType)
	if desc.Internal {
		return "", channel.Descriptor{}, channel.ErrUnsupportedChannel
	}
	return channelType, desc, nil
}

// resolveBinding finds the binding by path, then header, then the
// adapter's route key. A path or header value that is not a uuid is taken
// as the binding's public key.
func (h *WebhookHandler) resolveBinding(ctx context.Context, channelType channel.ChannelType, pathID, headerID string, raw channel.RawInbound) (channel.Binding, error) {
	ref := strings.TrimSpace(pathID)
	if ref == "" {
		ref = strings.TrimSpace(headerID)
	}
	var (
		binding channel.Binding
		err     error
	)
	switch {
	case ref != "":
		if _, parseErr := uuid.Parse(ref); parseErr == nil {
			binding, err = h.bindings.Get(ctx, ref)
		} else {
			binding, err = h.bindings.GetByPublicKey(ctx, channelType, ref)
		}
	default:
		resolver, ok := h.registry.GetRouteKeyResolver(channelType)
		if !ok {
			return channel.Binding{}, channel.ErrBindingNotFound
		}
		key, keyErr := resolver.RouteKey(raw)
		if keyErr != nil {
			return channel.Binding{}, keyErr
		}
		binding, err = h.bindings.GetByPublicKey(ctx, channelType, key)
	}
	if err != nil {
		return channel.Binding{}, err
	}
	if binding.Channel != channelType {
		return channel.Binding{}, channel.ErrBindingNotFound
	}
	return binding, nil
}

// reject answers a failed webhook. Providers that redeliver on non-2xx get
// a 200 for payloads no retry can fix; auth failures always fail loudly.
func (h *WebhookHandler) reject(c echo.Context, log *slog.Logger, desc channel.Descriptor, err error) error {
	if errors.Is(err, channel.ErrIgnored) {
		log.Debug("webhook ignored")
		return c.JSON(http.StatusOK, IgnoredResponse{Ignored: true, Reason: err.Error()})
	}
	if desc.RetriesOnError && channel.IsValidation(err) {
		log.Info("webhook payload rejected", slog.Any("error", err))
		return c.JSON(http.StatusOK, IgnoredResponse{Ignored: true, Reason: err.Error()})
	}
	mapped := httpError(err)
	var httpErr *echo.HTTPError
	if errors.As(mapped, &httpErr) && httpErr.Code >= http.StatusInternalServerError {
		log.Error("webhook ingestion failed", slog.Any("error", err))
	}
	return mapped
}
