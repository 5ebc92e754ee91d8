package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/omnidesk/internal/assistant"
	"github.com/memohai/omnidesk/internal/channel"
	"github.com/memohai/omnidesk/internal/conversation"
	"github.com/memohai/omnidesk/internal/inbound"
	"github.com/memohai/omnidesk/internal/media"
	"github.com/memohai/omnidesk/internal/message"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Message string `json:"message"`
}

// IgnoredResponse acknowledges a webhook that carried nothing to ingest.
type IgnoredResponse struct {
	Ignored bool   `json:"ignored"`
	Reason  string `json:"reason"`
}

// httpError maps domain errors onto HTTP status codes.
func httpError(err error) error {
	if err == nil {
		return nil
	}
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	switch {
	case channel.IsValidation(err):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, channel.ErrUnauthorized):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, channel.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, channel.ErrBindingNotFound),
		errors.Is(err, conversation.ErrNotFound),
		errors.Is(err, message.ErrNotFound),
		errors.Is(err, assistant.ErrNotFound),
		errors.Is(err, media.ErrAssetNotFound),
		errors.Is(err, media.ErrPathTraversal):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, channel.ErrUnsupportedChannel),
		errors.Is(err, channel.ErrChannelDisabled),
		errors.Is(err, inbound.ErrNoAssistant):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, media.ErrAssetTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// resultStatus is 201 when the request created a message, 200 on replay.
func resultStatus(duplicate bool) int {
	if duplicate {
		return http.StatusOK
	}
	return http.StatusCreated
}
