package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/omnidesk/internal/media"
)

// MediaReader opens stored assets.
type MediaReader interface {
	Open(ctx context.Context, key string) (io.ReadCloser, string, error)
}

type MediaHandler struct {
	media  MediaReader
	logger *slog.Logger
}

func NewMediaHandler(log *slog.Logger, reader MediaReader) *MediaHandler {
	if log == nil {
		log = slog.Default()
	}
	return &MediaHandler{
		media:  reader,
		logger: log.With(slog.String("handler", "media")),
	}
}

func (h *MediaHandler) Register(e *echo.Echo) {
	e.GET(media.RoutePrefix+"*", h.Serve)
}

// Serve godoc
// @Summary Serve a stored media asset
// @Tags media
// @Param key path string true "Asset key"
// @Success 200 {file} binary
// @Failure 404 {object} ErrorResponse
// @Router /media/{key} [get]
func (h *MediaHandler) Serve(c echo.Context) error {
	key, err := url.PathUnescape(c.Param("*"))
	if err != nil || strings.TrimSpace(key) == "" {
		return echo.NewHTTPError(http.StatusNotFound, media.ErrAssetNotFound.Error())
	}
	reader, mimeType, err := h.media.Open(c.Request().Context(), key)
	if err != nil {
		mapped := httpError(err)
		if he, ok := mapped.(*echo.HTTPError); ok && he.Code >= http.StatusInternalServerError {
			h.logger.Error("open media failed", slog.String("key", key), slog.Any("error", err))
		}
		return mapped
	}
	defer func() { _ = reader.Close() }()
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	// Keys are content addressed, so a key never changes content.
	c.Response().Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	c.Response().Header().Set("X-Content-Type-Options", "nosniff")
	return c.Stream(http.StatusOK, mimeType, reader)
}
