package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/memohai/omnidesk/internal/channel"
)

// RoutePrefix is where stored assets are served.
const RoutePrefix = "/media/"

// Service persists uploads and resolves them back.
type Service struct {
	provider      StorageProvider
	publicBaseURL string
	logger        *slog.Logger
}

// NewService creates a media service. publicBaseURL prefixes asset URLs.
func NewService(log *slog.Logger, provider StorageProvider, publicBaseURL string) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		provider:      provider,
		publicBaseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
		logger:        log.With(slog.String("service", "media")),
	}
}

// Store writes upload under a key derived from its content hash. Storing
// the same bytes twice for a tenant yields the same asset.
func (s *Service) Store(ctx context.Context, tenantID string, upload channel.Upload, maxBytes int64) (Asset, error) {
	if s.provider == nil {
		return Asset{}, ErrProviderUnavailable
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Asset{}, fmt.Errorf("tenant id is required")
	}
	if len(upload.Data) == 0 {
		return Asset{}, fmt.Errorf("asset payload is empty")
	}
	if maxBytes <= 0 {
		maxBytes = MaxAssetBytes
	}
	if int64(len(upload.Data)) > maxBytes {
		return Asset{}, fmt.Errorf("%w: max %d bytes", ErrAssetTooLarge, maxBytes)
	}

	sum := sha256.Sum256(upload.Data)
	contentHash := hex.EncodeToString(sum[:])
	mimeType := coalesce(upload.Mime, "application/octet-stream")
	contentType := channel.Classify(mimeType, "", true)
	key := path.Join(tenantID, string(contentType), contentHash[:4], contentHash+extensionFromMime(mimeType))

	exists, err := s.provider.Exists(ctx, key)
	if err != nil {
		return Asset{}, fmt.Errorf("check existing asset: %w", err)
	}
	if !exists {
		if err := s.provider.Put(ctx, key, bytes.NewReader(upload.Data)); err != nil {
			return Asset{}, fmt.Errorf("store media: %w", err)
		}
		s.logger.Debug("asset stored", slog.String("key", key), slog.Int("bytes", len(upload.Data)))
	}
	return Asset{
		Key:         key,
		TenantID:    tenantID,
		ContentHash: contentHash,
		ContentType: contentType,
		Mime:        mimeType,
		Size:        int64(len(upload.Data)),
		Name:        upload.Name,
		URL:         s.URL(key),
	}, nil
}

// Open returns a reader and the mime type for a stored key.
func (s *Service) Open(ctx context.Context, key string) (io.ReadCloser, string, error) {
	if s.provider == nil {
		return nil, "", ErrProviderUnavailable
	}
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	exists, err := s.provider.Exists(ctx, key)
	if err != nil {
		return nil, "", err
	}
	if !exists {
		return nil, "", ErrAssetNotFound
	}
	reader, err := s.provider.Open(ctx, key)
	if err != nil {
		return nil, "", fmt.Errorf("open storage: %w", err)
	}
	mimeType := mime.TypeByExtension(path.Ext(key))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return reader, mimeType, nil
}

// Load reads a stored asset fully.
func (s *Service) Load(ctx context.Context, key string) (channel.Upload, error) {
	reader, mimeType, err := s.Open(ctx, key)
	if err != nil {
		return channel.Upload{}, err
	}
	defer reader.Close()
	data, err := ReadAllWithLimit(reader, MaxAssetBytes)
	if err != nil {
		return channel.Upload{}, err
	}
	return channel.Upload{Name: path.Base(key), Mime: mimeType, Data: data}, nil
}

// URL returns the address an asset is served at.
func (s *Service) URL(key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.publicBaseURL + RoutePrefix + strings.Join(segments, "/")
}

// KeyFromURL extracts the storage key from an asset URL produced by URL.
func (s *Service) KeyFromURL(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	if u.IsAbs() && (s.publicBaseURL == "" || !strings.HasPrefix(raw, s.publicBaseURL+RoutePrefix)) {
		return "", false
	}
	if !strings.HasPrefix(u.Path, RoutePrefix) {
		return "", false
	}
	key := strings.TrimPrefix(u.Path, RoutePrefix)
	return key, key != ""
}

func extensionFromMime(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav":
		return ".wav"
	case "audio/ogg":
		return ".ogg"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "application/pdf":
		return ".pdf"
	default:
		return ".bin"
	}
}

func coalesce(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
