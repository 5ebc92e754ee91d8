// Package media stores binaries received over channels and operator uploads
// under content-addressed keys.
package media

import (
	"context"
	"io"

	"github.com/memohai/omnidesk/internal/channel"
)

// Asset is a stored binary.
type Asset struct {
	Key         string              `json:"key"`
	TenantID    string              `json:"tenant_id"`
	ContentHash string              `json:"content_hash"`
	ContentType channel.ContentType `json:"content_type"`
	Mime        string              `json:"mime"`
	Size        int64               `json:"size"`
	Name        string              `json:"name,omitempty"`
	// URL is absolute when a public base URL is configured, else a
	// server-relative path.
	URL string `json:"url"`
}

// StorageProvider abstracts object storage operations.
type StorageProvider interface {
	Put(ctx context.Context, key string, reader io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}
