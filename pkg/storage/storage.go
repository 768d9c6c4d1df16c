// Package storage persists shared-file payloads for the meeting server.
// Completed uploads are written through a Storage backend and streamed back
// out on download.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aminofox/lanmeet/pkg/config"
	"github.com/aminofox/lanmeet/pkg/logger"
)

// Common errors
var (
	ErrObjectNotFound    = errors.New("object not found")
	ErrInvalidObjectKey  = errors.New("invalid object key")
	ErrStorageNotReady   = errors.New("storage not configured")
	ErrUploadIncomplete  = errors.New("upload incomplete")
	ErrSizeMismatch      = errors.New("object size mismatch")
	ErrUnsupportedScheme = errors.New("unsupported storage type")
)

// ObjectInfo describes a stored object
type ObjectInfo struct {
	// Key is the object key
	Key string
	// Size is the object size in bytes
	Size int64
	// ContentType is the stored content type, if known
	ContentType string
}

// Storage is the interface all shared-file backends implement
type Storage interface {
	// Upload stores an object. Size, when positive, is verified against the
	// bytes actually written.
	Upload(ctx context.Context, key string, data io.Reader, size int64) error

	// Download opens an object for reading
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes an object
	Delete(ctx context.Context, key string) error

	// Stat returns object metadata without reading it
	Stat(ctx context.Context, key string) (*ObjectInfo, error)

	// Close releases backend resources
	Close() error
}

// New creates a storage backend from configuration
func New(cfg config.StorageConfig, log logger.Logger) (Storage, error) {
	switch cfg.Type {
	case "local":
		return NewLocalStorage(cfg.BasePath, log)
	case "s3":
		return NewS3Storage(cfg.S3, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, cfg.Type)
	}
}
