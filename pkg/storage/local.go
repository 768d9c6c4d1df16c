package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aminofox/lanmeet/pkg/logger"
)

// LocalStorage stores shared files under a base directory
type LocalStorage struct {
	basePath string
	logger   logger.Logger
}

// NewLocalStorage creates a local filesystem backend, creating the base
// directory if needed
func NewLocalStorage(basePath string, log logger.Logger) (*LocalStorage, error) {
	if basePath == "" {
		return nil, ErrStorageNotReady
	}
	if log == nil {
		log = logger.NewDefaultLogger(logger.InfoLevel, "text")
	}

	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
		logger:   log,
	}, nil
}

// Upload stores an object on the local filesystem
func (s *LocalStorage) Upload(ctx context.Context, key string, data io.Reader, size int64) error {
	filePath, err := s.filePath(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	written, err := io.Copy(file, data)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(filePath)
		return fmt.Errorf("failed to write file: %w", err)
	}

	if size > 0 && written != size {
		os.Remove(filePath)
		return fmt.Errorf("%w: expected %d, wrote %d", ErrSizeMismatch, size, written)
	}

	s.logger.Info("File stored",
		logger.String("key", key),
		logger.Int64("size", written),
	)
	return nil
}

// Download opens an object for reading
func (s *LocalStorage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	filePath, err := s.filePath(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// Delete removes an object
func (s *LocalStorage) Delete(ctx context.Context, key string) error {
	filePath, err := s.filePath(key)
	if err != nil {
		return err
	}

	if err := os.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("failed to remove file: %w", err)
	}
	return nil
}

// Stat returns object metadata
func (s *LocalStorage) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	filePath, err := s.filePath(key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	return &ObjectInfo{
		Key:  key,
		Size: info.Size(),
	}, nil
}

// Close is a no-op for local storage
func (s *LocalStorage) Close() error {
	return nil
}

// filePath maps an object key onto the base directory, rejecting traversal
func (s *LocalStorage) filePath(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") {
		return "", ErrInvalidObjectKey
	}
	return filepath.Join(s.basePath, filepath.FromSlash(key)), nil
}
