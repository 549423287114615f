//go:build gcp

package payload

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore implements Store using Google Cloud Storage.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string // Optional key prefix (e.g., "payloads/")
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string // Optional key prefix
}

// NewGCSStore creates a new GCS-backed payload store.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	// Uses ADC by default
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *GCSStore) Store(ctx context.Context, data []byte) (string, error) {
	ref, raw := hashRef(data)
	objectPath := s.prefix + raw + ".blob"

	obj := s.client.Bucket(s.bucket).Object(objectPath)
	if _, err := obj.Attrs(ctx); err == nil {
		return ref, nil // already uploaded
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close failed: %w", err)
	}
	return ref, nil
}

func (s *GCSStore) Get(ctx context.Context, hash string) ([]byte, error) {
	raw, err := parseRef(hash)
	if err != nil {
		return nil, err
	}
	objectPath := s.prefix + raw + ".blob"

	reader, err := s.client.Bucket(s.bucket).Object(objectPath).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs get failed for %s: %w", hash, err)
	}
	defer func() { _ = reader.Close() }()

	return io.ReadAll(reader)
}

func (s *GCSStore) Exists(ctx context.Context, hash string) (bool, error) {
	raw, err := parseRef(hash)
	if err != nil {
		return false, err
	}
	objectPath := s.prefix + raw + ".blob"

	if _, err := s.client.Bucket(s.bucket).Object(objectPath).Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs attrs error: %w", err)
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, hash string) error {
	raw, err := parseRef(hash)
	if err != nil {
		return err
	}
	objectPath := s.prefix + raw + ".blob"

	if err := s.client.Bucket(s.bucket).Object(objectPath).Delete(ctx); err != nil &&
		!errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete failed for %s: %w", hash, err)
	}
	return nil
}

// Close closes the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
