package payload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType represents the type of payload storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// NewStoreFromEnv creates a payload store based on environment variables.
//
// Environment variables:
//   - PAYLOAD_STORAGE_TYPE: "fs" (default), "s3", or "gcs"
//   - DATA_DIR: Base directory for filesystem store (default: "data")
//
// For S3:
//   - AWS_REGION or PAYLOAD_S3_REGION
//   - PAYLOAD_S3_BUCKET (required)
//   - PAYLOAD_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - PAYLOAD_S3_PREFIX (optional)
//
// For GCS:
//   - PAYLOAD_GCS_BUCKET (required)
//   - PAYLOAD_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	storeType := StoreType(os.Getenv("PAYLOAD_STORAGE_TYPE"))
	if storeType == "" {
		storeType = StoreTypeFS
	}

	switch storeType {
	case StoreTypeFS:
		return newFileStoreFromEnv()
	case StoreTypeS3:
		return newS3StoreFromEnv(ctx)
	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported payload storage type: %s", storeType)
	}
}

func newFileStoreFromEnv() (Store, error) {
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	return NewFileStore(filepath.Join(dataDir, "payloads"))
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("PAYLOAD_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("PAYLOAD_S3_BUCKET is required for S3 storage")
	}

	region := os.Getenv("PAYLOAD_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	cfg := S3StoreConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("PAYLOAD_S3_ENDPOINT"),
		Prefix:   os.Getenv("PAYLOAD_S3_PREFIX"),
	}

	return NewS3Store(ctx, cfg)
}
