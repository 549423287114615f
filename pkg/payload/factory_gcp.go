//go:build gcp

package payload

import (
	"context"
	"fmt"
	"os"
)

func newGCSStoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("PAYLOAD_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("PAYLOAD_GCS_BUCKET is required for GCS storage")
	}

	cfg := GCSStoreConfig{
		Bucket: bucket,
		Prefix: os.Getenv("PAYLOAD_GCS_PREFIX"),
	}

	return NewGCSStore(ctx, cfg)
}
