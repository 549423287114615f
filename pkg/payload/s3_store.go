package payload

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Store implements Store using AWS S3. Payloads are stored under their
// SHA-256 hash, so uploads are naturally idempotent.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string // Optional key prefix (e.g., "payloads/")
}

// S3StoreConfig holds configuration for S3Store.
type S3StoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (for MinIO, LocalStack, etc.)
	Prefix   string // Optional key prefix
}

// NewS3Store creates a new S3-backed payload store.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3Store) Store(ctx context.Context, data []byte) (string, error) {
	ref, raw := hashRef(data)
	key := s.prefix + raw + ".blob"

	// Already uploaded?
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return ref, nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put failed: %w", err)
	}
	return ref, nil
}

func (s *S3Store) Get(ctx context.Context, hash string) ([]byte, error) {
	raw, err := parseRef(hash)
	if err != nil {
		return nil, err
	}
	key := s.prefix + raw + ".blob"

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get failed for %s: %w", hash, err)
	}
	defer func() { _ = result.Body.Close() }()

	return io.ReadAll(result.Body)
}

func (s *S3Store) Exists(ctx context.Context, hash string) (bool, error) {
	raw, err := parseRef(hash)
	if err != nil {
		return false, err
	}
	key := s.prefix + raw + ".blob"

	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *S3Store) Delete(ctx context.Context, hash string) error {
	raw, err := parseRef(hash)
	if err != nil {
		return err
	}
	key := s.prefix + raw + ".blob"

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("s3 delete failed for %s: %w", hash, err)
	}
	return nil
}
