// Package objstore wraps the S3-compatible object store used for staging
// files and pipeline artifacts.
package objstore

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"sfingest/pkg/logger"
)

// Config holds object store connection settings plus the bucket this Store
// is scoped to.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Bucket    string
}

// Store is a bucket-scoped object store client.
type Store struct {
	client *minio.Client
	bucket string
	log    logger.Logger
}

// New connects to the object store and verifies the bucket exists, creating
// it when absent so a fresh environment works without manual provisioning.
func New(ctx context.Context, cfg Config, log logger.Logger) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("objstore: create client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("objstore: check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("objstore: create bucket %s: %w", cfg.Bucket, err)
		}
		log.Info("bucket created", logger.String("bucket", cfg.Bucket))
	}

	return &Store{client: client, bucket: cfg.Bucket, log: log}, nil
}

// Upload stores a local file under key and returns the remote URI.
func (s *Store) Upload(ctx context.Context, localPath, key string) (string, error) {
	if _, err := s.client.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
	}); err != nil {
		return "", fmt.Errorf("objstore: upload %s to %s/%s: %w", localPath, s.bucket, key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Get opens the object under key for reading. The caller closes the reader.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("objstore: get %s/%s: %w", s.bucket, key, err)
	}
	return obj, nil
}

// RemovePrefix deletes every object under the given prefix. Used to clean up
// a run's staged files once they are loaded.
func (s *Store) RemovePrefix(ctx context.Context, prefix string) error {
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	for obj := range objects {
		if obj.Err != nil {
			return fmt.Errorf("objstore: list %s/%s: %w", s.bucket, prefix, obj.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("objstore: remove %s/%s: %w", s.bucket, obj.Key, err)
		}
	}
	s.log.Debug("prefix removed", logger.String("bucket", s.bucket), logger.String("prefix", prefix))
	return nil
}
