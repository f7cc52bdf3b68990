package evidence

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/apex/log"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig configures an S3 compatible evidence bucket
type MinioConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	Bucket        string
	PublicBaseURL string
}

// MinioStore stores evidence in an S3 compatible bucket
type MinioStore struct {
	mc      *minio.Client
	bucket  string
	baseURL string
}

func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	baseURL := strings.TrimRight(cfg.PublicBaseURL, "/")
	if baseURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		baseURL = (&url.URL{Scheme: scheme, Host: cfg.Endpoint, Path: "/" + cfg.Bucket}).String()
	}
	return &MinioStore{mc: mc, bucket: cfg.Bucket, baseURL: baseURL}, nil
}

// EnsureBucket creates the bucket when it doesn't exist
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.mc.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.mc.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}
	log.Infof("Created evidence bucket %s", s.bucket)
	return nil
}

func (s *MinioStore) Put(ctx context.Context, data []byte, key string) (string, error) {
	_, err := s.mc.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: ContentType(data),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return s.LocatorFor(key), nil
}

func (s *MinioStore) LocatorFor(key string) string {
	return s.baseURL + "/" + strings.TrimLeft(key, "/")
}
