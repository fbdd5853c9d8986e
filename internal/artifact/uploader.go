package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/kubev2v/bot-runner/internal/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// Uploader stores job artifacts and returns where they can be found.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

type MinioOpts func(c *minioConfig)

type minioConfig struct {
	endpoint        string
	bucket          string
	accessKey       string
	secretAccessKey string
	useSSL          bool
}

func WithEndpoint(endpoint string) MinioOpts {
	return func(c *minioConfig) {
		c.endpoint = endpoint
	}
}

func WithBucket(bucket string) MinioOpts {
	return func(c *minioConfig) {
		c.bucket = bucket
	}
}

func WithCredentials(accessKey, secretKey string) MinioOpts {
	return func(c *minioConfig) {
		c.accessKey = accessKey
		c.secretAccessKey = secretKey
	}
}

func WithSSL(useSSL bool) MinioOpts {
	return func(c *minioConfig) {
		c.useSSL = useSSL
	}
}

type MinioUploader struct {
	cfg    *minioConfig
	client *minio.Client
}

func NewMinioUploader(opts ...MinioOpts) (*MinioUploader, error) {
	cfg := &minioConfig{bucket: "bot-runner"}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.endpoint == "" {
		return nil, errors.New("artifact storage endpoint is required")
	}

	client, err := minio.New(cfg.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.accessKey, cfg.secretAccessKey, ""),
		Secure: cfg.useSSL,
	})
	if err != nil {
		return nil, err
	}
	return &MinioUploader{cfg: cfg, client: client}, nil
}

// NewFromConfig returns nil when no artifact storage is configured.
func NewFromConfig(cfg *config.Config) (Uploader, error) {
	if cfg.Artifacts.Endpoint == "" {
		return nil, nil
	}
	return NewMinioUploader(
		WithEndpoint(cfg.Artifacts.Endpoint),
		WithBucket(cfg.Artifacts.Bucket),
		WithCredentials(cfg.Artifacts.AccessKey, cfg.Artifacts.SecretAccessKey),
		WithSSL(cfg.Artifacts.UseSSL),
	)
}

func (m *MinioUploader) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	info, err := m.client.PutObject(ctx, m.cfg.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", key, err)
	}

	zap.S().Named("artifact").Debugw("artifact uploaded", "bucket", info.Bucket, "key", info.Key, "size", info.Size)
	return fmt.Sprintf("s3://%s/%s", info.Bucket, info.Key), nil
}

func (m *MinioUploader) Type() string {
	return "minio"
}
