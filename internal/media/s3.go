package media

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/masahif/telecrawl/internal/config"
)

// S3Mirror uploads fetched media to an S3 compatible bucket
type S3Mirror struct {
	client *minio.Client
	bucket string
	log    *slog.Logger
}

// NewS3Mirror connects to the configured endpoint and makes sure the bucket
// exists
func NewS3Mirror(ctx context.Context, cfg config.S3Config, logger *slog.Logger) (*S3Mirror, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	m := &S3Mirror{client: client, bucket: cfg.Bucket, log: logger.With("component", "s3")}
	if err := m.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// EnsureBucket creates the bucket if it does not exist
func (m *S3Mirror) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	m.log.Info("Created S3 bucket", "bucket", m.bucket)
	return nil
}

// Upload copies localPath to objectKey
func (m *S3Mirror) Upload(ctx context.Context, localPath, objectKey string) error {
	contentType := mime.TypeByExtension(filepath.Ext(localPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info, err := m.client.FPutObject(ctx, m.bucket, objectKey, localPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload media to S3: %w", err)
	}
	m.log.Debug("Uploaded media to S3", "object", objectKey, "size", info.Size)
	return nil
}
