package storage

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Minio stores objects in a single MinIO/S3 bucket.
type Minio struct {
	client *minio.Client
	bucket string
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// NewMinio connects and ensures the bucket exists.
func NewMinio(ctx context.Context, cfg MinioConfig) (*Minio, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &Minio{client: client, bucket: cfg.Bucket}, nil
}

func (m *Minio) Upload(ctx context.Context, localPath, logicalPath string) (string, error) {
	_, err := m.client.FPutObject(ctx, m.bucket, logicalPath, localPath, minio.PutObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", logicalPath, err)
	}
	return logicalPath, nil
}

func (m *Minio) Download(ctx context.Context, storedRef, localPath string) error {
	if err := m.client.FGetObject(ctx, m.bucket, storedRef, localPath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("download %s: %w", storedRef, err)
	}
	return nil
}

func (m *Minio) Delete(ctx context.Context, storedRef string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, storedRef, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s: %w", storedRef, err)
	}
	return nil
}
