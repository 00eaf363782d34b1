package utils

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3BlobStore targets any S3-compatible endpoint (DigitalOcean Spaces, MinIO).
type S3BlobStore struct {
	client   *minio.Client
	bucket   string
	endpoint string
	secure   bool
}

func NewS3BlobStore() (*S3BlobStore, error) {
	endpoint := strings.TrimSpace(os.Getenv("S3_ENDPOINT"))
	accessKey := os.Getenv("S3_ACCESS_KEY_ID")
	secretKey := os.Getenv("S3_SECRET_ACCESS_KEY")
	bucket := strings.TrimSpace(os.Getenv("S3_BUCKET"))
	if endpoint == "" || bucket == "" {
		return nil, errors.New("S3_ENDPOINT and S3_BUCKET are required")
	}
	secure := !strings.EqualFold(strings.TrimSpace(os.Getenv("S3_USE_SSL")), "false")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, err
	}
	return &S3BlobStore{client: client, bucket: bucket, endpoint: endpoint, secure: secure}, nil
}

func (s *S3BlobStore) Put(ctx context.Context, objectKey string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, objectKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "no-cache",
	})
	if err != nil {
		return "", err
	}
	return s.URL(objectKey), nil
}

func (s *S3BlobStore) URL(objectKey string) string {
	if base := strings.TrimSpace(os.Getenv("STORAGE_ACCESS_BASE_URL")); base != "" {
		return BuildObjectAccessURL(objectKey)
	}
	return s3ObjectURL(s.secure, s.bucket, s.endpoint, objectKey)
}

func (s *S3BlobStore) SignedDownloadURL(ctx context.Context, objectKey string, expires time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectKey, expires, nil)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func s3ObjectURL(secure bool, bucket, endpoint, objectKey string) string {
	scheme := "https://"
	if !secure {
		scheme = "http://"
	}
	return scheme + bucket + "." + endpoint + "/" + objectKey
}
