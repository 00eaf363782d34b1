package utils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// getGoogleClient uses GCS_CREDENTIALS_JSON when set, else Application
// Default Credentials.
func getGoogleClient(ctx context.Context) (*storage.Client, error) {
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

type GCSBlobStore struct {
	client *storage.Client
	bucket string
	signer certificateSigner
}

func NewGCSBlobStore(ctx context.Context) (*GCSBlobStore, error) {
	bucketName := strings.TrimSpace(os.Getenv("GCS_BUCKET"))
	if bucketName == "" {
		return nil, errors.New("GCS_BUCKET is required")
	}
	client, err := getGoogleClient(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := client.Bucket(bucketName).Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("gcs bucket %q not found or not accessible: %v", bucketName, err)
	}
	return &GCSBlobStore{client: client, bucket: bucketName}, nil
}

func (s *GCSBlobStore) Put(ctx context.Context, objectKey string, data []byte, contentType string) (string, error) {
	wc := s.client.Bucket(s.bucket).Object(objectKey).NewWriter(ctx)
	wc.ContentType = contentType
	wc.CacheControl = "no-cache"
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return "", err
	}
	if err := wc.Close(); err != nil {
		return "", err
	}
	return s.URL(objectKey), nil
}

func (s *GCSBlobStore) URL(objectKey string) string {
	return BuildObjectAccessURL(objectKey)
}

func (s *GCSBlobStore) SignedDownloadURL(ctx context.Context, objectKey string, expires time.Duration) (string, error) {
	return s.signer.sign(ctx, s.bucket, objectKey, expires)
}

func (s *GCSBlobStore) Close() error {
	return s.client.Close()
}
