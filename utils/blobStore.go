package utils

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Values of STORAGE_PROVIDER.
const (
	StorageProviderGCS    = "gcs"
	StorageProviderS3     = "s3"
	StorageProviderMemory = "memory"
)

// GetStorageProvider defaults to GCS. DigitalOcean Spaces and MinIO both
// speak S3.
func GetStorageProvider() string {
	switch p := strings.ToLower(strings.TrimSpace(os.Getenv("STORAGE_PROVIDER"))); p {
	case "":
		return StorageProviderGCS
	case "do", "spaces", "minio":
		return StorageProviderS3
	default:
		return p
	}
}

// BlobStore persists rendered certificate artifacts. Put overwrites an
// existing object at the same key and returns its access URL.
type BlobStore interface {
	Put(ctx context.Context, objectKey string, data []byte, contentType string) (string, error)
	URL(objectKey string) string
}

// DownloadSigner is implemented by stores that can hand out time-limited
// download links for private buckets.
type DownloadSigner interface {
	SignedDownloadURL(ctx context.Context, objectKey string, expires time.Duration) (string, error)
}

// NewBlobStoreFromEnv builds the store selected by STORAGE_PROVIDER.
func NewBlobStoreFromEnv(ctx context.Context) (BlobStore, error) {
	switch p := GetStorageProvider(); p {
	case StorageProviderGCS:
		return NewGCSBlobStore(ctx)
	case StorageProviderS3:
		return NewS3BlobStore()
	case StorageProviderMemory:
		return NewMemoryBlobStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage provider %q", p)
	}
}

// MemoryBlobStore keeps objects in process memory (local runs and tests).
type MemoryBlobStore struct {
	mu      sync.RWMutex
	objects map[string]MemoryObject
	// FailPut makes the next Put calls fail with this error when set.
	FailPut error
}

type MemoryObject struct {
	Data        []byte
	ContentType string
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{objects: make(map[string]MemoryObject)}
}

func (m *MemoryBlobStore) Put(ctx context.Context, objectKey string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPut != nil {
		return "", m.FailPut
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.objects[objectKey] = MemoryObject{Data: buf, ContentType: contentType}
	return m.URL(objectKey), nil
}

func (m *MemoryBlobStore) URL(objectKey string) string {
	return "memory://" + objectKey
}

func (m *MemoryBlobStore) Get(objectKey string) (MemoryObject, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[objectKey]
	return obj, ok
}

func (m *MemoryBlobStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}
