package utils

import (
	"net/url"
	"os"
	"strings"
)

// BuildObjectAccessURL is the URL recorded on a certificate version.
//
// STORAGE_ACCESS_BASE_URL wins when set. It may contain {objectKey}, or end in
// a query string the escaped key is appended to, or be a plain prefix.
// Otherwise the URL is built from the S3 endpoint or GCS_URL and the bucket,
// and the bare key is returned when neither is configured.
func BuildObjectAccessURL(objectKey string) string {
	if base := strings.TrimSpace(os.Getenv("STORAGE_ACCESS_BASE_URL")); base != "" {
		return fromAccessBase(base, objectKey)
	}
	if GetStorageProvider() == StorageProviderS3 {
		endpoint := strings.TrimSpace(os.Getenv("S3_ENDPOINT"))
		bucket := strings.TrimSpace(os.Getenv("S3_BUCKET"))
		if endpoint != "" && bucket != "" {
			secure := !strings.EqualFold(strings.TrimSpace(os.Getenv("S3_USE_SSL")), "false")
			return s3ObjectURL(secure, bucket, endpoint, objectKey)
		}
	}
	host := strings.TrimSpace(os.Getenv("GCS_URL"))
	bucket := strings.TrimSpace(os.Getenv("GCS_BUCKET"))
	if host != "" && bucket != "" {
		return "https://" + host + "/" + bucket + "/" + objectKey
	}
	return objectKey
}

func fromAccessBase(base, objectKey string) string {
	inQuery := strings.Contains(base, "?")
	key := objectKey
	if inQuery {
		key = url.QueryEscape(objectKey)
	}
	switch {
	case strings.Contains(base, "{objectKey}"):
		return strings.ReplaceAll(base, "{objectKey}", key)
	case inQuery:
		return base + key
	default:
		return strings.TrimRight(base, "/") + "/" + key
	}
}
