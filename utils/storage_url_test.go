package utils

import (
	"context"
	"errors"
	"testing"
)

func TestBuildObjectAccessURL(t *testing.T) {
	t.Setenv("STORAGE_PROVIDER", "gcs")
	t.Setenv("STORAGE_ACCESS_BASE_URL", "")
	t.Setenv("GCS_URL", "storage.googleapis.com")
	t.Setenv("GCS_BUCKET", "tc-docs")

	got := BuildObjectAccessURL("p1/tc-TC-WO-1-v2.xlsx")
	want := "https://storage.googleapis.com/tc-docs/p1/tc-TC-WO-1-v2.xlsx"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestBuildObjectAccessURL_BaseTemplate(t *testing.T) {
	t.Setenv("STORAGE_ACCESS_BASE_URL", "https://cdn.example.com/files?key={objectKey}")

	got := BuildObjectAccessURL("p1/tc-A-v1.xlsx")
	want := "https://cdn.example.com/files?key=p1%2Ftc-A-v1.xlsx"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestBuildObjectAccessURL_S3(t *testing.T) {
	t.Setenv("STORAGE_ACCESS_BASE_URL", "")
	t.Setenv("STORAGE_PROVIDER", "spaces")
	t.Setenv("S3_ENDPOINT", "sgp1.digitaloceanspaces.com")
	t.Setenv("S3_BUCKET", "certs")
	t.Setenv("S3_USE_SSL", "")

	got := BuildObjectAccessURL("p1/tc-B-v3.xlsx")
	want := "https://certs.sgp1.digitaloceanspaces.com/p1/tc-B-v3.xlsx"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestBuildObjectAccessURL_Prefix(t *testing.T) {
	t.Setenv("STORAGE_ACCESS_BASE_URL", "https://files.plant.test/tc/")
	if got := BuildObjectAccessURL("p1/tc-C-v1.xlsx"); got != "https://files.plant.test/tc/p1/tc-C-v1.xlsx" {
		t.Fatalf("unexpected %s", got)
	}
}

func TestMemoryBlobStore_PutOverwrites(t *testing.T) {
	store := NewMemoryBlobStore()
	ctx := context.Background()

	if _, err := store.Put(ctx, "p1/a.xlsx", []byte("one"), "application/octet-stream"); err != nil {
		t.Fatalf("put: %v", err)
	}
	url, err := store.Put(ctx, "p1/a.xlsx", []byte("two"), "text/plain")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if url != "memory://p1/a.xlsx" {
		t.Fatalf("unexpected url %s", url)
	}
	obj, ok := store.Get("p1/a.xlsx")
	if !ok || string(obj.Data) != "two" || obj.ContentType != "text/plain" {
		t.Fatalf("expected overwritten object, got %+v", obj)
	}

	store.FailPut = errors.New("unavailable")
	if _, err := store.Put(ctx, "p1/b.xlsx", []byte("x"), "text/plain"); err == nil {
		t.Fatalf("expected failure")
	}
	if len(store.Keys()) != 1 {
		t.Fatalf("expected one stored key, got %v", store.Keys())
	}
}

func TestGetStorageProvider(t *testing.T) {
	for raw, want := range map[string]string{
		"":        StorageProviderGCS,
		" MinIO ": StorageProviderS3,
		"spaces":  StorageProviderS3,
		"memory":  StorageProviderMemory,
		"azure":   "azure",
	} {
		t.Setenv("STORAGE_PROVIDER", raw)
		if got := GetStorageProvider(); got != want {
			t.Errorf("STORAGE_PROVIDER=%q: got %q, want %q", raw, got, want)
		}
	}
}

func TestSignerKeyFromEnv(t *testing.T) {
	email, key, err := signerKeyFromEnv(`{"client_email":"tc@p.iam","private_key":"-----BEGIN\nKEY"}`, "other@p.iam", "")
	if err != nil || email != "tc@p.iam" || string(key) != "-----BEGIN\nKEY" {
		t.Fatalf("json key: %q %q %v", email, key, err)
	}

	if _, _, err := signerKeyFromEnv(`{"client_email":"tc@p.iam"}`, "", ""); err == nil {
		t.Fatal("expected error for JSON without private_key")
	}

	email, key, err = signerKeyFromEnv("", " signer@p.iam ", "")
	if err != nil || email != "signer@p.iam" || key != nil {
		t.Fatalf("email only: %q %v %v", email, key, err)
	}
}
