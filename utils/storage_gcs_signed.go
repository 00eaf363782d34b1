package utils

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/compute/metadata"
	"cloud.google.com/go/storage"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/iamcredentials/v1"
	"google.golang.org/api/option"
)

// certificateSigner signs download links for issued certificate documents.
// A service account key from the environment is used when present; otherwise
// the runtime service account signs through the IAM Credentials API.
type certificateSigner struct {
	once sync.Once
	err  error

	accessID   string
	privateKey []byte
	signBytes  func([]byte) ([]byte, error)
}

// sign returns a V4 GET URL that expires after ttl.
func (s *certificateSigner) sign(ctx context.Context, bucket, objectKey string, ttl time.Duration) (string, error) {
	s.once.Do(func() { s.err = s.resolve(ctx) })
	if s.err != nil {
		return "", s.err
	}
	return storage.SignedURL(bucket, objectKey, &storage.SignedURLOptions{
		Scheme:         storage.SigningSchemeV4,
		Method:         "GET",
		Expires:        time.Now().Add(ttl),
		GoogleAccessID: s.accessID,
		PrivateKey:     s.privateKey,
		SignBytes:      s.signBytes,
	})
}

func (s *certificateSigner) resolve(ctx context.Context) error {
	email, key, err := signerKeyFromEnv(
		os.Getenv("GCS_CREDENTIALS_JSON"),
		os.Getenv("GCS_SIGNER_EMAIL"),
		os.Getenv("GCS_SIGNER_PRIVATE_KEY"),
	)
	if err != nil {
		return err
	}
	if key != nil {
		s.accessID, s.privateKey = email, key
		return nil
	}
	if email == "" && metadata.OnGCE() {
		if email, err = metadata.Email("default"); err != nil {
			return fmt.Errorf("read runtime service account: %w", err)
		}
	}
	if email == "" {
		return errors.New("set GCS_SIGNER_EMAIL or a signing key to issue download links")
	}
	s.accessID = email
	s.signBytes, err = iamSignBlob(ctx, email)
	return err
}

// signerKeyFromEnv picks the signing identity from a service account JSON
// blob or from an email and PEM pair. A nil key with a nil error means no key
// is configured; email may still name the account to sign as.
func signerKeyFromEnv(credJSON, email, pem string) (string, []byte, error) {
	if credJSON = strings.TrimSpace(credJSON); credJSON != "" {
		var sa struct {
			ClientEmail string `json:"client_email"`
			PrivateKey  string `json:"private_key"`
		}
		if err := json.Unmarshal([]byte(credJSON), &sa); err != nil {
			return "", nil, fmt.Errorf("parse GCS_CREDENTIALS_JSON: %w", err)
		}
		if sa.ClientEmail == "" || sa.PrivateKey == "" {
			return "", nil, errors.New("GCS_CREDENTIALS_JSON needs client_email and private_key")
		}
		return sa.ClientEmail, unescapePEM(sa.PrivateKey), nil
	}
	email, pem = strings.TrimSpace(email), strings.TrimSpace(pem)
	if email != "" && pem != "" {
		return email, unescapePEM(pem), nil
	}
	return email, nil, nil
}

// Keys pasted into env vars often carry literal \n sequences.
func unescapePEM(key string) []byte {
	return []byte(strings.ReplaceAll(key, `\n`, "\n"))
}

func iamSignBlob(ctx context.Context, email string) (func([]byte) ([]byte, error), error) {
	creds, err := google.FindDefaultCredentials(ctx, iamcredentials.CloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("load default credentials: %w", err)
	}
	svc, err := iamcredentials.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("iamcredentials client: %w", err)
	}
	account := "projects/-/serviceAccounts/" + email
	return func(payload []byte) ([]byte, error) {
		resp, err := svc.Projects.ServiceAccounts.SignBlob(account, &iamcredentials.SignBlobRequest{
			Payload: base64.StdEncoding.EncodeToString(payload),
		}).Do()
		if err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(resp.SignedBlob)
	}, nil
}
