// Package storage stores attachment bytes on local disk or in an
// S3-compatible bucket behind one Provider interface.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"nexusdash/api/internal/config"
	"nexusdash/api/internal/metrics"
)

var (
	ErrNotFound   = errors.New("storage: object not found")
	ErrInvalidKey = errors.New("storage: invalid object key")
)

type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
	ModifiedAt  time.Time
}

// Provider is implemented by every storage backend. Delete of a missing
// object succeeds.
type Provider interface {
	Name() string
	Save(ctx context.Context, key string, body io.Reader, size int64, contentType string) (ObjectInfo, error)
	Open(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	SignedDownloadURL(ctx context.Context, key, filename string, ttl time.Duration) (string, error)
	SignedUploadURL(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)
}

// New builds the provider selected by cfg.Storage.Provider, wrapped so every
// call is counted in m.
func New(ctx context.Context, cfg config.Config, m *metrics.Metrics) (Provider, error) {
	var (
		provider Provider
		err      error
	)
	switch cfg.Storage.Provider {
	case config.StorageLocal:
		provider, err = NewLocal(cfg.Storage.LocalDir, cfg.PublicBaseURL, NewSigner(cfg.Storage.SigningSecret))
	case config.StorageS3:
		provider, err = NewS3(ctx, S3Options{
			Endpoint:  cfg.Storage.S3Endpoint,
			Region:    cfg.Storage.S3Region,
			Bucket:    cfg.Storage.S3Bucket,
			AccessKey: cfg.Storage.S3AccessKey,
			SecretKey: cfg.Storage.S3SecretKey,
			UseSSL:    cfg.Storage.S3UseSSL,
		})
	default:
		return nil, fmt.Errorf("storage: unknown provider %q", cfg.Storage.Provider)
	}
	if err != nil {
		return nil, err
	}
	return Instrument(provider, m), nil
}

// ValidateKey rejects keys that could escape the provider root.
func ValidateKey(key string) error {
	if key == "" || len(key) > 1024 {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") || strings.ContainsRune(key, 0) {
		return ErrInvalidKey
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return ErrInvalidKey
		}
	}
	return nil
}

func contentDisposition(filename string) string {
	if filename == "" {
		return "attachment"
	}
	escaped := strings.NewReplacer(`"`, "", "\r", "", "\n", "").Replace(filename)
	return fmt.Sprintf(`attachment; filename="%s"`, escaped)
}
