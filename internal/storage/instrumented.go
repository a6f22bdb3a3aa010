package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"nexusdash/api/internal/metrics"
)

type instrumented struct {
	next    Provider
	metrics *metrics.Metrics
}

// Instrument counts every provider call in m. A missing object on Stat or
// Open counts as ok.
func Instrument(p Provider, m *metrics.Metrics) Provider {
	if m == nil {
		return p
	}
	return &instrumented{next: p, metrics: m}
}

// Unwrap returns the backend behind an instrumented provider.
func Unwrap(p Provider) Provider {
	if inst, ok := p.(*instrumented); ok {
		return inst.next
	}
	return p
}

// AsLocal returns the local backend when p is (or wraps) one.
func AsLocal(p Provider) (*Local, bool) {
	local, ok := Unwrap(p).(*Local)
	return local, ok
}

func (i *instrumented) observe(op string, err error) {
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	i.metrics.ObserveStorage(i.next.Name(), op, err)
}

func (i *instrumented) Name() string { return i.next.Name() }

func (i *instrumented) Save(ctx context.Context, key string, body io.Reader, size int64, contentType string) (ObjectInfo, error) {
	info, err := i.next.Save(ctx, key, body, size, contentType)
	i.observe("save", err)
	return info, err
}

func (i *instrumented) Open(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	rc, info, err := i.next.Open(ctx, key)
	i.observe("open", err)
	return rc, info, err
}

func (i *instrumented) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := i.next.Stat(ctx, key)
	i.observe("stat", err)
	return info, err
}

func (i *instrumented) Delete(ctx context.Context, key string) error {
	err := i.next.Delete(ctx, key)
	i.observe("delete", err)
	return err
}

func (i *instrumented) SignedDownloadURL(ctx context.Context, key, filename string, ttl time.Duration) (string, error) {
	signed, err := i.next.SignedDownloadURL(ctx, key, filename, ttl)
	i.observe("sign_download", err)
	return signed, err
}

func (i *instrumented) SignedUploadURL(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	signed, err := i.next.SignedUploadURL(ctx, key, contentType, ttl)
	i.observe("sign_upload", err)
	return signed, err
}
