package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Local keeps objects as files below root. Signed URLs point back at the
// API, which verifies them with the same Signer.
type Local struct {
	root    string
	baseURL string
	signer  *Signer
}

func NewLocal(root, publicBaseURL string, signer *Signer) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Local{root: abs, baseURL: strings.TrimRight(publicBaseURL, "/"), signer: signer}, nil
}

func (l *Local) Name() string { return "local" }

func (l *Local) Signer() *Signer { return l.signer }

func (l *Local) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	full := filepath.Join(l.root, filepath.FromSlash(key))
	if !strings.HasPrefix(full, l.root+string(os.PathSeparator)) {
		return "", ErrInvalidKey
	}
	return full, nil
}

func (l *Local) Save(ctx context.Context, key string, body io.Reader, size int64, contentType string) (ObjectInfo, error) {
	full, err := l.path(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return ObjectInfo{}, fmt.Errorf("create object dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	written, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: body})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("write object: %w", err)
	}
	if size >= 0 && written != size {
		return ObjectInfo{}, fmt.Errorf("write object: got %d bytes, expected %d", written, size)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return ObjectInfo{}, fmt.Errorf("commit object: %w", err)
	}
	return l.Stat(ctx, key)
}

func (l *Local) Open(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	full, err := l.path(key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	file, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ObjectInfo{}, ErrNotFound
		}
		return nil, ObjectInfo{}, fmt.Errorf("open object: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, ObjectInfo{}, fmt.Errorf("stat object: %w", err)
	}
	return file, l.info(key, stat), nil
}

func (l *Local) Stat(_ context.Context, key string) (ObjectInfo, error) {
	full, err := l.path(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	stat, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ObjectInfo{}, ErrNotFound
		}
		return ObjectInfo{}, fmt.Errorf("stat object: %w", err)
	}
	return l.info(key, stat), nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	full, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete object: %w", err)
	}
	// prune empty owner/project directories, stopping at the first non-empty one
	for dir := filepath.Dir(full); dir != l.root && strings.HasPrefix(dir, l.root); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}

func (l *Local) SignedDownloadURL(_ context.Context, key, filename string, ttl time.Duration) (string, error) {
	return l.signedURL(OpGet, key, filename, ttl)
}

func (l *Local) SignedUploadURL(_ context.Context, key, contentType string, ttl time.Duration) (string, error) {
	return l.signedURL(OpPut, key, contentType, ttl)
}

// signedURL signs extra with the key: the download filename for get, the
// required Content-Type for put.
func (l *Local) signedURL(op, key, extra string, ttl time.Duration) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	expires := l.signer.now().Add(ttl).Unix()
	query := url.Values{}
	query.Set("op", op)
	query.Set("exp", strconv.FormatInt(expires, 10))
	if op == OpGet && extra != "" {
		query.Set("name", extra)
	}
	query.Set("sig", l.signer.Sign(op, key, expires, extra))
	return l.baseURL + ObjectPathPrefix + EscapeKey(key) + "?" + query.Encode(), nil
}

// ObjectPathPrefix is the API route serving local signed URLs.
const ObjectPathPrefix = "/api/storage/objects/"

// EscapeKey path-escapes every key segment.
func EscapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}

func (l *Local) info(key string, stat fs.FileInfo) ObjectInfo {
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(key)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return ObjectInfo{Key: key, Size: stat.Size(), ContentType: contentType, ModifiedAt: stat.ModTime().UTC()}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
