package storage

import (
	"context"
	"errors"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexusdash/api/internal/metrics"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	local, err := NewLocal(t.TempDir(), "http://api.test/", NewSigner("secret"))
	require.NoError(t, err)
	return local
}

func TestLocalSaveOpenStatDelete(t *testing.T) {
	ctx := context.Background()
	local := newTestLocal(t)
	key := "projects/p1/tasks/t1/abc-notes.txt"

	info, err := local.Save(ctx, key, strings.NewReader("hello"), 5, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)

	rc, info, err := local.Open(ctx, key)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	assert.True(t, strings.HasPrefix(info.ContentType, "text/plain"))

	require.NoError(t, local.Delete(ctx, key))
	_, err = local.Stat(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	// deleting again is fine and empty directories are pruned
	require.NoError(t, local.Delete(ctx, key))
	_, err = os.Stat(filepath.Join(local.root, "projects"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLocalSaveRejectsSizeMismatch(t *testing.T) {
	ctx := context.Background()
	local := newTestLocal(t)
	key := "projects/p1/tasks/t1/short.txt"

	_, err := local.Save(ctx, key, strings.NewReader("abc"), 10, "text/plain")
	require.Error(t, err)
	_, err = local.Stat(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	entries, err := os.ReadDir(filepath.Join(local.root, "projects", "p1", "tasks", "t1"))
	require.NoError(t, err)
	assert.Empty(t, entries, "temp file must not linger")
}

func TestLocalRejectsBadKeys(t *testing.T) {
	ctx := context.Background()
	local := newTestLocal(t)
	for _, key := range []string{"", "/etc/passwd", "projects/../../x", `projects\x`, "projects//x", "./x"} {
		_, err := local.Save(ctx, key, strings.NewReader("x"), 1, "")
		assert.ErrorIs(t, err, ErrInvalidKey, key)
		_, err = local.SignedDownloadURL(ctx, key, "x", time.Minute)
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
}

func TestLocalSignedURLsVerify(t *testing.T) {
	ctx := context.Background()
	local := newTestLocal(t)
	key := "projects/p1/cards/c1/id-My file.pdf"

	raw, err := local.SignedUploadURL(ctx, key, "application/pdf", time.Minute)
	require.NoError(t, err)
	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "api.test", parsed.Host)
	assert.Equal(t, ObjectPathPrefix+key, parsed.Path)

	q := parsed.Query()
	assert.Equal(t, OpPut, q.Get("op"))
	exp, err := strconv.ParseInt(q.Get("exp"), 10, 64)
	require.NoError(t, err)
	assert.NoError(t, local.Signer().Verify(OpPut, key, exp, "application/pdf", q.Get("sig")))
	assert.ErrorIs(t, local.Signer().Verify(OpPut, key, exp, "image/png", q.Get("sig")), ErrBadSignature)
	assert.ErrorIs(t, local.Signer().Verify(OpGet, key, exp, "application/pdf", q.Get("sig")), ErrBadSignature)

	raw, err = local.SignedDownloadURL(ctx, key, "My file.pdf", time.Minute)
	require.NoError(t, err)
	parsed, err = url.Parse(raw)
	require.NoError(t, err)
	q = parsed.Query()
	assert.Equal(t, "My file.pdf", q.Get("name"))
	exp, _ = strconv.ParseInt(q.Get("exp"), 10, 64)
	assert.NoError(t, local.Signer().Verify(OpGet, key, exp, "My file.pdf", q.Get("sig")))
}

func TestSignerExpiry(t *testing.T) {
	signer := NewSigner("secret")
	now := time.Unix(1_700_000_000, 0)
	signer.now = func() time.Time { return now }

	exp := now.Add(-time.Second).Unix()
	sig := signer.Sign(OpGet, "k", exp, "")
	assert.ErrorIs(t, signer.Verify(OpGet, "k", exp, "", sig), ErrURLExpired)
	assert.ErrorIs(t, signer.Verify(OpGet, "k", exp, "", "deadbeef"), ErrBadSignature)
}

func TestInstrumentCountsAndUnwraps(t *testing.T) {
	ctx := context.Background()
	local := newTestLocal(t)
	m := metrics.New()
	provider := Instrument(local, m)

	_, err := provider.Stat(ctx, "projects/p/tasks/t/missing.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	got, ok := AsLocal(provider)
	require.True(t, ok)
	assert.Same(t, local, got)
	assert.Equal(t, "local", provider.Name())
}
