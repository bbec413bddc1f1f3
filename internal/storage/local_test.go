package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestLocalStorage_UploadDownload(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	src := writeFile(t, "hello world")
	require.NoError(t, s.Upload(ctx, src, "archives/graylog_0/a.ndjson.sz"))

	exists, err := s.Exists(ctx, "archives/graylog_0/a.ndjson.sz")
	require.NoError(t, err)
	assert.True(t, exists)

	dst := filepath.Join(t.TempDir(), "out", "a")
	require.NoError(t, s.Download(ctx, "archives/graylog_0/a.ndjson.sz", dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	require.NoError(t, s.Delete(ctx, "archives/graylog_0/a.ndjson.sz"))
	require.NoError(t, s.Delete(ctx, "archives/graylog_0/a.ndjson.sz"))
	exists, err = s.Exists(ctx, "archives/graylog_0/a.ndjson.sz")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLocalStorage_UploadMultipartReturnsContentHash(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	a, err := s.UploadMultipart(ctx, writeFile(t, "same"), "x/1")
	require.NoError(t, err)
	b, err := s.UploadMultipart(ctx, writeFile(t, "same"), "x/2")
	require.NoError(t, err)
	c, err := s.UploadMultipart(ctx, writeFile(t, "other"), "x/3")
	require.NoError(t, err)

	assert.NotEmpty(t, a)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestLocalStorage_PutIfAbsent(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.PutIfAbsent(ctx, writeFile(t, "first"), "manifests/m.json"))
	err = s.PutIfAbsent(ctx, writeFile(t, "second"), "manifests/m.json")
	assert.ErrorIs(t, err, ErrObjectExists)

	dst := filepath.Join(t.TempDir(), "m.json")
	require.NoError(t, s.Download(ctx, "manifests/m.json", dst))
	got, _ := os.ReadFile(dst)
	assert.Equal(t, "first", string(got))
}

func TestLocalStorage_DownloadNotFound(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	err = s.Download(context.Background(), "missing/object", filepath.Join(t.TempDir(), "x"))
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestLocalStorage_ListObjects(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	src := writeFile(t, "x")
	for _, p := range []string{"archives/graylog_1/b.json", "archives/graylog_1/a.json", "archives/graylog_10/c.json", "other/d"} {
		require.NoError(t, s.Upload(ctx, src, p))
	}

	got, err := s.ListObjects(ctx, "archives/graylog_1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"archives/graylog_1/a.json", "archives/graylog_1/b.json"}, got)

	got, err = s.ListObjects(ctx, "nothing/")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLocalStorage_PathsStayInsideBase(t *testing.T) {
	base := t.TempDir()
	s, err := NewLocalStorage(filepath.Join(base, "store"))
	require.NoError(t, err)

	require.NoError(t, s.Upload(context.Background(), writeFile(t, "x"), "../../escape"))
	_, err = os.Stat(filepath.Join(base, "escape"))
	assert.True(t, os.IsNotExist(err))

	exists, err := s.Exists(context.Background(), "escape")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestLocalStorage_CancelledContext(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Upload(ctx, writeFile(t, "x"), "a"), context.Canceled)
	_, err = s.ListObjects(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
}
