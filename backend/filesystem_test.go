package backend

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilesystemWriteRead(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()

	err = fs.Write(ctx, "payloads/abc123", strings.NewReader("snapshot payload"))
	require.NoError(t, err)

	rc, err := fs.Read(ctx, "payloads/abc123")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "snapshot payload", string(data))
}

func TestFilesystemReadNotFound(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	_, err = fs.Read(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemOverwrite(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "key", strings.NewReader("first")))
	require.NoError(t, fs.Write(ctx, "key", strings.NewReader("second")))

	rc, err := fs.Read(ctx, "key")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "second", string(data))
}

func TestFilesystemDelete(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "key", strings.NewReader("data")))
	require.NoError(t, fs.Delete(ctx, "key"))

	exists, err := fs.Exists(ctx, "key")
	require.NoError(t, err)
	require.False(t, exists)

	// Deleting a missing key is idempotent.
	require.NoError(t, fs.Delete(ctx, "key"))
}

func TestFilesystemExists(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()

	exists, err := fs.Exists(ctx, "key")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, fs.Write(ctx, "key", strings.NewReader("data")))

	exists, err = fs.Exists(ctx, "key")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestFilesystemSize(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()

	_, err = fs.Size(ctx, "key")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, fs.Write(ctx, "key", strings.NewReader("12345")))

	size, err := fs.Size(ctx, "key")
	require.NoError(t, err)
	require.Equal(t, int64(5), size)
}

func TestFilesystemWriterAbort(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()

	w, err := fs.Writer(ctx, "key")
	require.NoError(t, err)

	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)

	aw, ok := w.(*atomicWriter)
	require.True(t, ok)
	require.NoError(t, aw.Abort())

	// Aborted writes leave nothing behind.
	exists, err := fs.Exists(ctx, "key")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestFilesystemNestedKeys(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "a/b/c/deep", strings.NewReader("nested")))

	rc, err := fs.Read(ctx, "a/b/c/deep")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "nested", string(data))
}

func TestInstrumentedBackendDelegates(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	ctx := context.Background()

	require.NoError(t, ib.Write(ctx, "key", strings.NewReader("data")))

	rc, err := ib.Read(ctx, "key")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "data", string(data))

	size, err := ib.Size(ctx, "key")
	require.NoError(t, err)
	require.Equal(t, int64(4), size)

	_, err = ib.Read(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.Same(t, Backend(fs), ib.Unwrap())
}

func TestOutcomeFromError(t *testing.T) {
	require.Equal(t, "success", outcomeFromError(nil))
	require.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	require.Equal(t, "error", outcomeFromError(io.ErrUnexpectedEOF))
}
