package xmltv

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(data)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestFetchPlainXML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleGuide))
	}))
	defer srv.Close()

	u := NewUpstream(WithSourceURL(srv.URL))

	data, err := u.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte(sampleGuide), data)
}

func TestFetchGzippedXML(t *testing.T) {
	compressed := gzipBytes(t, []byte(sampleGuide))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(compressed)
	}))
	defer srv.Close()

	u := NewUpstream(WithSourceURL(srv.URL))

	data, err := u.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte(sampleGuide), data)
}

func TestFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	u := NewUpstream(WithSourceURL(srv.URL))

	_, err := u.Fetch(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFetchUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	u := NewUpstream(WithSourceURL(srv.URL))

	_, err := u.Fetch(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "500")
}

func TestFetchTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 2048))
	}))
	defer srv.Close()

	u := NewUpstream(WithSourceURL(srv.URL), WithMaxSize(1024))

	_, err := u.Fetch(context.Background())
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestFetchDecompressionBomb(t *testing.T) {
	// A small compressed body that inflates past the cap must be rejected.
	compressed := gzipBytes(t, bytes.Repeat([]byte("a"), 1<<20))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(compressed)
	}))
	defer srv.Close()

	u := NewUpstream(WithSourceURL(srv.URL), WithMaxSize(64*1024))

	_, err := u.Fetch(context.Background())
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestFetchNoSourceURL(t *testing.T) {
	u := NewUpstream()

	_, err := u.Fetch(context.Background())
	require.Error(t, err)
}
