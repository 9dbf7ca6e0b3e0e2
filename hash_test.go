package guidecache

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashBytes(t *testing.T) {
	h1 := HashBytes([]byte("guide content"))
	h2 := HashBytes([]byte("guide content"))
	h3 := HashBytes([]byte("different content"))

	require.Equal(t, h1, h2)
	require.NotEqual(t, h1, h3)
	require.False(t, h1.IsZero())
}

func TestHashRoundTrip(t *testing.T) {
	h := HashBytes([]byte("round trip"))

	parsed, err := ParseHash(h.String())
	require.NoError(t, err)
	require.Equal(t, h, parsed)
}

func TestHashString(t *testing.T) {
	h := HashBytes([]byte("x"))

	require.Len(t, h.String(), HashSize*2)
	require.Len(t, h.ShortString(), 16)
	require.True(t, strings.HasPrefix(h.String(), h.ShortString()))
}

func TestParseHashInvalid(t *testing.T) {
	_, err := ParseHash("too-short")
	require.Error(t, err)

	_, err = ParseHash(strings.Repeat("zz", HashSize))
	require.Error(t, err)
}

func TestHashReader(t *testing.T) {
	data := []byte("stream me")

	h, n, err := HashReader(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), n)
	require.Equal(t, HashBytes(data), h)
}

func TestIsZero(t *testing.T) {
	var h Hash
	require.True(t, h.IsZero())
}
