package offlinecache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	// BLAKE3 hash of empty string
	h := HashBytes([]byte{})
	expected := "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	require.Equal(t, expected, h.String())
}

func TestHashShortString(t *testing.T) {
	h := HashBytes([]byte("hello"))
	short := h.ShortString()
	require.Len(t, short, 16)
	require.True(t, strings.HasPrefix(h.String(), short))
}

func TestHashIsZero(t *testing.T) {
	var zero Hash
	require.True(t, zero.IsZero())
	require.False(t, HashBytes([]byte("test")).IsZero())
}

func TestParseDigest(t *testing.T) {
	original := HashBytes([]byte("dataset payload"))

	parsed, err := ParseDigest(original.Digest())
	require.NoError(t, err)
	require.Equal(t, original, parsed)

	upper := strings.ToUpper(original.Digest())
	parsed, err = ParseDigest(upper)
	require.NoError(t, err)
	require.Equal(t, original, parsed)
}

func TestParseDigestInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing prefix", HashBytes([]byte("x")).String()},
		{"wrong algorithm", "sha256:" + HashBytes([]byte("x")).String()},
		{"too short", "blake3:abcd"},
		{"not hex", "blake3:" + strings.Repeat("zz", HashSize)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDigest(tt.input)
			require.Error(t, err)
		})
	}
}
