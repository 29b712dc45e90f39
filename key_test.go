package offlinecache

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", "/"},
		{"/", "/"},
		{"/api/datasets/", "/api/datasets"},
		{"api/datasets", "/api/datasets"},
		{"/api//datasets/./1/", "/api/datasets/1"},
		{"/static/../index.html", "/index.html"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePath(tt.input))
		})
	}
}

func TestStaticKeyQueryOrderIndependent(t *testing.T) {
	a := StaticKey("GET", mustParse(t, "/static/js/bundle.js?v=2&lang=en"))
	b := StaticKey("GET", mustParse(t, "/static/js/bundle.js?lang=en&v=2"))
	assert.Equal(t, a, b)
	assert.Equal(t, "GET /static/js/bundle.js?lang=en&v=2", a)
}

func TestStaticKeyHeadSharesGet(t *testing.T) {
	u := mustParse(t, "/manifest.json")
	assert.Equal(t, StaticKey("GET", u), StaticKey("HEAD", u))
}

func TestAPIKeyIgnoresQuery(t *testing.T) {
	a := APIKey(mustParse(t, "/api/datasets/7/summary/?fresh=1"))
	b := APIKey(mustParse(t, "/api/datasets/7/summary"))
	assert.Equal(t, a, b)
	assert.Equal(t, "api-/api/datasets/7/summary", a)
}

func TestRootDocumentKey(t *testing.T) {
	assert.Equal(t, "GET /", RootDocumentKey())
	assert.Equal(t, RootDocumentKey(), StaticKey("GET", mustParse(t, "/")))
}
