package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offline-cache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr string
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name:  "returns defaults when no overrides",
			setup: func(t *testing.T) []string { return nil },
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, DefaultConfig(), cfg)
			},
		},
		{
			name: "merges file overrides",
			setup: func(t *testing.T) []string {
				return []string{writeYAML(t, `
origin:
  url: https://chemviz.example.com
api:
  timeout: 3s
cache:
  version: chemviz-v2.0.0
  precache: ["/", "/app.js"]
`)}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, "https://chemviz.example.com", cfg.Origin.URL)
				require.Equal(t, 3*time.Second, cfg.API.Timeout)
				require.Equal(t, "chemviz-v2.0.0", cfg.Cache.Version)
				require.Equal(t, []string{"/", "/app.js"}, cfg.Cache.Precache)
				// untouched keys keep defaults
				require.Equal(t, ":8080", cfg.Server.Address)
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				t.Setenv("OFFLINE_CACHE_CACHE__VERSION", "chemviz-v3.0.0")
				t.Setenv("OFFLINE_CACHE_CACHE__MAX_BYTES", "1048576")
				t.Setenv("OFFLINE_CACHE_CONNECTIVITY__INITIAL_ONLINE", "false")
				t.Setenv("OFFLINE_CACHE_CACHE__PRECACHE", "/, /index.html")
				return []string{writeYAML(t, "cache:\n  version: chemviz-v2.0.0\n")}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, "chemviz-v3.0.0", cfg.Cache.Version)
				require.Equal(t, int64(1048576), cfg.Cache.MaxBytes)
				require.False(t, cfg.Connectivity.InitialOnline)
				require.Equal(t, []string{"/", "/index.html"}, cfg.Cache.Precache)
			},
		},
		{
			name: "missing file",
			setup: func(t *testing.T) []string {
				return []string{filepath.Join(t.TempDir(), "nope.yaml")}
			},
			wantErr: "not found",
		},
		{
			name: "invalid origin",
			setup: func(t *testing.T) []string {
				t.Setenv("OFFLINE_CACHE_ORIGIN__URL", "localhost:8000")
				return nil
			},
			wantErr: "origin.url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := tt.setup(t)
			cfg, err := NewLoader(EnvPrefix, files...).Load(context.Background())
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.assert(t, cfg)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "empty version", mutate: func(c *Config) { c.Cache.Version = " " }, want: "cache.version"},
		{name: "negative max bytes", mutate: func(c *Config) { c.Cache.MaxBytes = -1 }, want: "cache.max_bytes"},
		{name: "relative precache", mutate: func(c *Config) { c.Cache.Precache = []string{"index.html"} }, want: "cache.precache"},
		{name: "api prefix", mutate: func(c *Config) { c.API.Prefix = "api" }, want: "api.prefix"},
		{name: "api timeout", mutate: func(c *Config) { c.API.Timeout = 0 }, want: "api.timeout"},
		{name: "log level", mutate: func(c *Config) { c.Logging.Level = "trace" }, want: "logging.level"},
		{name: "log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, want: "logging.format"},
		{name: "storage path", mutate: func(c *Config) { c.Storage.Path = "" }, want: "storage.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}
