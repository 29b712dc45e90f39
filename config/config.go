// Package config loads the offline cache configuration from defaults, an
// optional YAML file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// EnvPrefix is the prefix of every environment override. Double
// underscores separate nesting levels: OFFLINE_CACHE_ORIGIN__URL sets
// origin.url.
const EnvPrefix = "OFFLINE_CACHE"

// Config is the full runtime configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Origin       OriginConfig       `koanf:"origin"`
	Cache        CacheConfig        `koanf:"cache"`
	API          APIConfig          `koanf:"api"`
	Storage      StorageConfig      `koanf:"storage"`
	Connectivity ConnectivityConfig `koanf:"connectivity"`
	Logging      LoggingConfig      `koanf:"logging"`
	Metrics      MetricsConfig      `koanf:"metrics"`
}

type ServerConfig struct {
	Address    string `koanf:"address"`
	AdminToken string `koanf:"admin_token"`

	// CredentialsFile is a secrets template rendered at startup. Its
	// admin_token wins over AdminToken.
	CredentialsFile string `koanf:"credentials_file"`
}

// OriginConfig points at the server the app normally talks to.
type OriginConfig struct {
	URL     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`
}

// CacheConfig controls the response cache. Changing Version discards every
// entry written under another version at the next start.
type CacheConfig struct {
	Version  string   `koanf:"version"`
	MaxBytes int64    `koanf:"max_bytes"`
	Precache []string `koanf:"precache"`
}

type APIConfig struct {
	Prefix            string        `koanf:"prefix"`
	Timeout           time.Duration `koanf:"timeout"`
	RefreshTimeout    time.Duration `koanf:"refresh_timeout"`
	DatasetUploadPath string        `koanf:"dataset_upload_path"`
}

type StorageConfig struct {
	Path   string `koanf:"path"`
	NoSync bool   `koanf:"no_sync"`
}

// ConnectivityConfig configures where platform connectivity signals come
// from besides POST /_offline/connectivity.
type ConnectivityConfig struct {
	StateFile     string `koanf:"state_file"`
	InitialOnline bool   `koanf:"initial_online"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type MetricsConfig struct {
	Prometheus    bool          `koanf:"prometheus"`
	OTLPEndpoint  string        `koanf:"otlp_endpoint"`
	FlushInterval time.Duration `koanf:"flush_interval"`
}

// DefaultConfig returns the baseline every source overrides.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address: ":8080",
		},
		Origin: OriginConfig{
			URL:     "http://localhost:8000",
			Timeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			Version:  "chemviz-v1.0.0",
			MaxBytes: 512 << 20,
			Precache: []string{
				"/",
				"/static/js/bundle.js",
				"/static/css/main.css",
				"/manifest.json",
				"/favicon.ico",
			},
		},
		API: APIConfig{
			Prefix:            "/api/",
			Timeout:           10 * time.Second,
			RefreshTimeout:    30 * time.Second,
			DatasetUploadPath: "/api/datasets/upload/",
		},
		Storage: StorageConfig{
			Path: "./offline-cache.db",
		},
		Connectivity: ConnectivityConfig{
			InitialOnline: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Prometheus:    true,
			FlushInterval: 10 * time.Second,
		},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if strings.TrimSpace(c.Server.Address) == "" {
		return errors.New("config: server.address required")
	}
	u, err := url.Parse(c.Origin.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: origin.url must be an absolute http(s) url: %q", c.Origin.URL)
	}
	if c.Origin.Timeout <= 0 {
		return fmt.Errorf("config: origin.timeout invalid: %s", c.Origin.Timeout)
	}
	if strings.TrimSpace(c.Cache.Version) == "" {
		return errors.New("config: cache.version required")
	}
	if c.Cache.MaxBytes < 0 {
		return fmt.Errorf("config: cache.max_bytes invalid: %d", c.Cache.MaxBytes)
	}
	for _, p := range c.Cache.Precache {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("config: cache.precache entry must be a path: %q", p)
		}
	}
	if !strings.HasPrefix(c.API.Prefix, "/") {
		return fmt.Errorf("config: api.prefix must start with /: %q", c.API.Prefix)
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("config: api.timeout invalid: %s", c.API.Timeout)
	}
	if c.API.RefreshTimeout <= 0 {
		return fmt.Errorf("config: api.refresh_timeout invalid: %s", c.API.RefreshTimeout)
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("config: storage.path required")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level unsupported: %s", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json", "tint":
	default:
		return fmt.Errorf("config: logging.format unsupported: %s", c.Logging.Format)
	}
	if c.Metrics.FlushInterval < 0 {
		return fmt.Errorf("config: metrics.flush_interval invalid: %s", c.Metrics.FlushInterval)
	}
	return nil
}
