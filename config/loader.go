package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration with env > file > default
// precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a loader. Empty file paths are skipped; a named file
// that does not exist is an error.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles and validates the effective configuration.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		prefix := l.envPrefix + "_"
		transform := func(s string) string {
			// Double underscores nest (OFFLINE_CACHE_CACHE__MAX_BYTES -> cache.max_bytes).
			key := strings.TrimPrefix(s, prefix)
			key = strings.ReplaceAll(key, "__", ".")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(prefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	// A comma separated env value arrives as one string.
	if len(cfg.Cache.Precache) == 1 && strings.Contains(cfg.Cache.Precache[0], ",") {
		cfg.Cache.Precache = splitList(cfg.Cache.Precache[0])
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// structToMap converts DefaultConfig into a map for the confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"address":          cfg.Server.Address,
			"admin_token":      cfg.Server.AdminToken,
			"credentials_file": cfg.Server.CredentialsFile,
		},
		"origin": map[string]any{
			"url":     cfg.Origin.URL,
			"timeout": cfg.Origin.Timeout.String(),
		},
		"cache": map[string]any{
			"version":   cfg.Cache.Version,
			"max_bytes": cfg.Cache.MaxBytes,
			"precache":  append([]string(nil), cfg.Cache.Precache...),
		},
		"api": map[string]any{
			"prefix":              cfg.API.Prefix,
			"timeout":             cfg.API.Timeout.String(),
			"refresh_timeout":     cfg.API.RefreshTimeout.String(),
			"dataset_upload_path": cfg.API.DatasetUploadPath,
		},
		"storage": map[string]any{
			"path":    cfg.Storage.Path,
			"no_sync": cfg.Storage.NoSync,
		},
		"connectivity": map[string]any{
			"state_file":     cfg.Connectivity.StateFile,
			"initial_online": cfg.Connectivity.InitialOnline,
		},
		"logging": map[string]any{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
		},
		"metrics": map[string]any{
			"prometheus":     cfg.Metrics.Prometheus,
			"otlp_endpoint":  cfg.Metrics.OTLPEndpoint,
			"flush_interval": cfg.Metrics.FlushInterval.String(),
		},
	}
}
