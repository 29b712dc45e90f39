// Command offline-cache sits between a web app and its origin, serving the
// app shell and api reads from a local cache and queueing api writes while
// the origin is unreachable.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/offline-cache/config"
	"github.com/wolfeidau/offline-cache/logging"
	"github.com/wolfeidau/offline-cache/store/localdb"
)

var version = "dev"

// CLI is the command line surface. Flags override the matching config keys.
type CLI struct {
	Config    string `short:"c" help:"YAML config file." type:"path" env:"OFFLINE_CACHE_CONFIG"`
	LogLevel  string `help:"Override logging.level (debug, info, warn, error)."`
	LogFormat string `help:"Override logging.format (text, json, tint)."`
	Storage   string `help:"Override storage.path." type:"path"`

	Serve ServeCmd `cmd:"" default:"withargs" help:"Run the offline cache proxy."`
	Queue QueueCmd `cmd:"" help:"Inspect the offline write queue."`
	Cache CacheCmd `cmd:"" help:"Inspect or purge the response cache."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

// runtime is what every command receives once config is loaded.
type runtime struct {
	cfg    config.Config
	logger *slog.Logger
}

func (c *CLI) load(ctx context.Context) (*runtime, error) {
	cfg, err := config.NewLoader(config.EnvPrefix, c.Config).Load(ctx)
	if err != nil {
		return nil, err
	}
	if c.LogLevel != "" {
		cfg.Logging.Level = c.LogLevel
	}
	if c.LogFormat != "" {
		cfg.Logging.Format = c.LogFormat
	}
	if c.Storage != "" {
		cfg.Storage.Path = c.Storage
	}

	logger, err := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	return &runtime{cfg: cfg, logger: logger}, nil
}

// openDB opens the shared local database.
func (rt *runtime) openDB() (*localdb.DB, error) {
	db := localdb.New(
		localdb.WithLogger(logging.Component(rt.logger, "localdb")),
		localdb.WithNoSync(rt.cfg.Storage.NoSync),
	)
	if err := db.Open(rt.cfg.Storage.Path); err != nil {
		return nil, err
	}
	return db, nil
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("offline-cache"),
		kong.Description("Offline-first cache and write queue in front of a web app origin."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	ctx := context.Background()
	rt, err := cli.load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if err := kctx.Run(rt); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
