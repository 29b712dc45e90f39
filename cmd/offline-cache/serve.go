package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfeidau/offline-cache/connectivity"
	"github.com/wolfeidau/offline-cache/credentials"
	"github.com/wolfeidau/offline-cache/credentials/opprovider"
	"github.com/wolfeidau/offline-cache/intercept"
	"github.com/wolfeidau/offline-cache/logging"
	"github.com/wolfeidau/offline-cache/server"
	"github.com/wolfeidau/offline-cache/store/cachestore"
	"github.com/wolfeidau/offline-cache/store/queue"
	"github.com/wolfeidau/offline-cache/telemetry"
	"github.com/wolfeidau/offline-cache/upstream"
)

// ServeCmd runs the proxy.
type ServeCmd struct {
	Address   string `help:"Override server.address."`
	Origin    string `help:"Override origin.url."`
	StateFile string `help:"Override connectivity.state_file." type:"path"`
	Offline   bool   `help:"Start in the offline state."`
}

func (c *ServeCmd) Run(rt *runtime) error {
	cfg := rt.cfg
	if c.Address != "" {
		cfg.Server.Address = c.Address
	}
	if c.Origin != "" {
		cfg.Origin.URL = c.Origin
	}
	if c.StateFile != "" {
		cfg.Connectivity.StateFile = c.StateFile
	}
	if c.Offline {
		cfg.Connectivity.InitialOnline = false
	}
	logger := rt.logger

	// Handle shutdown signals
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "offline-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     cfg.Metrics.OTLPEndpoint,
		EnablePrometheus: cfg.Metrics.Prometheus,
		FlushInterval:    cfg.Metrics.FlushInterval,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown", "error", err)
		}
	}()

	db, err := rt.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	cache, err := cachestore.New(db.Bolt(),
		cachestore.WithLogger(logging.Component(logger, "cache")),
		cachestore.WithMaxBytes(cfg.Cache.MaxBytes),
	)
	if err != nil {
		return fmt.Errorf("opening cache store: %w", err)
	}
	defer cache.Close()

	purged, err := cache.PurgeGenerationsExcept(ctx, cfg.Cache.Version)
	if err != nil {
		return fmt.Errorf("purging old cache generations: %w", err)
	}
	stats, err := cache.Stats(ctx)
	if err != nil {
		return fmt.Errorf("reading cache stats: %w", err)
	}
	installed := stats.Generations[cfg.Cache.Version] == 0
	logger.Info("cache generation", "version", cfg.Cache.Version, "purged", purged, "entries", stats.Entries)

	q, err := queue.New(db.Bolt(), queue.WithLogger(logging.Component(logger, "queue")))
	if err != nil {
		return fmt.Errorf("opening offline queue: %w", err)
	}

	creds, err := loadCredentials(ctx, cfg.Server.CredentialsFile, logger)
	if err != nil {
		return err
	}
	if creds.AdminToken != "" {
		cfg.Server.AdminToken = creds.AdminToken
	}

	origin, err := upstream.New(cfg.Origin.URL,
		upstream.WithTimeout(cfg.Origin.Timeout),
		upstream.WithHeaders(creds.OriginHeaders()),
		upstream.WithLogger(logging.Component(logger, "upstream")),
	)
	if err != nil {
		return err
	}

	hub := connectivity.NewHub(connectivity.WithHubLogger(logging.Component(logger, "hub")))
	reconciler := connectivity.New(q, intercept.NewReplayer(origin), hub,
		connectivity.WithLogger(logging.Component(logger, "connectivity")),
		connectivity.WithInitialState(cfg.Connectivity.InitialOnline),
	)
	defer reconciler.Close()

	signals := make(chan connectivity.Signal, 4)
	go func() {
		if err := reconciler.Run(ctx, signals); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("connectivity loop stopped", "error", err)
		}
	}()

	if cfg.Connectivity.StateFile != "" {
		source, err := connectivity.WatchFile(ctx, cfg.Connectivity.StateFile, signals, logging.Component(logger, "statefile"))
		if err != nil {
			return fmt.Errorf("watching connectivity state file: %w", err)
		}
		defer source.Stop()
	}

	ic := intercept.New(cfg.Cache.Version, cache, q, origin, reconciler,
		intercept.WithLogger(logging.Component(logger, "intercept")),
		intercept.WithAPIPrefix(cfg.API.Prefix),
		intercept.WithAPITimeout(cfg.API.Timeout),
		intercept.WithRefreshTimeout(cfg.API.RefreshTimeout),
		intercept.WithDatasetUploadPath(cfg.API.DatasetUploadPath),
	)
	defer ic.Close()

	if installed && len(cfg.Cache.Precache) > 0 && reconciler.Online() {
		ic.StartPrecache(cfg.Cache.Precache)
	}

	srv, err := server.New(server.Config{
		Address:      cfg.Server.Address,
		AdminToken:   cfg.Server.AdminToken,
		Handler:      ic,
		Cache:        cache,
		Queue:        q,
		Connectivity: reconciler,
		Hub:          hub,
		Signals:      signals,
		Logger:       logging.Component(logger, "server"),
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"origin", cfg.Origin.URL,
		"online", reconciler.Online(),
	)

	// Wait for shutdown or error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// loadCredentials renders the credentials template, if one is configured.
func loadCredentials(ctx context.Context, path string, logger *slog.Logger) (*credentials.Credentials, error) {
	if path == "" {
		return &credentials.Credentials{}, nil
	}
	resolver := credentials.NewResolver(
		credentials.WithLogger(logging.Component(logger, "credentials")),
		opprovider.WithOnePassword(),
	)
	creds, err := resolver.ResolveFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("resolving credentials: %w", err)
	}
	logger.Info("credentials loaded", "path", path, "origin_headers", len(creds.OriginHeaders()))
	return creds, nil
}
