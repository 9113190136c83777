// Package daemon wires the service together: registry, cooldown matrix,
// dispatcher, validator, queue, scheduler, and the admission API. One
// daemon owns a data directory at a time, enforced with a file lock.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/steamvet/steamvet/internal/api"
	"github.com/steamvet/steamvet/internal/config"
	"github.com/steamvet/steamvet/internal/cooldown"
	"github.com/steamvet/steamvet/internal/dispatch"
	"github.com/steamvet/steamvet/internal/ingest"
	"github.com/steamvet/steamvet/internal/queue"
	"github.com/steamvet/steamvet/internal/registry"
	"github.com/steamvet/steamvet/internal/scheduler"
	"github.com/steamvet/steamvet/internal/validate"
)

const shutdownGrace = 10 * time.Second

// Run starts the full service and blocks until SIGINT/SIGTERM.
func Run(cfg *config.Config) error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if cfg.SteamAPIKey == "" {
		return errors.New("STEAM_API_KEY is required (env or steamvet.toml steam_api_key)")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	// One daemon per data dir. Prevents the race where two concurrent
	// starts both pass a stat-based check before either writes state.
	fileLock := flock.New(filepath.Join(cfg.DataDir, "steamvet.lock"))
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring daemon lock: %w", err)
	}
	if !locked {
		return errors.New("steamvet already running (lock held by another process)")
	}
	defer func() { _ = fileLock.Unlock() }()

	reg, err := registry.Load(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("loading connection registry: %w", err)
	}

	cds, err := cooldown.Open(cfg.DataDir, reg.Connections(), cfg.CooldownConfig())
	if err != nil {
		return fmt.Errorf("opening cooldown store: %w", err)
	}

	disp := dispatch.New(reg, cds)
	validator := validate.New(disp, cfg.SteamAPIKey)
	q := queue.Open(cfg.DataDir)

	var ing scheduler.Ingester
	if cfg.IngestURL != "" {
		ing = ingest.New(cfg.IngestURL, cfg.IngestToken)
	} else {
		slog.Warn("no ingest_url configured, accepted profiles are only logged")
		ing = logIngester{}
	}

	sched, err := scheduler.New(q, validator, cds, ing)
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}

	router := api.NewRouter(&api.Server{
		Registry:    reg,
		Cooldowns:   cds,
		Queue:       q,
		CORSOrigins: cfg.CORSOrigins,
	})
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("admission API listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("steamvet started",
		"pid", os.Getpid(),
		"data_dir", cfg.DataDir,
		"proxies", reg.ProxyCount(),
	)

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		sched.Stop()
		return fmt.Errorf("admission API: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}

	sched.Stop()
	slog.Info("steamvet stopped")
	return nil
}

// logIngester stands in when no downstream is configured: fully passed
// profiles are logged and dropped.
type logIngester struct{}

func (logIngester) Submit(_ context.Context, steamID, username string) ingest.Result {
	slog.Info("profile passed all checks", "steam_id", steamID, "username", username)
	return ingest.Result{Disposition: ingest.Accepted, StatusCode: http.StatusOK}
}
