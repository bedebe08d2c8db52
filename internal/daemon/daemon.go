// Package daemon serves issue actors, WebFinger and the instance key over
// HTTP.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forgeflux/fedbridge/internal/config"
	"github.com/forgeflux/fedbridge/internal/engine"
	"github.com/forgeflux/fedbridge/internal/federation"
	"github.com/forgeflux/fedbridge/internal/keys"
	"github.com/forgeflux/fedbridge/internal/store"
)

// Daemon manages the HTTP server and its dependencies.
type Daemon struct {
	cfg       *config.Config
	store     store.Store
	tracker   *engine.Tracker
	inst      federation.Instance
	key       *keys.KeyPair
	log       *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a Daemon, opening the SQLite store and loading (or creating)
// the instance keypair.
func New(cfg *config.Config, log *slog.Logger) (*Daemon, error) {
	if err := config.EnsureDataDir(cfg); err != nil {
		return nil, fmt.Errorf("ensure data dir: %w", err)
	}

	key, err := keys.LoadOrCreate(cfg.Federation.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("instance key: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	d := NewWithStore(cfg, s, key, log)
	d.server.ReadTimeout = 10 * time.Second
	d.server.WriteTimeout = 30 * time.Second
	d.server.IdleTimeout = 60 * time.Second
	return d, nil
}

// NewWithStore creates a Daemon with an injected store and instance key
// (useful for testing). A nil logger means slog.Default().
func NewWithStore(cfg *config.Config, s store.Store, key *keys.KeyPair, log *slog.Logger) *Daemon {
	if log == nil {
		log = slog.Default()
	}

	inst := InstanceFromConfig(cfg)
	d := &Daemon{
		cfg:   cfg,
		store: s,
		tracker: engine.New(s, nil, engine.Options{
			BaseURL:                    inst.BaseURL,
			ReopenUnmergesPullRequests: cfg.Federation.ReopenUnmergesPullRequests,
			Logger:                     log,
		}),
		inst: inst,
		key:  key,
		log:  log,
	}

	mux := d.registerRoutes()
	handler := d.applyMiddleware(mux)

	d.server = &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: handler,
	}

	return d
}

// InstanceFromConfig derives the federation identity of this bridge. An
// empty domain falls back to the host of the base URL.
func InstanceFromConfig(cfg *config.Config) federation.Instance {
	domain := cfg.Federation.Domain
	if domain == "" {
		domain = federation.DomainFromBaseURL(cfg.Federation.BaseURL)
	}
	return federation.Instance{BaseURL: cfg.Federation.BaseURL, Domain: domain}
}

// Handler returns the HTTP handler (used for testing with httptest).
func (d *Daemon) Handler() http.Handler {
	return d.server.Handler
}

// Run starts the HTTP server and blocks until a SIGINT or SIGTERM is received
// or the provided context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	d.startedAt = time.Now()

	// Bind the port first so we fail fast on EADDRINUSE.
	ln, err := net.Listen("tcp", d.cfg.Server.ListenAddr)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && errors.Is(opErr.Err, syscall.EADDRINUSE) {
			return fmt.Errorf("port %s already in use", d.cfg.Server.ListenAddr)
		}
		return fmt.Errorf("listen: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		d.log.Info("fedbridge listening", "addr", ln.Addr().String(), "base_url", d.inst.BaseURL, "domain", d.inst.Domain)
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		d.log.Info("context cancelled, shutting down...")
	case sig := <-sigCh:
		d.log.Info("received signal, shutting down...", "signal", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	return d.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the HTTP server and closes the store.
func (d *Daemon) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var firstErr error

	if err := d.server.Shutdown(shutdownCtx); err != nil {
		firstErr = fmt.Errorf("server shutdown: %w", err)
	}

	if err := d.store.Close(); err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("store close: %w", err)
		}
	}

	return firstErr
}
