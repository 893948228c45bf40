// Package daemon exposes the bridge over HTTP: an ingest endpoint for
// message-received events and status/health endpoints.
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

	"github.com/jmaddaus/issuebridge/internal/bridge"
	"github.com/jmaddaus/issuebridge/internal/config"
)

// Daemon manages the HTTP server and its dependencies.
type Daemon struct {
	cfg       *config.Config
	bridge    *bridge.Bridge
	server    *http.Server
	startedAt time.Time
}

// New creates a Daemon serving the given bridge.
func New(cfg *config.Config, b *bridge.Bridge) *Daemon {
	d := &Daemon{
		cfg:    cfg,
		bridge: b,
	}

	d.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      d.registerRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return d
}

// Handler returns the HTTP handler (used for testing with httptest).
func (d *Daemon) Handler() http.Handler {
	return d.server.Handler
}

// Run starts the HTTP server and blocks until a SIGINT or SIGTERM is
// received or the provided context is cancelled. It uses split Listen/Serve
// so binding failures surface before anything else starts.
func (d *Daemon) Run(ctx context.Context) error {
	d.startedAt = time.Now()

	ln, err := net.Listen("tcp", d.cfg.ListenAddr)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && errors.Is(opErr.Err, syscall.EADDRINUSE) {
			return fmt.Errorf("port %s already in use; is another bridge running?", d.cfg.ListenAddr)
		}
		return fmt.Errorf("listen: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("issuebridge listening", "addr", d.cfg.ListenAddr)
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down...")
	case sig := <-sigCh:
		slog.Info("received signal, shutting down...", "signal", sig)
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	}

	// Workers drain on every exit path, including a server error: events
	// mid-sequence finish their current phase before the process ends.
	if err := d.Shutdown(context.Background()); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// Shutdown gracefully stops the HTTP server, then the bridge workers. The
// durable ledger makes this safe mid-sequence: whatever phase an entry was
// in is its resumption point on next startup.
func (d *Daemon) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var firstErr error
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		firstErr = fmt.Errorf("server shutdown: %w", err)
	}

	d.bridge.Stop()
	return firstErr
}
