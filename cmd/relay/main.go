package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/osaurus-ai/osaurus-relay/internal/config"
	ilog "github.com/osaurus-ai/osaurus-relay/internal/log"
	"github.com/osaurus-ai/osaurus-relay/internal/multiplex"
	"github.com/osaurus-ai/osaurus-relay/internal/ratelimit"
	"github.com/osaurus-ai/osaurus-relay/internal/registry"
	"github.com/osaurus-ai/osaurus-relay/internal/router"
	"github.com/osaurus-ai/osaurus-relay/internal/tunnel"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run parses configuration, wires the process-wide singletons per spec.md
// §9 ("initialised exactly once at process start"), and serves until a
// SIGINT/SIGTERM triggers a bounded graceful shutdown. Grounded on the
// teacher's cli.Run/Server.Run pair, trimmed to the single command this
// relay needs: there is no client, no sqlite store, no TLS termination
// (left as a named external collaborator per spec.md §1).
func run(args []string) int {
	cfg, err := config.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 2
	}

	logger := ilog.New(cfg.LogLevel)

	reg := registry.New()
	limiters := router.Limiters{
		Connect: ratelimit.New(cfg.ConnectLimitCapacity, cfg.ConnectLimitWindow),
		Request: ratelimit.New(cfg.RequestLimitCapacity, cfg.RequestLimitWindow),
		Stats:   ratelimit.New(cfg.StatsLimitCapacity, cfg.StatsLimitWindow),
	}
	mux := multiplex.New(reg, multiplex.Config{MaxBodyBytes: cfg.MaxBodyBytes})
	tunnelCfg := tunnel.Config{
		BaseDomain:         cfg.BaseDomain,
		AuthTimeout:        cfg.AuthTimeout,
		MaxAgentsPerTunnel: cfg.MaxAgentsPerTunnel,
		NonceExpiry:        cfg.NonceExpiry,
		AuthSkew:           cfg.AuthSkew,
		KeepaliveInterval:  cfg.KeepaliveInterval,
		MaxMissedPings:     cfg.MaxMissedPings,
		MaxBodyBytes:       cfg.MaxBodyBytes,
		RequestTimeout:     cfg.RequestTimeout,
		StreamIdleTimeout:  cfg.StreamIdleTimeout,
	}
	handler := router.New(router.Config{BaseDomain: cfg.BaseDomain}, limiters, reg, mux, tunnelCfg, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go runLimiterJanitor(ctx, cfg.LimiterCleanupEvery, limiters)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting relay", "addr", cfg.Addr, "base_domain", cfg.BaseDomain)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("relay: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		if err := shutdownServer(srv, 10*time.Second); err != nil {
			logger.Error("shutdown error", "err", err)
			return 1
		}
		return 0
	case err := <-errCh:
		logger.Error("relay error", "err", err)
		_ = shutdownServer(srv, 5*time.Second)
		return 1
	}
}

// runLimiterJanitor periodically evicts idle rate-limiter buckets, mirroring
// the teacher's background janitor goroutine pattern.
func runLimiterJanitor(ctx context.Context, every time.Duration, limiters router.Limiters) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiters.Connect.Cleanup()
			limiters.Request.Cleanup()
			limiters.Stats.Cleanup()
		}
	}
}

func shutdownServer(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
