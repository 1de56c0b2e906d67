package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/instant-demo/vbrowser-pool/internal/api"
	"github.com/instant-demo/vbrowser-pool/internal/metrics"
	"github.com/instant-demo/vbrowser-pool/internal/pool"
	"github.com/instant-demo/vbrowser-pool/internal/telemetry"
	"github.com/instant-demo/vbrowser-pool/pkg/logging"
)

const gaugeInterval = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pool control loops and the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := appConfig

	shutdownTracing, err := telemetry.Setup(&cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("Failed to flush traces", "error", err)
		}
	}()

	a, err := newApp(cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to pool store: %w", err)
	}

	names := make([]string, 0, len(a.managers))
	for _, m := range a.managers {
		names = append(names, m.Name())
	}
	logger.Info("Starting vbrowser pool", "pools", names, "store", cfg.Store.Backend)

	runners := make([]*pool.Runner, 0, len(a.managers))
	for _, m := range a.managers {
		runners = append(runners, m.Start(ctx))
	}
	defer func() {
		for _, r := range runners {
			r.Stop()
		}
		logger.Info("Pool loops stopped")
	}()

	gaugeCtx, cancelGauge := context.WithCancel(ctx)
	defer cancelGauge()
	go updateGauges(gaugeCtx, a.managers, a.metrics, logger)

	pools := make([]api.Pool, 0, len(a.managers))
	for _, m := range a.managers {
		pools = append(pools, m)
	}
	handler := api.NewHandler(cfg, pools, a.store, a.metrics, logger)
	defer handler.Wait()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var serveErr error
	select {
	case sig := <-sigCh:
		logger.Info("Received signal, shutting down", "signal", sig)
	case err := <-serverErrCh:
		logger.Error("Server failed, initiating shutdown", "error", err)
		serveErr = err
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	logger.Info("Server stopped")

	return serveErr
}

// updateGauges mirrors each pool's queue lengths into the pool gauges until
// ctx is cancelled.
func updateGauges(ctx context.Context, managers []*pool.Manager, m *metrics.Collector, logger *logging.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered from panic in metrics updater",
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshGauges(ctx, managers, m)
		}
	}
}

func refreshGauges(ctx context.Context, managers []*pool.Manager, m *metrics.Collector) {
	for _, mgr := range managers {
		stats, err := mgr.Stats(ctx)
		if err != nil {
			continue
		}
		m.PoolAvailable.WithLabelValues(stats.Pool).Set(float64(stats.Available))
		m.PoolStaging.WithLabelValues(stats.Pool).Set(float64(stats.Staging))
		m.PoolLocked.WithLabelValues(stats.Pool).Set(float64(stats.Locked))
		m.PoolTarget.WithLabelValues(stats.Pool).Set(float64(stats.Target()))
	}
}
