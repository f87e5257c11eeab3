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

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tempovec/internal/config"
	"github.com/fyrsmithlabs/tempovec/internal/logging"
	"github.com/fyrsmithlabs/tempovec/internal/telemetry"
	"github.com/fyrsmithlabs/tempovec/pkg/server"
	"github.com/fyrsmithlabs/tempovec/pkg/store"
)

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tcfg := telemetry.NewDefaultConfig()
	tcfg.Enabled = cfg.Observability.EnableTelemetry
	tcfg.ServiceName = cfg.Observability.ServiceName
	tcfg.ServiceVersion = version
	tel, err := telemetry.New(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), tcfg.Shutdown.Timeout.Duration())
		defer done()
		_ = tel.Shutdown(shutdownCtx)
	}()

	lcfg := logging.NewDefaultConfig()
	lcfg.Output.OTEL = tcfg.Enabled
	logger, err := logging.NewLogger(lcfg, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info(ctx, "starting tempovec",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Int("dimensions", cfg.Store.Dimensions),
		zap.String("metric", cfg.Store.Metric))

	st, err := openStore(cfg.Store, logger, tel)
	if err != nil {
		return err
	}

	maintainer := store.NewMaintainer(st, cfg.Maintenance, logger)
	ticker := time.NewTicker(cfg.Maintenance.Interval.Duration())
	defer ticker.Stop()
	go maintainer.Run(ctx, ticker.C)

	srv, err := server.NewServer(st, logger, cfg.Server)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}
	srv.Echo().GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown", zap.Error(err))
	}

	if snapshotPath != "" {
		if err := writeSnapshot(st, snapshotPath); err != nil {
			logger.Error(shutdownCtx, "snapshot write failed", zap.Error(err))
			return err
		}
		logger.Info(shutdownCtx, "snapshot written",
			zap.String("path", snapshotPath), zap.Int("records", st.Len()))
	}
	return nil
}

// openStore restores from the snapshot file when one is configured and
// present, otherwise opens an empty store.
func openStore(cfg config.StoreConfig, logger *logging.Logger, tel *telemetry.Telemetry) (*store.Store, error) {
	opts := []store.Option{store.WithLogger(logger), store.WithTelemetry(tel)}

	if snapshotPath != "" {
		f, err := os.Open(snapshotPath)
		switch {
		case err == nil:
			defer f.Close()
			st, err := store.Restore(f, cfg, opts...)
			if err != nil {
				return nil, fmt.Errorf("restore snapshot %s: %w", snapshotPath, err)
			}
			logger.Info(context.Background(), "snapshot restored",
				zap.String("path", snapshotPath), zap.Int("records", st.Len()))
			return st, nil
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("open snapshot %s: %w", snapshotPath, err)
		}
	}

	st, err := store.Open(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// writeSnapshot writes atomically via a temp file and rename.
func writeSnapshot(st *store.Store, path string) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if err := st.Snapshot(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}
