package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/yairfalse/secmon/internal/sinks"
	"github.com/yairfalse/secmon/internal/telemetry"
	"go.uber.org/zap"
)

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run detection cycles until stopped",
		Long: `Run the monitor in the foreground. A baseline of the dispatch table is
captured at start and every cycle is compared against it.

Signals:
  SIGHUP   re-capture the dispatch table baseline
  SIGUSR1  run a cycle now
  SIGINT, SIGTERM  stop`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(cmd.Context())
		},
	}
}

func runMonitor(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var provider *telemetry.Provider
	if cfg.Telemetry.Enabled {
		provider, err = telemetry.NewProvider(ctx, logger, cfg.Telemetry, getVersion())
		if err != nil {
			return err
		}
		if _, err := provider.Serve(); err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(sctx); err != nil {
				logger.Warn("Telemetry shutdown failed", zap.Error(err))
			}
		}()
	}

	m, err := buildMonitor(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build monitor: %w", err)
	}
	defer func() {
		if err := m.sink.Close(); err != nil {
			logger.Warn("Failed to close sinks", zap.Error(err))
		}
	}()

	if provider != nil {
		provider.Health().Register("scheduler", m.scheduler)
		if m.crossview != nil {
			provider.Health().Register("crossview", m.crossview)
		}
		if q, ok := m.sink.(*sinks.QueueSink); ok {
			provider.Health().Register("alert_queue", q)
		}
	}

	if err := m.scheduler.Start(ctx); err != nil {
		return err
	}
	logger.Info("secmon running", zap.String("version", getVersion()))

	control := make(chan os.Signal, 4)
	notifyControl(control)
	defer signal.Stop(control)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down")
			if err := m.scheduler.Stop(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case sig := <-control:
			handleControl(ctx, m, logger, sig)
		}
	}
}

func handleControl(ctx context.Context, m *monitor, logger *zap.Logger, sig os.Signal) {
	switch controlFor(sig) {
	case controlRebaseline:
		logger.Info("Re-baselining dispatch table on request")
		if err := m.scheduler.Rebaseline(ctx); err != nil {
			logger.Error("Re-baseline failed", zap.Error(err))
		}
	case controlTrigger:
		logger.Info("Running cycle on request")
		m.scheduler.Trigger()
	}
}
