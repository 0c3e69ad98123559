package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/actual-software/relink/internal/config"
	"github.com/actual-software/relink/internal/logging"
	"github.com/actual-software/relink/internal/metrics"
	"github.com/actual-software/relink/pkg/connection"
	"github.com/actual-software/relink/pkg/transport/ws"
)

const shutdownGrace = 10 * time.Second

// app wires configuration, logging, the connection manager, metrics, and
// the stdio bridge into one daemon lifecycle.
type app struct {
	cmd     *cobra.Command
	cfg     *config.Config
	logger  *zap.Logger
	manager *connection.Manager

	ctx    context.Context
	cancel context.CancelFunc

	background sync.WaitGroup
}

func newApp(cmd *cobra.Command) *app {
	return &app{cmd: cmd}
}

// run executes the daemon lifecycle end to end.
func (a *app) run() error {
	if err := a.loadConfig(); err != nil {
		return err
	}

	if err := a.initLogging(); err != nil {
		return err
	}

	defer func() {
		// Sync errors on terminal outputs are routine; nothing to do.
		_ = a.logger.Sync()
	}()

	a.setupSignals()
	defer a.cancel()

	a.createManager()
	a.startMetrics()
	a.openChannels()

	return a.serve()
}

// loadConfig loads the daemon configuration.
func (a *app) loadConfig() error {
	path, err := a.cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}

	a.cfg, err = config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	return nil
}

// initLogging sets up the logger with proper precedence.
func (a *app) initLogging() error {
	quiet, err := a.cmd.Flags().GetBool("quiet")
	if err != nil {
		return fmt.Errorf("failed to get quiet flag: %w", err)
	}

	level, err := a.cmd.Flags().GetString("log-level")
	if err != nil {
		return fmt.Errorf("failed to get log-level flag: %w", err)
	}

	// The config file's level applies unless the flag was set explicitly.
	if !a.cmd.Flags().Changed("log-level") {
		level = a.cfg.Logging.Level
	}

	a.logger, err = logging.New(level, quiet, &a.cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	return nil
}

// setupSignals creates the application context and signal handling.
func (a *app) setupSignals() {
	a.ctx, a.cancel = context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		a.logger.Info("received shutdown signal")
		a.cancel()
	}()
}

func (a *app) createManager() {
	dialer := ws.NewDialer(a.cfg.GetSocketConfig(), a.logger)
	a.manager = connection.NewManager(a.cfg.GetManagerConfig(), dialer, a.logger)
}

// startMetrics launches the stats collector and the scrape endpoint when
// metrics are enabled.
func (a *app) startMetrics() {
	if !a.cfg.Metrics.Enabled || a.cfg.Metrics.Endpoint == "" {
		return
	}

	registry := metrics.NewRegistry()
	collector := metrics.NewCollector(a.manager, registry, a.cfg.Metrics.PollInterval, a.logger)
	server := metrics.NewServer(a.cfg.Metrics, registry, a.manager, a.logger)

	a.background.Add(1)

	go func() {
		defer a.background.Done()

		collector.Run(a.ctx)
	}()

	a.background.Add(1)

	go func() {
		defer a.background.Done()

		if err := server.Start(a.ctx); err != nil {
			a.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}

// openChannels dials the channels named in the configuration. Failures are
// logged, not fatal: the peer may come up later and a connect command over
// the bridge can retry.
func (a *app) openChannels() {
	for i := range a.cfg.Channels {
		channel := a.cfg.Channels[i]

		a.background.Add(1)

		go func() {
			defer a.background.Done()

			opts, err := channel.GetConnectOptions()
			if err != nil {
				a.logger.Error("invalid channel configuration",
					zap.String("service", channel.Service),
					zap.Error(err))

				return
			}

			id, err := a.manager.Connect(a.ctx, opts)
			if err != nil {
				a.logger.Error("failed to open configured channel",
					zap.String("service", channel.Service),
					zap.String("endpoint", channel.Endpoint),
					zap.Error(err))

				return
			}

			a.logger.Info("channel open",
				zap.String("service", channel.Service),
				zap.String("connection_id", id))
		}()
	}
}

// serve runs the stdio bridge until stdin closes or a signal arrives, then
// tears everything down.
func (a *app) serve() error {
	a.logger.Info("starting relinkd",
		zap.String("version", Version),
		zap.Int("channels", len(a.cfg.Channels)))

	bridge := NewBridge(a.manager, os.Stdin, os.Stdout, a.logger)
	err := bridge.Run(a.ctx)

	a.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if closeErr := a.manager.Close(shutdownCtx); closeErr != nil {
		a.logger.Warn("connections did not all close cleanly", zap.Error(closeErr))
	}

	a.background.Wait()
	a.logger.Info("relinkd shutdown complete")

	return err
}
