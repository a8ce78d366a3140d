package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/stream-session-service/internal/config"
	"github.com/skypro1111/stream-session-service/internal/controller"
	"github.com/skypro1111/stream-session-service/internal/encoder"
	"github.com/skypro1111/stream-session-service/internal/framebus"
	"github.com/skypro1111/stream-session-service/internal/media"
	"github.com/skypro1111/stream-session-service/internal/metrics"
	"github.com/skypro1111/stream-session-service/internal/pool"
	"github.com/skypro1111/stream-session-service/internal/server"
	"github.com/skypro1111/stream-session-service/internal/session"
)

const shutdownTimeout = 10 * time.Second

// runServe wires every component, serves until SIGINT/SIGTERM and shuts down in order:
// listeners, sessions, controller, bus, pools.
func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, closeLog := initLogger(cfg.Logging)
	defer closeLog()

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", Version),
		slog.String("config_path", configPath),
	)
	logger.Info("Configuration loaded",
		slog.Int("tcp_port", cfg.Server.TCPPort),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("max_sessions", cfg.Server.MaxSessions),
		slog.Int("session_workers", cfg.Pools.SessionWorkers),
		slog.Int("control_workers", cfg.Pools.ControlWorkers),
		slog.String("overflow_policy", cfg.Session.OverflowPolicy),
		slog.Duration("heartbeat_timeout", cfg.Session.GetHeartbeatTimeout()),
		slog.String("log_level", cfg.Logging.Level),
	)

	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)

	pools := pool.NewSet(map[string]int{
		pool.Session: cfg.Pools.SessionWorkers,
		pool.Control: cfg.Pools.ControlWorkers,
	}, logger, pool.WithObserver(appMetrics))
	controlPool := pools.MustGet(pool.Control)

	sessionCfg, err := session.ConfigFrom(cfg)
	if err != nil {
		return fmt.Errorf("invalid session configuration: %w", err)
	}

	bus := framebus.NewBus(cfg.Bus.Capacity,
		framebus.WithOverflowPolicy(sessionCfg.OverflowPolicy),
		framebus.WithDropCallback(func(_ *media.EncodedFrame, reason framebus.DropReason) {
			appMetrics.RecordFramesDropped("bus", string(reason), 1)
		}),
	)

	source, err := encoder.NewSynthetic(encoder.SyntheticConfigFrom(cfg.Encoder), bus, controlPool, logger)
	if err != nil {
		return fmt.Errorf("failed to create encoder source: %w", err)
	}

	manager := session.NewManager(logger)

	ctrl, err := controller.New(controller.Config{
		Source:      source,
		Sink:        source,
		Bus:         bus,
		Manager:     manager,
		Workers:     controlPool,
		Logger:      logger,
		Metrics:     appMetrics,
		PollTimeout: cfg.Bus.GetPollTimeout(),
	})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	// the controller outlives the signal so it can process disconnects during shutdown
	if err := ctrl.Start(context.Background()); err != nil {
		return err
	}

	tcpServer := server.NewTCPServer(&cfg.Server, sessionCfg, logger, server.TCPServerDeps{
		Manager:  manager,
		Events:   ctrl.Events(),
		Sessions: pools.MustGet(pool.Session),
		Control:  controlPool,
		Metrics:  appMetrics,
	})
	if err := tcpServer.Start(); err != nil {
		ctrl.Stop()
		return err
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(&cfg.HTTP, logger, cfg, server.HTTPDeps{
			Manager:    manager,
			TCP:        tcpServer,
			Pools:      pools,
			Bus:        bus,
			Controller: ctrl,
			Encoder:    source,
			Metrics:    appMetrics,
		})
		if err := httpServer.Start(); err != nil {
			_ = tcpServer.Stop()
			ctrl.Stop()
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("tcp_address", tcpServer.Addr().String()),
	)

	<-ctx.Done()
	logger.Info("Starting graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}
	if err := tcpServer.Stop(); err != nil {
		logger.Error("Error stopping TCP server", slog.String("error", err.Error()))
	}

	manager.StopAll()
	ctrl.Stop()
	bus.Close()

	if err := pools.Wait(shutdownCtx); err != nil {
		logger.Warn("Workers still running at shutdown", slog.String("error", err.Error()))
	}

	stats := tcpServer.GetStatistics()
	logger.Info("Service stopped",
		slog.Uint64("sessions_accepted", stats.Accepted),
		slog.Uint64("sessions_rejected_busy", stats.RejectedBusy),
	)
	return nil
}
