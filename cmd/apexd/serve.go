// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kadirpekel/apex/internal/capacity"
	"github.com/kadirpekel/apex/internal/daemon"
	"github.com/kadirpekel/apex/internal/daemonsched"
	"github.com/kadirpekel/apex/internal/eventbus"
	"github.com/kadirpekel/apex/internal/health"
	"github.com/kadirpekel/apex/internal/metrics"
	"github.com/kadirpekel/apex/internal/orchestrator"
	"github.com/kadirpekel/apex/internal/store"
	"github.com/kadirpekel/apex/internal/usage"
	"github.com/kadirpekel/apex/internal/workspace"
	"github.com/kadirpekel/apex/pkg/config"
	"github.com/kadirpekel/apex/pkg/logger"
)

// ServeCmd starts the daemon.
type ServeCmd struct {
	AgentBinary  string        `name:"agent-binary" help:"External binary invoked once per task stage. Empty makes every stage a no-op success."`
	AgentTimeout time.Duration `name:"agent-timeout" help:"Timeout for a single agent-binary invocation." default:"5m"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	_ = config.LoadEnvFiles()

	cfg, loader, err := config.LoadConfigFile(ctx, cli.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer loader.Close()

	logLevelStr := firstNonEmpty(cli.LogLevel, os.Getenv("LOG_LEVEL"), cfg.Logger.Level, "info")
	logFormat := firstNonEmpty(cli.LogFormat, os.Getenv("LOG_FORMAT"), cfg.Logger.Format, "simple")
	level, logLevel := resolveLogLevel(logLevelStr)
	logger.Init(level, os.Stderr, logFormat)
	consoleLogger := logger.GetLogger()
	consoleLogger.Info("starting apex daemon", "config", cli.Config, "log_level", logLevel)

	logFilePath := firstNonEmpty(cli.LogFile, os.Getenv("LOG_FILE"), cfg.Logger.File, cfg.Daemon.LogFile)
	var daemonLogger *slog.Logger
	if logFilePath != "" {
		f, cleanup, err := logger.OpenLogFile(logFilePath)
		if err != nil {
			return fmt.Errorf("open daemon log file: %w", err)
		}
		defer cleanup()
		daemonLogger = logger.NewDaemonFileLogger(f, level)
	} else {
		daemonLogger = consoleLogger
	}

	dbPool := config.NewDBPool()
	defer dbPool.Close()

	st, err := store.Open(ctx, dbPool, &cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	bus := eventbus.New(daemonLogger)
	usageMgr := usage.New(cfg.Usage, daemonLogger)

	var workspaceProvider workspace.Provider
	switch cfg.Workspace.Strategy {
	case "container":
		workspaceProvider = workspace.NewContainerProvider(cfg)
	default:
		workspaceProvider = workspace.NewWorktreeProvider(cfg)
	}

	vcs := orchestrator.NewVCS(cfg.Git)
	agent := daemon.NewExecAgent(c.AgentBinary, c.AgentTimeout)
	orch := orchestrator.New(st, workspaceProvider, usageMgr, bus, agent, vcs, *cfg, daemonLogger)

	scheduler := daemonsched.New(cfg.Usage.TimeBasedUsage, usageMgr)
	capacityMonitor := capacity.New(usageMgr,
		func(now time.Time) float64 { return scheduler.CapacityInfo(scheduler.CurrentTimeWindow(now), now).Threshold },
		func(now time.Time) string { return string(scheduler.CurrentTimeWindow(now).Mode) },
		bus, daemonLogger)

	healthMonitor := health.New(cfg.Daemon.MaxRestartHistorySize)
	metricsCollector := metrics.New("apex")

	runner := daemon.New(cfg.Daemon, daemon.Options{
		Store:        st,
		Orchestrator: orch,
		Bus:          bus,
		Usage:        capacityMonitor,
		Scheduler:    scheduler,
		Health:       healthMonitor,
		Metrics:      metricsCollector,
		Logger:       daemonLogger,
	})

	var statusServer *http.Server
	if cfg.Daemon.StatusAddr != "" {
		statusServer = &http.Server{
			Addr:    cfg.Daemon.StatusAddr,
			Handler: daemon.NewStatusHandler(healthMonitor, st, metricsCollector),
		}
		go func() {
			consoleLogger.Info("status endpoint listening", "addr", cfg.Daemon.StatusAddr)
			if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				consoleLogger.Error("status server failed", "error", err)
			}
		}()
	}

	go func() {
		<-sigCh
		consoleLogger.Info("shutdown signal received")
		cancel()
	}()

	runErr := runner.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Daemon.ShutdownDeadline)
	defer shutdownCancel()
	drainTicker := time.NewTicker(200 * time.Millisecond)
	defer drainTicker.Stop()
drain:
	for runner.ActiveTasks() > 0 {
		select {
		case <-shutdownCtx.Done():
			consoleLogger.Warn("shutdown deadline exceeded with tasks still active", "active_tasks", runner.ActiveTasks())
			break drain
		case <-drainTicker.C:
		}
	}

	if statusServer != nil {
		_ = statusServer.Shutdown(shutdownCtx)
	}

	return runErr
}

func resolveLogLevel(levelStr string) (slog.Level, string) {
	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		return slog.LevelInfo, "info"
	}
	return level, levelStr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
