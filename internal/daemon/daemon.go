// Package daemon implements the scriptd daemon lifecycle manager: config
// loading, component wiring, signal handling, and graceful shutdown.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"scriptd/internal/command"
	"scriptd/internal/config"
	"scriptd/internal/environment"
	"scriptd/internal/history"
	logpkg "scriptd/internal/log"
	"scriptd/internal/metrics"
	"scriptd/internal/persistence"
	"scriptd/internal/scheduler"
	"scriptd/internal/stats"
	"scriptd/internal/supervisor"
	"scriptd/internal/task"
)

// Daemon manages the scriptd process lifecycle: task repository, execution
// history, environment manager, supervisor, scheduler, stats, and the
// control plane built on top of them.
type Daemon struct {
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string

	store       *persistence.Store
	repo        *task.Repository
	history     *history.Store
	envs        *environment.InMemoryManager
	supervisor  *supervisor.Supervisor
	scheduler   *scheduler.Scheduler
	stats       *stats.Calculator
	cmdHandler  *command.CommandHandler
	udsServer   *command.UDSServer
	metricsServer *metrics.Server // nil if metrics disabled

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	sigChan      chan os.Signal
}

// New creates a new Daemon instance, loading configuration from configPath.
// socketPath and pidFile override the config file's control.socket and
// control.pid_file when non-empty.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	globalConfig, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if socketPath == "" {
		socketPath = globalConfig.Control.Socket
	}
	if pidFile == "" {
		pidFile = globalConfig.Control.PIDFile
	}

	d := &Daemon{
		config:       globalConfig,
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		shutdownChan: make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	return d, nil
}

// Start initializes and starts all daemon components.
func (d *Daemon) Start() error {
	slog.Info("starting scriptd daemon",
		"version", "0.1.0",
		"config", d.configPath,
		"socket", d.socketPath,
	)

	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	store, err := persistence.New(d.config.DataDir)
	if err != nil {
		return fmt.Errorf("failed to initialize persistence store: %w", err)
	}
	d.store = store

	repo, err := task.NewRepository(store)
	if err != nil {
		return fmt.Errorf("failed to load task repository: %w", err)
	}
	d.repo = repo

	hist, err := history.NewStore(store)
	if err != nil {
		return fmt.Errorf("failed to load execution history: %w", err)
	}
	d.history = hist

	envs, err := environment.NewInMemoryManager(store, repo)
	if err != nil {
		return fmt.Errorf("failed to load environment manager: %w", err)
	}
	d.envs = envs

	d.supervisor = supervisor.New(repo, hist)
	d.scheduler = scheduler.New(repo, hist, d.supervisor, envs)
	d.stats = stats.New(repo, hist)

	if d.config.TaskPersistence.Enabled {
		go d.runBackupPruner()
	}

	go d.scheduler.Run(d.ctx)

	d.cmdHandler = command.NewCommandHandler(repo, hist, envs, d.scheduler, d.supervisor, d.stats, store, d)
	d.cmdHandler.SetShutdownFunc(func() {
		slog.Info("shutdown triggered via daemon_shutdown command")
		close(d.shutdownChan)
	})

	d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler)
	go func() {
		if err := d.udsServer.Start(d.ctx); err != nil && err != context.Canceled {
			slog.Error("uds server failed", "error", err)
		}
	}()

	slog.Info("daemon started successfully")
	return nil
}

// runBackupPruner periodically prunes snapshot backups older than the
// configured task history retention window, following the teacher's
// time.NewTicker/select-on-ctx.Done GC-goroutine pattern.
func (d *Daemon) runBackupPruner() {
	interval, err := time.ParseDuration(d.config.TaskPersistence.GCInterval)
	if err != nil || interval <= 0 {
		slog.Warn("invalid task_persistence.gc_interval, defaulting to 1h",
			"value", d.config.TaskPersistence.GCInterval, "error", err)
		interval = time.Hour
	}
	maxAge := time.Duration(d.config.Scheduler.HistoryRetentionDays) * 24 * time.Hour

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pruned, err := d.store.PruneBackups(time.Now(), maxAge)
			if err != nil {
				slog.Warn("backup pruning failed", "error", err)
				continue
			}
			if len(pruned) > 0 {
				slog.Info("pruned old backups", "count", len(pruned))
			}
		case <-d.ctx.Done():
			return
		}
	}
}

// Stop performs graceful shutdown of all daemon components.
func (d *Daemon) Stop() {
	slog.Info("initiating graceful shutdown")

	if d.udsServer != nil {
		slog.Info("stopping uds server")
		d.udsServer.Stop()
	}

	if d.metricsServer != nil {
		slog.Info("stopping metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
	}

	d.cancel()

	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	logpkg.Flush()

	slog.Info("daemon stopped gracefully")
}

// Run runs the daemon main loop, blocking until shutdown is triggered by:
//  1. OS signals (SIGTERM, SIGINT)
//  2. daemon_shutdown command via UDS
//  3. SIGHUP, which triggers config reload
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil

			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				} else {
					slog.Info("configuration reloaded successfully")
				}
			}

		case <-d.shutdownChan:
			slog.Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			slog.Info("context cancelled", "error", d.ctx.Err())
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload reloads the global configuration.
// Hot-reloadable: log level/format.
// Cold (requires restart): data_dir, control.socket, metrics.listen.
// Other settings, metrics.enabled included, are stored but not re-applied.
// Implements command.ConfigReloader for CommandHandler.
func (d *Daemon) Reload() error {
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	var hotReloaded []string

	oldLevel, oldFormat := d.config.Log.Level, d.config.Log.Format
	oldConfig := d.config
	d.config = newConfig
	if err := d.initLogging(); err != nil {
		slog.Error("failed to reinitialize logging", "error", err)
	} else if newConfig.Log.Level != oldLevel || newConfig.Log.Format != oldFormat {
		hotReloaded = append(hotReloaded, "log")
	}

	var requiresRestart []string
	if newConfig.DataDir != oldConfig.DataDir {
		requiresRestart = append(requiresRestart, "data_dir")
	}
	if newConfig.Control.Socket != d.socketPath {
		requiresRestart = append(requiresRestart, "control.socket")
	}
	if newConfig.Metrics.Listen != oldConfig.Metrics.Listen {
		requiresRestart = append(requiresRestart, "metrics.listen")
	}

	slog.Info("configuration reloaded",
		"hot_reloaded", hotReloaded,
		"requires_restart", requiresRestart,
	)

	return nil
}

// TriggerShutdown triggers graceful shutdown from an external caller (e.g.
// the daemon_shutdown command).
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

func (d *Daemon) initLogging() error {
	if err := logpkg.Init(d.config.Log); err != nil {
		return err
	}
	slog.SetDefault(logpkg.Get())
	slog.Debug("logging initialized", "level", d.config.Log.Level, "format", d.config.Log.Format)
	return nil
}

func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	if err := d.metricsServer.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	slog.Info("metrics server started", "addr", d.config.Metrics.Listen, "path", d.config.Metrics.Path)
	return nil
}

func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(d.pidFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}
	slog.Debug("PID file written", "path", d.pidFile, "pid", os.Getpid())
	return nil
}

func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}
	slog.Debug("PID file removed", "path", d.pidFile)
	return nil
}
