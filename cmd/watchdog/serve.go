package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/gophpeek/phpeek-watchdog/internal/api"
	"github.com/gophpeek/phpeek-watchdog/internal/audit"
	"github.com/gophpeek/phpeek-watchdog/internal/config"
	"github.com/gophpeek/phpeek-watchdog/internal/control"
	"github.com/gophpeek/phpeek-watchdog/internal/logger"
	"github.com/gophpeek/phpeek-watchdog/internal/metrics"
	"github.com/gophpeek/phpeek-watchdog/internal/process"
	"github.com/gophpeek/phpeek-watchdog/internal/signals"
	"github.com/gophpeek/phpeek-watchdog/internal/tracing"
	"github.com/gophpeek/phpeek-watchdog/internal/watcher"
)

// serveShutdownTimeout bounds the teardown of the HTTP servers and exporters
const serveShutdownTimeout = 10 * time.Second

func newServeCmd(flags *globalFlags) *cobra.Command {
	var (
		dryRun    bool
		watchMode bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the watchdog",
		Long: `Run the watchdog in the foreground.

This is the default mode when no subcommand is specified. It starts the control
plane, autostarts the servers marked autostart, and supervises them until a
shutdown request or a termination signal arrives.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags, serveOptions{dryRun: dryRun, watch: watchMode})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate configuration without starting anything")
	cmd.Flags().BoolVar(&watchMode, "watch", false, "Reload the configuration when the file changes")
	return cmd
}

type serveOptions struct {
	dryRun bool
	watch  bool
}

func runServe(cmd *cobra.Command, flags *globalFlags, opts serveOptions) error {
	cfgPath := getConfigPath(flags)
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		return &process.Error{Kind: process.KindConfiguration, Op: "load config", Err: err}
	}
	applyFlagOverrides(cmd, flags, &cfg.Watchdog)

	log := logger.New(cfg.Watchdog.LogLevel, cfg.Watchdog.LogFormat)
	slog.SetDefault(log)

	report, err := cfg.Review()
	for _, f := range report.Findings {
		if f.Severity == config.SeverityWarning {
			log.Warn("Configuration warning", "field", f.Field, "message", f.Message)
		}
	}
	if err != nil {
		return &process.Error{Kind: process.KindConfiguration, Op: "review config", Err: err}
	}
	if opts.dryRun {
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration %s is valid (%d servers)\n", cfgPath, len(cfg.Servers))
		return nil
	}

	log.Info("PHPeek Watchdog starting",
		"version", version,
		"pid", os.Getpid(),
		"config", cfgPath,
		"servers", len(cfg.Servers),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := tracing.NewProvider(ctx, cfg.Watchdog, version, log)
	if err != nil {
		log.Warn("Tracing disabled", "error", err)
		tp = nil
	}

	auditLogger := audit.NewLogger(log, cfg.Watchdog.AuditEnabled)
	auditLogger.LogConfigLoad(cfgPath, len(cfg.Servers))
	auditLogger.LogSystemStart(version)

	if signals.IsPID1() {
		log.Info("Running as PID 1, orphaned processes will be reaped")
	} else if err := signals.BecomeSubreaper(); err != nil {
		log.Debug("Not a child subreaper", "error", err)
	}

	supOpts := process.OptionsFromConfig(cfg)
	supOpts.OnExit = func(id string, pid int, exit process.ExitClassification) {
		auditLogger.LogServerExit(id, pid, exit.String(), exit.Kind == process.ExitKindNormal)
	}
	launcher := process.NewLauncher(process.NewPrivilegedExec(), log)
	registry := process.NewRegistry(launcher, supOpts, log)

	if cfg.Watchdog.ReapInterval > 0 {
		// supervised children are reaped by their own waiter
		reaper := signals.NewReaper(time.Duration(cfg.Watchdog.ReapInterval)*time.Second, launcher.Owns, log)
		go reaper.Run(ctx)
	}

	service := control.NewService(cfg, registry, auditLogger, log)
	exitCh := make(chan int, 1)
	service.SetExitFunc(func(code int) {
		select {
		case exitCh <- code:
		default:
		}
	})

	var metricsServer *metrics.Server
	if cfg.Watchdog.MetricsEnabledValue() {
		metrics.SetBuildInfo(version, runtime.Version())
		metricsServer = metrics.NewServer(cfg.Watchdog.Address, cfg.Watchdog.MetricsPort, cfg.Watchdog.MetricsPath, log)
		if err := metricsServer.Start(ctx); err != nil {
			log.Error("Failed to start metrics server", "error", err)
			metricsServer = nil
		}
	}

	apiServer, err := api.NewServer(cfg.Watchdog, service, auditLogger, log)
	if err != nil {
		return &process.Error{Kind: process.KindConfiguration, Op: "control plane", Err: err}
	}
	if err := apiServer.Start(ctx); err != nil {
		auditLogger.LogSystemError("api", err.Error())
		return err
	}

	var cfgWatcher *watcher.Watcher
	if opts.watch {
		cfgWatcher, err = watcher.New(watcher.Config{
			ConfigPath: cfgPath,
			Handler:    func() error { return service.Reload(cfgPath) },
			Logger:     log,
		})
		if err == nil {
			err = cfgWatcher.Start(ctx)
		}
		if err != nil {
			log.Warn("Config watching disabled", "error", err)
			cfgWatcher = nil
		}
	}

	service.Autostart(ctx)

	sigs, stopSignals := signals.NotifyShutdown()
	defer stopSignals()

	exitCode := 0
	select {
	case sig := <-sigs:
		log.Info("Received shutdown signal", "signal", sig.String())
		stopped := service.StopAll(ctx, control.ShutdownMessage)
		log.Info("Servers stopped", "count", stopped)
		auditLogger.LogSystemShutdown("signal "+sig.String(), true)
	case exitCode = <-exitCh:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
	defer shutdownCancel()

	if cfgWatcher != nil {
		_ = cfgWatcher.Stop()
	}
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Warn("Control plane shutdown error", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			log.Warn("Metrics server shutdown error", "error", err)
		}
	}
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warn("Tracing shutdown error", "error", err)
		}
	}

	log.Info("PHPeek Watchdog stopped")
	if exitCode != 0 {
		return process.Errorf(process.KindInternal, "serve", "", "exited with code %d", exitCode)
	}
	return nil
}
