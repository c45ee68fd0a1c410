package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/gophpeek/phpeek-watchdog/internal/config"
	"github.com/gophpeek/phpeek-watchdog/internal/logger"
	"github.com/gophpeek/phpeek-watchdog/internal/process"
)

// getConfigPath determines the configuration file path
func getConfigPath(flags *globalFlags) string {
	return config.ResolvePath(flags.configFile)
}

// applyFlagOverrides lets explicitly set persistent flags win over the file
func applyFlagOverrides(cmd *cobra.Command, flags *globalFlags, w *config.WatchdogConfig) {
	set := cmd.Flags().Changed
	if set("cookie") {
		w.Cookie = flags.cookie
	}
	if set("address") {
		w.Address = flags.address
	}
	if set("port") {
		w.Port = flags.port
	}
	if set("connect-timeout") {
		w.ConnectTimeout = flags.connectTimeout
	}
}

// clientConfig loads what a client command needs; the file is optional
func clientConfig(cmd *cobra.Command, flags *globalFlags) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(getConfigPath(flags))
	if err != nil {
		return nil, &process.Error{Kind: process.KindConfiguration, Op: "load config", Err: err}
	}
	applyFlagOverrides(cmd, flags, &cfg.Watchdog)
	return cfg, nil
}

// cliLogger logs client diagnostics to stderr, silent unless verbose
func cliLogger(flags *globalFlags) *slog.Logger {
	if !flags.verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return logger.NewWithWriter(os.Stderr, "debug", "text")
}

// exitCodeFor maps an error onto the process exit code
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	return process.KindOf(err).ExitCode()
}
