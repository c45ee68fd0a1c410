package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gophpeek/phpeek-watchdog/internal/config"
	"github.com/gophpeek/phpeek-watchdog/internal/process"
)

func newCheckConfigCmd(flags *globalFlags) *cobra.Command {
	var (
		strict bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate configuration file",
		Long: `Review the configuration file and report errors, warnings and hints.

Errors make serve refuse to start. With --strict, warnings fail the check too.

Exit codes:
  0 - configuration is valid
  3 - configuration has errors (or warnings with --strict)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := getConfigPath(flags)
			cfg, err := config.LoadWithEnvExpansion(path)
			if err != nil {
				return &process.Error{Kind: process.KindConfiguration, Op: "load config", Err: err}
			}

			report, reviewErr := cfg.Review()
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return fmt.Errorf("failed to encode report: %w", err)
				}
			} else {
				fmt.Fprintf(out, "Configuration: %s\n", path)
				fmt.Fprintf(out, "Servers: %d\n\n", len(cfg.Servers))
				fmt.Fprintln(out, report.String())
			}

			if reviewErr != nil {
				return &process.Error{Kind: process.KindConfiguration, Op: "check config", Err: reviewErr}
			}
			if strict && report.Count(config.SeverityWarning) > 0 {
				return process.Errorf(process.KindConfiguration, "check config", "",
					"%d warning(s) in strict mode", report.Count(config.SeverityWarning))
			}
			if !asJSON {
				fmt.Fprintln(out, okStyle.Render("Configuration is valid"))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "Fail on warnings")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}
