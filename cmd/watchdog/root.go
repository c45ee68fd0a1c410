package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

// globalFlags are the persistent flags shared by every command
type globalFlags struct {
	configFile     string
	cookie         string
	address        string
	port           int
	connectTimeout int
	verbose        bool
}

// newRootCmd builds the full command tree
func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "watchdog",
		Short: "Supervisor and control plane for a managed server process",
		Long: `PHPeek Watchdog - supervisor and control plane for a managed server process

The watchdog launches configured servers, waits for them to report back over a
loopback handshake, relays their output to rotating log files, and exposes a
small authenticated control plane to start, stop, restart and kill them.

Examples:
  watchdog serve                     # Run the watchdog
  watchdog start                     # Start the "default" server
  watchdog restart app -m "deploy"   # Restart app with a reason
  watchdog status                    # Status of every server
  watchdog shutdown                  # Stop all servers and the watchdog`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configFile, "config", "c", "", "Path to configuration file")
	pf.StringVar(&flags.cookie, "cookie", "", "Control plane shared secret (default: config or WATCHDOG_COOKIE)")
	pf.StringVar(&flags.address, "address", "", "Control plane address")
	pf.IntVarP(&flags.port, "port", "p", 0, "Control plane port")
	pf.IntVar(&flags.connectTimeout, "connect-timeout", 0, "Seconds to keep retrying an unreachable control plane")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "Verbose client logging")

	serve := newServeCmd(flags)
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	root.AddCommand(serve)
	root.AddCommand(newVersionCmd())
	root.AddCommand(newCheckConfigCmd(flags))
	for _, rc := range remoteCommands {
		root.AddCommand(rc.build(flags))
	}
	return root
}

// Execute runs the command line and exits with the code of the error kind
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(exitCodeFor(err))
	}
}
