package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/gophpeek/phpeek-watchdog/internal/api"
	"github.com/gophpeek/phpeek-watchdog/internal/config"
	"github.com/gophpeek/phpeek-watchdog/internal/process"
)

// remoteCommand describes a command that talks to a running watchdog
type remoteCommand struct {
	use   string
	short string
	long  string

	serverID  bool // takes an optional server id argument
	startArgs bool // takes --jvm-arg, --arg and --message
	message   bool // takes --message only
	tail      bool // takes --lines

	call   func(ctx context.Context, c *api.Client, req remoteRequest) (*api.Response, error)
	render func(w io.Writer, resp *api.Response)
}

// remoteRequest holds the parsed arguments of one invocation
type remoteRequest struct {
	id    string
	args  process.StartArgs
	lines int
}

var remoteCommands = []remoteCommand{
	{
		use:       "start [server-id]",
		short:     "Start a server",
		long:      "Start a configured server. Without an id the \"default\" server is started.",
		serverID:  true,
		startArgs: true,
		call: func(ctx context.Context, c *api.Client, req remoteRequest) (*api.Response, error) {
			return c.Start(ctx, req.id, req.args)
		},
	},
	{
		use:      "stop [server-id]",
		short:    "Stop a server",
		long:     "Ask a running server to exit and kill it when it does not stop in time.",
		serverID: true,
		message:  true,
		call: func(ctx context.Context, c *api.Client, req remoteRequest) (*api.Response, error) {
			return c.Stop(ctx, req.id, req.args)
		},
	},
	{
		use:       "restart [server-id]",
		short:     "Restart a server",
		long:      "Stop a server if it is running and start it again with the given arguments.",
		serverID:  true,
		startArgs: true,
		call: func(ctx context.Context, c *api.Client, req remoteRequest) (*api.Response, error) {
			return c.Restart(ctx, req.id, req.args)
		},
	},
	{
		use:      "kill [server-id]",
		short:    "Kill a server immediately",
		long:     "Forcibly terminate a server without asking it to shut down.",
		serverID: true,
		call: func(ctx context.Context, c *api.Client, req remoteRequest) (*api.Response, error) {
			return c.Kill(ctx, req.id)
		},
	},
	{
		use:   "status",
		short: "Show the status of every server",
		call: func(ctx context.Context, c *api.Client, _ remoteRequest) (*api.Response, error) {
			return c.Status(ctx)
		},
		render: func(w io.Writer, resp *api.Response) {
			fmt.Fprint(w, renderStatus(resp.Servers))
		},
	},
	{
		use:   "shutdown",
		short: "Stop every server and the watchdog",
		call: func(ctx context.Context, c *api.Client, _ remoteRequest) (*api.Response, error) {
			return c.Shutdown(ctx)
		},
	},
	{
		use:      "logs [server-id]",
		short:    "Show recent output of a server",
		serverID: true,
		tail:     true,
		call: func(ctx context.Context, c *api.Client, req remoteRequest) (*api.Response, error) {
			return c.Logs(ctx, req.id, req.lines)
		},
		render: func(w io.Writer, resp *api.Response) {
			for _, line := range resp.Lines {
				fmt.Fprintln(w, line.Text)
			}
		},
	},
}

// build turns the descriptor into a cobra command
func (rc remoteCommand) build(flags *globalFlags) *cobra.Command {
	var (
		jvmArgs []string
		args    []string
		message string
		lines   int
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   rc.use,
		Short: rc.short,
		Long:  rc.long,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, positional []string) error {
			cfg, err := clientConfig(cmd, flags)
			if err != nil {
				return err
			}
			req := remoteRequest{
				id:    config.DefaultServerID,
				args:  process.StartArgs{JVMArgs: jvmArgs, Args: args, Message: message},
				lines: lines,
			}
			if len(positional) == 1 {
				req.id = positional[0]
			}

			client := api.NewClientFromConfig(cfg.Watchdog, cliLogger(flags))
			resp, err := rc.call(cmd.Context(), client, req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case asJSON:
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			case rc.render != nil:
				rc.render(out, resp)
			default:
				fmt.Fprintln(out, resp.Message)
			}
			return nil
		},
	}
	if rc.serverID {
		cmd.Args = cobra.MaximumNArgs(1)
	}

	f := cmd.Flags()
	if rc.startArgs {
		f.StringArrayVar(&jvmArgs, "jvm-arg", nil, "Extra JVM argument (repeatable)")
		f.StringArrayVar(&args, "arg", nil, "Extra program argument (repeatable)")
	}
	if rc.startArgs || rc.message {
		f.StringVarP(&message, "message", "m", "", "Reason recorded with the request")
	}
	if rc.tail {
		f.IntVarP(&lines, "lines", "n", 100, "Number of lines to show")
	}
	f.BoolVar(&asJSON, "json", false, "Print the raw JSON reply")
	return cmd
}
