package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Display the version number and build information for PHPeek Watchdog`,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			short, _ := cmd.Flags().GetBool("short")
			if short {
				fmt.Fprintln(out, version)
				return
			}
			fmt.Fprintf(out, "PHPeek Watchdog v%s\n", version)
			fmt.Fprintf(out, "Built with %s for %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
	cmd.Flags().BoolP("short", "s", false, "Show only version number")
	return cmd
}
