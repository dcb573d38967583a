// ddk is the host-side command line: it runs the daemon that owns the
// workers and offers one-shot commands for connections and plugins.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ddk-dev/ddk/internal/plugin"
	"github.com/ddk-dev/ddk/internal/sla"
)

var version = "dev"

func main() {
	plugin.RegisterBuiltin(sla.Manifest(), sla.NewPlugin)
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ddk",
		Short:         "Developer toolkit host",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to a config file")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newDaemonCmd(),
		newConnectionCmd(),
		newPluginCmd(),
		newWorkerCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
