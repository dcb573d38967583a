// ddk-worker hosts exactly one plugin in an isolated process. The
// supervisor spawns it with DDK_* environment variables and reads the
// readiness line from stdout; everything else logs to stderr.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ddk-dev/ddk/internal/logging"
	"github.com/ddk-dev/ddk/internal/plugin"
	"github.com/ddk-dev/ddk/internal/sla"
	"github.com/ddk-dev/ddk/internal/worker"
)

func main() {
	logging.Init(logging.Config{
		Level:  logging.Level(os.Getenv("DDK_LOG_LEVEL")),
		JSON:   true,
		Output: os.Stderr,
	})
	plugin.RegisterBuiltin(sla.Manifest(), sla.NewPlugin)

	opts := worker.Options{
		PluginID:   os.Getenv("DDK_PLUGIN_ID"),
		Assembly:   os.Getenv("DDK_PLUGIN_ASSEMBLY"),
		EntryPoint: os.Getenv("DDK_PLUGIN_ENTRYPOINT"),
		Transport:  os.Getenv("DDK_TRANSPORT"),
	}
	if opts.PluginID == "" || opts.Assembly == "" {
		fmt.Fprintln(os.Stderr, "DDK_PLUGIN_ID and DDK_PLUGIN_ASSEMBLY are required")
		os.Exit(2)
	}

	w := worker.New(opts)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		w.Stop()
	}()

	if err := w.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
