package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ddk-dev/ddk/internal/domain"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run and inspect plugin workers",
	}
	cmd.AddCommand(
		newWorkerStartCmd(),
		newWorkerExecCmd(),
		newWorkerStopCmd(),
		newWorkerStatusCmd(),
	)
	return cmd
}

// worker start runs a worker interactively: it prints the plugin's
// commands, then streams its events to stdout until interrupted.
func newWorkerStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <plugin-id>",
		Short: "Start a worker and stream its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHost(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				h.Close(stopCtx)
			}()

			key, err := h.StartWorker(ctx, args[0], "")
			if err != nil {
				return err
			}
			commands, err := h.Supervisor.Commands(ctx, key)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "worker %s ready\n", key)
			for _, c := range commands {
				fmt.Fprintf(out, "  %s\t%s\n", c.Name, c.Description)
			}

			if err := h.ForwardEvents(ctx, key, nil); err != nil {
				return err
			}
			events, cancel := h.Events()
			defer cancel()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			for {
				select {
				case evt, ok := <-events:
					if !ok {
						return nil
					}
					line, _ := json.Marshal(evt)
					fmt.Fprintln(out, string(line))
				case <-sig:
					return nil
				}
			}
		},
	}
}

// worker exec is the one-shot form: start, run one command, print the
// result, tear down.
func newWorkerExecCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec <plugin-id> <command> [json-payload]",
		Short: "Execute one plugin command and exit",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHost(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				h.Close(stopCtx)
			}()

			key, err := h.StartWorker(ctx, args[0], "")
			if err != nil {
				return err
			}
			var payload []byte
			if len(args) == 3 {
				payload = []byte(args[2])
			}
			result, err := h.Execute(ctx, key, args[1], payload)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(result))
			return nil
		},
	}
}

func newWorkerStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <plugin-id> <instance-id>",
		Short: "Stop a worker of this process",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHost(cmd)
			if err != nil {
				return err
			}
			key := domain.WorkerKey{PluginID: args[0], InstanceID: args[1]}
			return h.Supervisor.Stop(cmd.Context(), key)
		},
	}
}

func newWorkerStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List workers of this process",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHost(cmd)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PLUGIN\tINSTANCE\tSTATE\tPID\tLAST HEARTBEAT")
			for _, info := range h.Supervisor.List() {
				heartbeat := ""
				if !info.LastHeartbeat.IsZero() {
					heartbeat = info.LastHeartbeat.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					info.Key.PluginID, info.Key.InstanceID, info.State, info.PID, heartbeat)
			}
			return w.Flush()
		},
	}
}
