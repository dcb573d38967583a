package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ddk-dev/ddk/internal/domain"
	"github.com/ddk-dev/ddk/internal/host"
	"github.com/ddk-dev/ddk/internal/logging"
)

func openHost(cmd *cobra.Command) (*host.Host, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{Level: logging.Level(cfg.Daemon.LogLevel)})
	return host.New(cfg)
}

func newConnectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "connection",
		Aliases: []string{"conn"},
		Short:   "Manage environment connections",
	}
	cmd.AddCommand(
		newConnectionAddCmd(),
		newConnectionListCmd(),
		newConnectionRemoveCmd(),
		newConnectionUseCmd(),
		newConnectionLoginCmd(),
		newConnectionLogoutCmd(),
	)
	return cmd
}

func newConnectionAddCmd() *cobra.Command {
	var name, url string
	var activate bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHost(cmd)
			if err != nil {
				return err
			}
			conn := domain.Connection{ID: uuid.NewString(), Name: name, URL: url}
			if err := h.Connections.Add(conn); err != nil {
				return err
			}
			if activate {
				if err := h.Connections.SetActive(conn.ID); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), conn.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&url, "url", "", "environment url")
	cmd.Flags().BoolVar(&activate, "use", false, "mark as the active connection")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("url")
	return cmd
}

func newConnectionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered environments",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHost(cmd)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tURL\tACTIVE\tSIGNED IN AS")
			for _, conn := range h.ListConnections() {
				active := ""
				if conn.Active {
					active = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", conn.ID, conn.Name, conn.URL, active, conn.Principal)
			}
			return w.Flush()
		},
	}
}

func newConnectionRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHost(cmd)
			if err != nil {
				return err
			}
			return h.Connections.Remove(args[0])
		},
	}
}

func newConnectionUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Mark an environment as active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHost(cmd)
			if err != nil {
				return err
			}
			return h.Connections.SetActive(args[0])
		},
	}
}

func newConnectionLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <id>",
		Short: "Sign in to an environment interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHost(cmd)
			if err != nil {
				return err
			}
			rec, err := h.Tokens.Login(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s\n", rec.Principal)
			return nil
		},
	}
}

func newConnectionLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout <id>",
		Short: "Drop cached credentials for an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHost(cmd)
			if err != nil {
				return err
			}
			return h.Tokens.Logout(args[0])
		},
	}
}
