package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newPluginsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Manage the plugin registry",
		Example: `  # List registered plugins
  plugind plugins list

  # Approve a plugin for every tenant
  plugind plugins approve analytics

  # Revoke approval and deactivate every installation
  plugind plugins revoke analytics`,
	}

	cmd.AddCommand(newPluginsListCommand())
	cmd.AddCommand(newPluginsApproveCommand())
	cmd.AddCommand(newPluginsRevokeCommand())

	return cmd
}

func newPluginsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			db, s, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			list, err := s.ListPlugins(cmd.Context())
			if err != nil {
				return err
			}
			if len(list) == 0 {
				cmd.PrintErrln("No plugins registered. Run 'plugind sync' first.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tVERSION\tAPPROVED\tCORE\tDEPENDENCIES")
			for _, p := range list {
				core := strings.TrimSpace(p.MinCoreVersion + " " + p.MaxCoreVersion)
				if core == "" {
					core = "-"
				}
				deps := strings.Join(p.Dependencies, ",")
				if deps == "" {
					deps = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n", p.ID, p.Name, p.LatestVersion, p.IsApproved, core, deps)
			}
			return w.Flush()
		},
	}
}

func newPluginsApproveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <plugin-id>",
		Short: "Approve a plugin",
		Long:  `Approve a plugin. Tenant installations are registered on the next sync.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			db, s, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := s.Approve(cmd.Context(), args[0]); err != nil {
				return err
			}
			cmd.PrintErrf("Approved %s\n", args[0])
			return nil
		},
	}
}

func newPluginsRevokeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <plugin-id>",
		Short: "Revoke approval of a plugin",
		Long: `Revoke approval of a plugin and deactivate every tenant installation in one
transaction. Running hosts unload the plugin on their next sync; use the admin
API to unload it immediately.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			db, s, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := s.RevokeApproval(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			cmd.PrintErrf("Revoked %s, %d installation(s) deactivated\n", args[0], n)
			return nil
		},
	}
}
