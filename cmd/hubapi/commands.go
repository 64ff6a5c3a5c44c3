package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"hub-api/internal/migrate"
)

var migrateBackup bool

var migrateCmd = &cobra.Command{
	Use:   "migrate <service> <action>",
	Short: "Run a maintenance action (migrate, clear, clear-logs, vacuum, backup) once",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		action, err := migrate.ParseAction(args[1])
		if err != nil {
			return err
		}
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		result, err := a.executor.Run(cmd.Context(), args[0], action, migrateBackup)
		if result.Output != "" {
			fmt.Fprintln(cmd.OutOrStdout(), result.Output)
		}
		return err
	},
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Inspect stored VPN profiles",
}

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored profiles, marking the active one",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		names, err := a.profiles.List()
		if err != nil {
			return err
		}
		active, err := a.state.Current()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, name := range names {
			marker := " "
			if name == active {
				marker = "*"
			}
			fmt.Fprintf(out, "%s %s\n", marker, name)
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateBackup, "backup", false, "take a backup before destructive actions")
	profilesCmd.AddCommand(profilesListCmd)
}
