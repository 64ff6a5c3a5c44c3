package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"hub-api/internal/version"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:           "hubapi",
	Short:         "Control API for the privacy hub stack",
	Long:          `hubapi manages VPN profiles for the egress gateway, reports tunnel and service health, and runs maintenance and update tasks for the stack's containers.`,
	Version:       version.Current().String(),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to the YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.Flags().String("listen", "", "listen address, overrides config")
	serveCmd.Flags().String("listen", "", "listen address, overrides config")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(profilesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build metadata",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), version.Current().String())
		return nil
	},
}
