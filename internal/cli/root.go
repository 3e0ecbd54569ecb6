// Package cli implements the hoistctl command-line interface using Cobra.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	serverURL  string
	authToken  string
	jsonOutput bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "hoistctl",
	Short: "Operator CLI for the Hoist control plane",
	Long: `hoistctl inspects a running hoistd instance: connected daemons,
their agents, and overall health.`,
}

// Execute runs the root command
func Execute(version, commit, date string) error {
	rootCmd.Version = formatVersion(version, commit, date)
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8472", "hoistd base URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "bearer token for daemon-scoped endpoints")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(daemonsCmd)
	rootCmd.AddCommand(agentsCmd)
}

func formatVersion(version, commit, date string) string {
	return fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
}
