package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check hoistd health",
	RunE: func(cmd *cobra.Command, args []string) error {
		var health map[string]string
		if err := getJSON("/healthz", &health); err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(health)
		}
		fmt.Printf("hoistd at %s: %s\n", serverURL, health["status"])
		return nil
	},
}
