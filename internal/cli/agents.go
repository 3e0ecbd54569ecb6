package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hoistd/hoist/internal/models"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List tracked agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Agents []*models.Agent `json:"agents"`
		}
		if err := getJSON("/admin/agents", &resp); err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(resp.Agents)
		}

		if len(resp.Agents) == 0 {
			fmt.Println("No agents tracked.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDAEMON\tTYPE\tSTATUS\tGOAL")
		for _, a := range resp.Agents {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				a.ID, a.DaemonID, a.Type, a.Status, truncate(a.Goal, 48))
		}
		return w.Flush()
	},
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
