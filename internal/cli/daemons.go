package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hoistd/hoist/internal/models"
)

var daemonsCmd = &cobra.Command{
	Use:   "daemons",
	Short: "List known daemons",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Daemons []*models.Daemon `json:"daemons"`
		}
		if err := getJSON("/admin/daemons", &resp); err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(resp.Daemons)
		}

		if len(resp.Daemons) == 0 {
			fmt.Println("No daemons known.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUSER\tNAME\tSTATUS\tACTIVE\tLAST SEEN")
		for _, d := range resp.Daemons {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				d.ID, d.UserID, d.Name, d.Status, d.ActiveAgents, formatLastSeen(d.LastSeen))
		}
		return w.Flush()
	},
}

func formatLastSeen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return fmt.Sprintf("%s ago", time.Since(t).Round(time.Second))
}
