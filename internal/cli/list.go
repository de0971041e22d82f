package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks ready for dispatch",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openLedger()
		if err != nil {
			return err
		}
		defer db.Close()

		tasks, err := db.ReadyTasks()
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("no ready tasks")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPRIO\tTYPE\tTITLE\tATTEMPTS")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\n",
				t.ID, t.Priority, t.Type, truncateTitle(t.Title), t.AttemptCount)
		}
		return w.Flush()
	},
}

func truncateTitle(s string) string {
	if len(s) > 48 {
		return s[:45] + "..."
	}
	return s
}

func init() {
	rootCmd.AddCommand(listCmd)
}
