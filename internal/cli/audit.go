package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit <task-id>",
	Short: "Show a task's transition history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openLedger()
		if err != nil {
			return err
		}
		defer db.Close()

		entries, err := db.Audit(args[0])
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("no audit entries")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tTRANSITION\tATTEMPT\tMESSAGE")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s → %s\t%d\t%s\n",
				e.Timestamp.Format(time.RFC3339), e.OldStatus, e.NewStatus, e.Attempt, e.Message)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
}
