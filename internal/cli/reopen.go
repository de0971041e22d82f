package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/asgard-lab/yggdrasil/internal/domain"
	"github.com/asgard-lab/yggdrasil/internal/ledger"
)

var reopenCmd = &cobra.Command{
	Use:   "reopen <task-id>",
	Short: "Reopen a blocked task so the dispatcher picks it up again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openLedger()
		if err != nil {
			return err
		}
		defer db.Close()

		err = db.Update(args[0], domain.StatusOpen, ledger.UpdateOpts{
			Message: "operator reopen",
		})
		if err != nil {
			return err
		}

		fmt.Printf("reopened %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reopenCmd)
}
