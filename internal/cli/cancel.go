package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/asgard-lab/yggdrasil/internal/domain"
	"github.com/asgard-lab/yggdrasil/internal/ledger"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task (advisory — in-flight results are discarded)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openLedger()
		if err != nil {
			return err
		}
		defer db.Close()

		err = db.Update(args[0], domain.StatusCancelled, ledger.UpdateOpts{
			Message: "operator cancel",
		})
		if err != nil {
			return err
		}

		fmt.Printf("cancelled %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
