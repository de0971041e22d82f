package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/asgard-lab/yggdrasil/internal/domain"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show task counts per status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openLedger()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.Stats()
		if err != nil {
			return err
		}

		for _, status := range []domain.Status{
			domain.StatusOpen, domain.StatusInProgress, domain.StatusClosed,
			domain.StatusBlocked, domain.StatusCancelled,
		} {
			fmt.Printf("%-12s %d\n", status, stats[status])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
