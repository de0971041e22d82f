package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/asgard-lab/yggdrasil/internal/domain"
)

var (
	createID       string
	createPriority int
	createType     string
	createDesc     string
	createLabels   []string
	createDeps     []string
	createParams   string
)

var createCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a task in the ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openLedger()
		if err != nil {
			return err
		}
		defer db.Close()

		id := createID
		if id == "" {
			id = "ygg-" + uuid.New().String()[:8]
		}
		if createPriority < 0 || createPriority > 3 {
			return exitWith(2, fmt.Errorf("priority %d out of range [0,3]", createPriority))
		}

		task := domain.Task{
			ID:           id,
			Title:        args[0],
			Description:  createDesc,
			Priority:     createPriority,
			Type:         createType,
			Labels:       createLabels,
			Dependencies: createDeps,
			Params:       createParams,
		}
		if err := db.Create(task); err != nil {
			return err
		}

		fmt.Printf("created %s (priority %d)\n", id, createPriority)
		return nil
	},
}

func init() {
	createCmd.Flags().StringVar(&createID, "id", "", "task ID (generated when empty)")
	createCmd.Flags().IntVarP(&createPriority, "priority", "p", 2, "priority 0 (critical) to 3 (low)")
	createCmd.Flags().StringVarP(&createType, "type", "t", "", "task type (selects the handler)")
	createCmd.Flags().StringVarP(&createDesc, "description", "d", "", "task description / payload")
	createCmd.Flags().StringSliceVarP(&createLabels, "label", "l", nil, "labels (repeatable)")
	createCmd.Flags().StringSliceVar(&createDeps, "depends-on", nil, "task IDs this task waits for")
	createCmd.Flags().StringVar(&createParams, "params", "", "JSON params forwarded to the handler")
	rootCmd.AddCommand(createCmd)
}
