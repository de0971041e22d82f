package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/asgard-lab/yggdrasil/internal/daemon"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatcher until SIGTERM/SIGINT",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		d, err := daemon.New(cfg, rootCmd.Version)
		if err != nil {
			return exitWith(3, fmt.Errorf("start dispatcher: %w", err))
		}

		if err := d.Serve(context.Background()); err != nil {
			return exitWith(1, err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
