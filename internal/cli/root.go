// Package cli implements the ygg command-line interface using Cobra.
// `ygg serve` runs the dispatcher; the remaining commands are the operator
// surface over the ledger (create, list, show, audit, cancel, export, import).
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	ledgerDir  string
)

var rootCmd = &cobra.Command{
	Use:   "ygg",
	Short: "Yggdrasil — homelab task dispatcher",
	Long: `Yggdrasil dispatches tasks from a durable ledger to a fleet of
LLM runtimes and executor services, with per-host concurrency limits,
retry with backoff, and per-host circuit breakers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError carries a process exit code up through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

// Execute runs the root command. Called from main.go.
// Exit codes: 0 normal, 2 configuration invalid, 3 fatal I/O, 1 unexpected.
func Execute(version string) {
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&ledgerDir, "ledger-dir", "", "override ledger directory")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}
