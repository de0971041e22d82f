package cli

import (
	"fmt"

	"github.com/asgard-lab/yggdrasil/internal/config"
	"github.com/asgard-lab/yggdrasil/internal/ledger"
)

// loadConfig resolves configuration with the shared --config flag.
// Failures map to exit code 2.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, exitWith(2, fmt.Errorf("configuration invalid: %w", err))
	}
	if ledgerDir != "" {
		cfg.LedgerDir = ledgerDir
	}
	return cfg, nil
}

// openLedger opens the ledger for operator commands. These don't need the
// full host fleet, so a missing/invalid host list is tolerated: config is
// loaded best-effort and only the ledger directory matters.
func openLedger() (*ledger.DB, error) {
	dir := ledgerDir
	if dir == "" {
		cfg, err := config.Load(configPath)
		if err == nil {
			dir = cfg.LedgerDir
		} else {
			dir = config.Default().LedgerDir
		}
	}
	db, err := ledger.Open(dir)
	if err != nil {
		return nil, exitWith(3, fmt.Errorf("ledger unavailable: %w", err))
	}
	return db, nil
}
