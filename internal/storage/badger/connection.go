// Package badger implements the Job Store (C2) on an embedded
// timshannon/badgerhold/v4 store backed by dgraph-io/badger/v4.
package badger

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/docuflow/internal/config"
)

// DB wraps the badgerhold store used by the job store.
type DB struct {
	store  *badgerhold.Store
	logger arbor.ILogger
}

// Open creates or opens the Badger database described by cfg.
func Open(logger arbor.ILogger, cfg config.StorageConfig) (*DB, error) {
	if cfg.ResetOnStartup {
		if _, err := os.Stat(cfg.BadgerPath); err == nil {
			logger.Debug().Str("path", cfg.BadgerPath).Msg("removing existing job store (reset_on_startup=true)")
			if err := os.RemoveAll(cfg.BadgerPath); err != nil {
				logger.Warn().Err(err).Str("path", cfg.BadgerPath).Msg("failed to remove existing job store")
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.BadgerPath), 0o755); err != nil {
		return nil, fmt.Errorf("badger: create directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = cfg.BadgerPath
	options.ValueDir = cfg.BadgerPath
	options.Logger = nil // arbor handles logging instead of badger's own logger

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("badger: open %s: %w", cfg.BadgerPath, err)
	}

	logger.Debug().Str("path", cfg.BadgerPath).Msg("job store opened")
	return &DB{store: store, logger: logger}, nil
}

func (d *DB) Store() *badgerhold.Store { return d.store }

func (d *DB) Close() error {
	if d.store == nil {
		return nil
	}
	return d.store.Close()
}
