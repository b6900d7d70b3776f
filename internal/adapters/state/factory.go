package state

import (
	"path/filepath"
	"time"

	"github.com/prodigy-dev/prodigy/internal/core"
	"github.com/prodigy-dev/prodigy/internal/logging"
)

// Backend selects the checkpoint persistence implementation.
type Backend string

const (
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
)

// Config configures checkpoint storage.
type Config struct {
	Backend       Backend
	Root          string
	HistoryDepth  int
	HistoryMaxAge time.Duration
}

// New creates a checkpoint store for the configured backend. The file
// backend is the default and the canonical on-disk layout.
func New(cfg Config, logger *logging.Logger) (core.CheckpointStore, error) {
	depth := cfg.HistoryDepth
	if depth <= 0 {
		depth = DefaultHistoryDepth
	}

	switch cfg.Backend {
	case BackendSQLite:
		return NewSQLiteStore(filepath.Join(cfg.Root, "prodigy.db"), logger, depth)
	case BackendFile, "":
		opts := []FileStoreOption{WithHistoryDepth(depth)}
		if cfg.HistoryMaxAge > 0 {
			opts = append(opts, WithHistoryMaxAge(cfg.HistoryMaxAge))
		}
		return NewFileStore(cfg.Root, logger, opts...), nil
	default:
		return nil, core.ErrValidation(core.CodeInvalidConfig,
			"unknown state backend: "+string(cfg.Backend))
	}
}
