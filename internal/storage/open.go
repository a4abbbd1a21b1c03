package storage

import (
	"context"
	"errors"
	"strings"

	"batchq/pkg/logx"
)

// Store is the run history API used by the CLI.
type Store interface {
	// SaveRun inserts or replaces the record with the same ID.
	SaveRun(ctx context.Context, rec RunRecord) error
	// ListRuns returns the newest runs first. limit <= 0 means all.
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
	GetRun(ctx context.Context, id string) (RunRecord, bool, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
