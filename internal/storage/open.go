package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "hookrelay/pkg/logx"
)

// Store is the persistence API used by the recorder and the status view.
type Store interface {
	Record(ctx context.Context, d Delivery) error
	// Recent returns up to n records, newest first.
	Recent(ctx context.Context, n int) ([]Delivery, error)
	// Prune deletes records older than before and reports how many went.
	Prune(ctx context.Context, before time.Time) (int64, error)
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

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
