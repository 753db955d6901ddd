package storage

import (
	"strings"

	"github.com/pkg/errors"

	"tzrecur/pkg/logx"
	"tzrecur/pkg/recurrence"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (recurrence.Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "memory", "mem":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(cfg, log)
	default:
		return nil, errors.Errorf("unknown storage driver: %s", driver)
	}
}
