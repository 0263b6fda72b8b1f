package storage

import (
	"errors"
	"strings"

	logx "laterbot/pkg/logx"
)

// Open initializes the configured store and loads the persisted schedule.
// An unparseable schedule fails with ErrCorruptState.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "file", "json":
		st, err := openFile(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "sqlite", "sqlite3":
		st, err := openSQLite(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
