package storage

import (
	"errors"
	"strings"

	logx "accountpilot/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))

	var (
		st  Store
		err error
	)
	switch driver {
	case "", "file":
		st, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		st, err = openSQLite(cfg, log)
	case "none":
		if strings.TrimSpace(cfg.External) == "" {
			return nil, errors.New("storage driver none requires externally supplied accounts")
		}
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.External) != "" {
		log.Info("accounts supplied externally; account store is read-only")
		return newExternal(cfg.External, st), nil
	}
	return st, nil
}
