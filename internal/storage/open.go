package storage

import (
	"fmt"
	"strings"

	"aocbot/pkg/logx"
)

// Open initializes the configured store. An empty driver selects sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		st, err := openSQLite(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "file":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, fmt.Errorf("storage.path is required for the file driver")
		}
		st, err := openFile(cfg.Path, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "memory":
		st, _ := openFile("", log)
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
