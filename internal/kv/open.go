package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Config selects and configures a driver.
type Config struct {
	Driver      string // memory | sqlite | postgres
	PostgresDSN string
}

// Open initializes the configured store. The sqlite driver shares db, which
// must already be migrated; the other drivers ignore it.
func Open(ctx context.Context, cfg Config, db *sql.DB) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		if db == nil {
			return nil, errors.New("sqlite kv driver requires a database handle")
		}
		return NewSQLite(db), nil
	case "memory":
		return NewMemory(), nil
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return nil, errors.New("postgres kv driver requires a DSN")
		}
		return OpenPostgres(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown kv driver: %s", driver)
	}
}
