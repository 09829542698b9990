// Package storage opens the configured conversation state backend.
package storage

import (
	"fmt"
	"strings"

	"github.com/tjfontaine/teller/internal/core/ports"
	"github.com/tjfontaine/teller/internal/storage/memory"
	"github.com/tjfontaine/teller/internal/storage/sqldb"
)

// Config selects a backend. Type is memory, sqlite, postgres or mysql.
type Config struct {
	Type string `koanf:"type"`
	DSN  string `koanf:"dsn"`
}

// Open returns the StateStore described by cfg.
func Open(cfg Config) (ports.StateStore, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "memory":
		return memory.New(), nil
	case "sqlite", "sqlite3", "postgres", "postgresql", "mysql":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("storage %s: dsn is required", cfg.Type)
		}
		store, err := sqldb.New(sqldb.Config{Driver: cfg.Type, DSN: cfg.DSN})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
