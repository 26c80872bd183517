// Package storage provides the durable key/value backends that hold each
// section's conversation collection, the search history, and the stored
// API key.
//
// Every backend stores opaque byte records addressed by a string key. There is
// a single writer per process; backends make no attempt at cross-process
// coordination.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrNotFound is returned by Load when no record exists for the key.
var ErrNotFound = errors.New("storage: key not found")

// Backend is a durable byte store keyed by string.
type Backend interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and configures a backend.
type Config struct {
	Driver string
	// Dir is the directory used by the file driver.
	Dir string
	// Path is the database file used by the sqlite driver.
	Path string
	// DSN is the connection string used by the postgres driver.
	DSN string
}

// Open constructs the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", DriverFile:
		return NewFileStore(cfg.Dir)
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		return OpenSQLite(cfg.Path)
	case DriverPostgres:
		return OpenPostgres(ctx, cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
}
