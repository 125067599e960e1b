package core

import (
	"fmt"
	"strings"

	"ciomsdb/internal/infra/persistence/memory"
	"ciomsdb/internal/infra/persistence/postgres"
	"ciomsdb/internal/infra/persistence/sqlite"
	"ciomsdb/internal/schema"
	"ciomsdb/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// StorageConfig selects and parameterizes a backend.
type StorageConfig struct {
	Driver      StorageDriver
	SQLitePath  string
	PostgresDSN string
}

// OpenStore constructs the configured backend. Defaults to sqlite when the driver is unset.
// The store connects lazily on first use.
func OpenStore(cfg StorageConfig) (domain.Store, error) {
	reg := schema.Default()
	driver := StorageDriver(strings.ToLower(strings.TrimSpace(string(cfg.Driver))))
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(reg), nil
	case StorageSQLite:
		return sqlite.NewStore(cfg.SQLitePath, reg), nil
	case StoragePostgres:
		return postgres.NewStore(cfg.PostgresDSN, reg), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}
