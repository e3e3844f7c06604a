package core

import (
	"context"
	"fmt"
	"organictrace/internal/infra/persistence/memory"
	"organictrace/internal/infra/persistence/postgres"
	"organictrace/internal/infra/persistence/sqlite"
	"organictrace/pkg/domain"
	"os"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// StorageConfig selects and configures the record store backend.
type StorageConfig struct {
	Driver      StorageDriver
	SQLitePath  string
	PostgresDSN string
}

// StorageConfigFromEnv reads the storage settings.
//
//	ORGANICTRACE_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	ORGANICTRACE_SQLITE_PATH: path to sqlite file (default ./organictrace.db)
//	ORGANICTRACE_POSTGRES_DSN: postgres DSN when driver=postgres
func StorageConfigFromEnv() StorageConfig {
	return StorageConfig{
		Driver:      StorageDriver(os.Getenv("ORGANICTRACE_STORAGE_DRIVER")),
		SQLitePath:  os.Getenv("ORGANICTRACE_SQLITE_PATH"),
		PostgresDSN: os.Getenv("ORGANICTRACE_POSTGRES_DSN"),
	}
}

// OpenPersistentStore opens the configured backend. Defaults to sqlite.
func OpenPersistentStore(ctx context.Context, cfg StorageConfig, engine *domain.RulesEngine) (domain.PersistentStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(engine), nil
	case StorageSQLite:
		return sqlite.NewStore(cfg.SQLitePath, engine)
	case StoragePostgres:
		return postgres.NewStore(ctx, cfg.PostgresDSN, engine)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
