package storage

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fidde/pgworkload/internal/storage/clickhouse"
	"github.com/fidde/pgworkload/internal/storage/dual"
	"github.com/fidde/pgworkload/internal/storage/memory"
	"github.com/fidde/pgworkload/internal/storage/sqlite"
)

// Backend names accepted by NewStorage.
const (
	BackendMemory     = "memory"
	BackendSQLite     = "sqlite"
	BackendClickHouse = "clickhouse"
	BackendDual       = "dual" // SQLite primary, ClickHouse secondary
)

// Config holds storage configuration.
type Config struct {
	// Backend selects the storage backend: memory, sqlite, clickhouse or dual
	Backend string

	// Records kept as examples, memory and sqlite only
	RecordCapacity int

	// Exclusion samples kept, negative selects the default
	MaxExclusionSamples int

	// SQLite-specific config
	SQLitePath string

	// ClickHouse-specific config
	ClickHouse *clickhouse.ConnectionConfig

	Logger *slog.Logger
}

// DefaultConfig returns default storage configuration.
func DefaultConfig() Config {
	return Config{
		Backend:             BackendMemory,
		RecordCapacity:      memory.DefaultRecordCapacity,
		MaxExclusionSamples: -1,
		SQLitePath:          "pgworkload.db",
		ClickHouse:          clickhouse.DefaultConfig(),
	}
}

// NewStorage creates a storage implementation based on configuration.
func NewStorage(ctx context.Context, cfg Config) (Storage, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	switch cfg.Backend {
	case BackendMemory, "":
		log.Printf("Using in-memory storage (records: %d)", cfg.RecordCapacity)
		return memory.New(cfg.RecordCapacity, cfg.MaxExclusionSamples), nil

	case BackendSQLite:
		return newSQLite(cfg)

	case BackendClickHouse:
		return newClickHouse(ctx, cfg)

	case BackendDual:
		primary, err := newSQLite(cfg)
		if err != nil {
			return nil, err
		}
		secondary, err := newClickHouse(ctx, cfg)
		if err != nil {
			primary.Close()
			return nil, err
		}
		log.Printf("Using dual-write storage (primary: sqlite, secondary: clickhouse)")
		return dual.New(dual.Config{
			Primary:   primary,
			Secondary: secondary,
			Logger:    cfg.Logger,
		}), nil

	default:
		return nil, fmt.Errorf("unknown storage backend: %s (supported: memory, sqlite, clickhouse, dual)", cfg.Backend)
	}
}

func newSQLite(cfg Config) (*sqlite.Store, error) {
	log.Printf("Using SQLite storage: %s", cfg.SQLitePath)

	if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating SQLite directory: %w", err)
		}
	}

	sqlCfg := sqlite.DefaultConfig(cfg.SQLitePath)
	sqlCfg.MaxExclusionSamples = cfg.MaxExclusionSamples
	if cfg.RecordCapacity >= 0 {
		sqlCfg.RecordCapacity = cfg.RecordCapacity
	}

	store, err := sqlite.New(sqlCfg, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("creating SQLite store: %w", err)
	}
	return store, nil
}

func newClickHouse(ctx context.Context, cfg Config) (*clickhouse.Store, error) {
	chCfg := cfg.ClickHouse
	if chCfg == nil {
		chCfg = clickhouse.DefaultConfig()
	}
	chCfg.MaxExclusionSamples = cfg.MaxExclusionSamples
	log.Printf("Using ClickHouse storage: %s", chCfg.Addr)

	store, err := clickhouse.NewStore(ctx, chCfg, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("creating ClickHouse store: %w", err)
	}
	return store, nil
}
