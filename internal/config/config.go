// Package config loads the service and CLI configuration from YAML with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/fidde/pgworkload/internal/aggregator"
	"github.com/fidde/pgworkload/internal/analyzer"
	"github.com/fidde/pgworkload/internal/storage"
	"github.com/fidde/pgworkload/internal/storage/clickhouse"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Storage   StorageConfig   `yaml:"storage"`
	Server    ServerConfig    `yaml:"server"`
	Snapshots SnapshotsConfig `yaml:"snapshots"`
}

// PipelineConfig tunes the record pipeline.
type PipelineConfig struct {
	Parallelism         int           `yaml:"parallelism"` // 0 means GOMAXPROCS
	Bucket              time.Duration `yaml:"bucket"`
	QuoteAwareParams    bool          `yaml:"quote_aware_params"`
	PreserveAdjacency   bool          `yaml:"preserve_adjacency"`
	MaxExclusionSamples int           `yaml:"max_exclusion_samples"`
}

// IngestConfig controls log file reading.
type IngestConfig struct {
	Format   string `yaml:"format"`   // auto, csvlog or jsonlog
	Timezone string `yaml:"timezone"` // IANA zone for zone abbreviations
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Backend        string           `yaml:"backend"` // memory, sqlite, clickhouse or dual
	SQLitePath     string           `yaml:"sqlite_path"`
	KeepRecords    bool             `yaml:"keep_records"`
	RecordCapacity int              `yaml:"record_capacity"`
	ClickHouse     ClickHouseConfig `yaml:"clickhouse"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Addr          string        `yaml:"addr"`
	Database      string        `yaml:"database"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// ServerConfig holds listen addresses of the long-running service.
type ServerConfig struct {
	APIAddr      string                    `yaml:"api_addr"`
	OTLPHTTPAddr string                    `yaml:"otlp_http_addr"`
	OTLPGRPCAddr string                    `yaml:"otlp_grpc_addr"`
	OTLP         analyzer.AttributeMapping `yaml:"otlp"`
}

// SnapshotsConfig configures the snapshot directory.
type SnapshotsConfig struct {
	Dir          string `yaml:"dir"`
	MaxSnapshots int    `yaml:"max_snapshots"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Pipeline: PipelineConfig{
			Bucket:              time.Second,
			MaxExclusionSamples: 100,
		},
		Ingest: IngestConfig{
			Format: "auto",
		},
		Storage: StorageConfig{
			Backend:        "memory",
			SQLitePath:     "./data/workload.db",
			KeepRecords:    true,
			RecordCapacity: 10000,
			ClickHouse: ClickHouseConfig{
				Addr:     "localhost:9000",
				Database: "default",
				Username: "default",
			},
		},
		Server: ServerConfig{
			APIAddr:      "0.0.0.0:8080",
			OTLPHTTPAddr: "0.0.0.0:4318",
			OTLPGRPCAddr: "0.0.0.0:4317",
			OTLP:         analyzer.DefaultAttributeMapping(),
		},
		Snapshots: SnapshotsConfig{
			Dir:          "./data/snapshots",
			MaxSnapshots: 50,
		},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path or a missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			log.Printf("Config file %s not found, using defaults", path)
		case err != nil:
			return Config{}, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing config YAML: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Storage.Backend = getEnv("PGW_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.SQLitePath = getEnv("PGW_SQLITE_PATH", c.Storage.SQLitePath)
	c.Storage.ClickHouse.Addr = getEnv("PGW_CLICKHOUSE_ADDR", c.Storage.ClickHouse.Addr)
	c.Storage.ClickHouse.Password = getEnv("PGW_CLICKHOUSE_PASSWORD", c.Storage.ClickHouse.Password)
	c.Server.APIAddr = getEnv("PGW_API_ADDR", c.Server.APIAddr)
	c.Server.OTLPHTTPAddr = getEnv("PGW_OTLP_HTTP_ADDR", c.Server.OTLPHTTPAddr)
	c.Server.OTLPGRPCAddr = getEnv("PGW_OTLP_GRPC_ADDR", c.Server.OTLPGRPCAddr)

	if value := os.Getenv("PGW_PARALLELISM"); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("PGW_PARALLELISM: %w", err)
		}
		c.Pipeline.Parallelism = n
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Pipeline.Bucket <= 0 {
		return fmt.Errorf("pipeline.bucket must be positive, got %s", c.Pipeline.Bucket)
	}
	if c.Pipeline.Parallelism < 0 {
		return fmt.Errorf("pipeline.parallelism must not be negative, got %d", c.Pipeline.Parallelism)
	}
	if c.Pipeline.MaxExclusionSamples < 0 {
		return fmt.Errorf("pipeline.max_exclusion_samples must not be negative, got %d", c.Pipeline.MaxExclusionSamples)
	}

	if c.Storage.RecordCapacity < 0 {
		return fmt.Errorf("storage.record_capacity must not be negative, got %d", c.Storage.RecordCapacity)
	}

	switch c.Ingest.Format {
	case "", "auto", "csvlog", "jsonlog":
	default:
		return fmt.Errorf("unknown ingest format: %s (supported: auto, csvlog, jsonlog)", c.Ingest.Format)
	}
	if _, err := c.Location(); err != nil {
		return err
	}

	switch c.Storage.Backend {
	case "memory", "clickhouse", "dual":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown storage backend: %s (supported: memory, sqlite, clickhouse, dual)", c.Storage.Backend)
	}
	return nil
}

// Location resolves ingest.timezone. An empty zone yields nil.
func (c *Config) Location() (*time.Location, error) {
	if c.Ingest.Timezone == "" {
		return nil, nil
	}
	loc, err := time.LoadLocation(c.Ingest.Timezone)
	if err != nil {
		return nil, fmt.Errorf("ingest.timezone: %w", err)
	}
	return loc, nil
}

// PipelineConfig returns the aggregator configuration.
func (c *Config) PipelineConfig(logger *slog.Logger) aggregator.Config {
	return aggregator.Config{
		Analyzer: analyzer.Options{
			Bucket:            c.Pipeline.Bucket,
			QuoteAwareParams:  c.Pipeline.QuoteAwareParams,
			PreserveAdjacency: c.Pipeline.PreserveAdjacency,
		},
		Parallelism:         c.Pipeline.Parallelism,
		MaxExclusionSamples: c.Pipeline.MaxExclusionSamples,
		Logger:              logger,
	}
}

// StorageConfig returns the storage factory configuration.
func (c *Config) StorageConfig(logger *slog.Logger) storage.Config {
	ch := clickhouse.DefaultConfig()
	ch.Addr = c.Storage.ClickHouse.Addr
	ch.Database = c.Storage.ClickHouse.Database
	ch.Username = c.Storage.ClickHouse.Username
	ch.Password = c.Storage.ClickHouse.Password
	ch.BatchSize = c.Storage.ClickHouse.BatchSize
	ch.FlushInterval = c.Storage.ClickHouse.FlushInterval

	capacity := c.Storage.RecordCapacity
	if !c.Storage.KeepRecords {
		capacity = 0
	}

	return storage.Config{
		Backend:             c.Storage.Backend,
		RecordCapacity:      capacity,
		MaxExclusionSamples: c.Pipeline.MaxExclusionSamples,
		SQLitePath:          c.Storage.SQLitePath,
		ClickHouse:          ch,
		Logger:              logger,
	}
}

// getEnv gets an environment variable with a default fallback.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
