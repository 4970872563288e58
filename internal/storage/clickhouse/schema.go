package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// tables lists every table owned by the store, in creation order.
var tables = []struct {
	name string
	ddl  string
}{
	{"workload_buckets", workloadBucketsTableDDL},
	{"template_stats", templateStatsTableDDL},
	{"exclusion_counts", exclusionCountsTableDDL},
	{"exclusion_samples", exclusionSamplesTableDDL},
	{"records", recordsTableDDL},
}

// migration moves the schema to version. Statements must be idempotent: a
// migration interrupted before its version row is written runs again.
type migration struct {
	version    uint32
	statements []string
}

var migrations = []migration{
	{version: 1, statements: tableDDLs()},
	{version: 2, statements: []string{
		`ALTER TABLE template_stats ADD INDEX IF NOT EXISTS idx_command_tag command_tag TYPE set(64) GRANULARITY 4`,
	}},
}

func tableDDLs() []string {
	ddls := make([]string, len(tables))
	for i, t := range tables {
		ddls[i] = t.ddl
	}
	return ddls
}

// latestVersion is the version the code expects.
func latestVersion() uint32 {
	return migrations[len(migrations)-1].version
}

// pendingMigrations returns the migrations above current, in order. A
// database newer than the code is an error.
func pendingMigrations(current uint32) ([]migration, error) {
	if current > latestVersion() {
		return nil, fmt.Errorf("database schema version %d is newer than supported version %d", current, latestVersion())
	}
	var pending []migration
	for _, m := range migrations {
		if m.version > current {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// InitializeSchema brings the database up to the latest schema version.
func InitializeSchema(ctx context.Context, conn driver.Conn) error {
	if err := conn.Exec(ctx, schemaVersionTableDDL); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	current, err := currentSchemaVersion(ctx, conn)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	pending, err := pendingMigrations(current)
	if err != nil {
		return err
	}

	for _, m := range pending {
		for _, stmt := range m.statements {
			if err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("schema migration %d: %w", m.version, err)
			}
		}
		if err := conn.Exec(ctx, "INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			return fmt.Errorf("recording schema version %d: %w", m.version, err)
		}
	}
	return nil
}

const schemaVersionTableDDL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version UInt32,
    applied_at DateTime64(3) DEFAULT now64(3)
) ENGINE = MergeTree()
ORDER BY version
`

func currentSchemaVersion(ctx context.Context, conn driver.Conn) (uint32, error) {
	var version uint32
	err := conn.QueryRow(ctx, "SELECT max(version) FROM schema_version").Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	return version, nil
}

// Bucket counts are summed by the engine on merge; reads still aggregate
// with sum() since merges are eventual.
const workloadBucketsTableDDL = `
CREATE TABLE IF NOT EXISTS workload_buckets (
    template_hash UInt64,
    time_bucket DateTime64(9, 'UTC'),
    count UInt64
) ENGINE = SummingMergeTree(count)
ORDER BY (template_hash, time_bucket)
SETTINGS index_granularity = 8192
`

// One row per template per stored workload. Rows are folded at read time:
// counts sum, seen times widen, the earliest example wins and sketches union.
const templateStatsTableDDL = `
CREATE TABLE IF NOT EXISTS template_stats (
    template_hash UInt64,
    template String,
    command_tag LowCardinality(String),
    count UInt64,
    first_seen DateTime64(9, 'UTC'),
    last_seen DateTime64(9, 'UTC'),
    example String,
    example_time DateTime64(9, 'UTC'),
    sketch String,
    run_id String,
    inserted_at DateTime64(3) DEFAULT now64(3)
) ENGINE = MergeTree()
ORDER BY (template_hash, inserted_at)
SETTINGS index_granularity = 8192
`

const exclusionCountsTableDDL = `
CREATE TABLE IF NOT EXISTS exclusion_counts (
    reason LowCardinality(String),
    count UInt64
) ENGINE = SummingMergeTree(count)
ORDER BY reason
`

const exclusionSamplesTableDDL = `
CREATE TABLE IF NOT EXISTS exclusion_samples (
    source String,
    line Int64,
    reason LowCardinality(String),
    error String
) ENGINE = ReplacingMergeTree()
ORDER BY (source, line, reason, error)
`

const recordsTableDDL = `
CREATE TABLE IF NOT EXISTS records (
    template_hash UInt64,
    log_time DateTime64(9, 'UTC'),
    run_id String,
    data String
) ENGINE = MergeTree()
ORDER BY (template_hash, log_time)
TTL toDateTime(log_time) + INTERVAL 30 DAY
SETTINGS index_granularity = 8192
`
