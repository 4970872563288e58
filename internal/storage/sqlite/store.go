// Package sqlite provides a SQLite-backed storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fidde/pgworkload/internal/aggregator"
	"github.com/fidde/pgworkload/pkg/hyperloglog"
	"github.com/fidde/pgworkload/pkg/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial_schema.up.sql
var migrationSQL string

// ErrClosed is returned for writes after Close.
var ErrClosed = errors.New("store is closed")

// Store is a SQLite-backed storage for workload aggregates.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	maxSamples     int
	recordCapacity int

	// Batch writer
	writeCh   chan writeOp
	closeCh   chan struct{}
	stopped   chan struct{} // closed once batchWriter has returned
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// writeOp represents a write operation to be batched.
type writeOp struct {
	opType string
	data   interface{}
	done   chan error
}

// Config holds SQLite store configuration.
type Config struct {
	DBPath              string
	BatchSize           int
	FlushInterval       time.Duration
	MaxExclusionSamples int // negative selects the aggregator default
	RecordCapacity      int // records kept, 0 keeps none
}

// DefaultConfig returns default SQLite configuration.
func DefaultConfig(dbPath string) Config {
	return Config{
		DBPath:              dbPath,
		BatchSize:           100,
		FlushInterval:       100 * time.Millisecond,
		MaxExclusionSamples: aggregator.DefaultMaxExclusionSamples,
		RecordCapacity:      10000,
	}
}

// New creates a new SQLite store with the given configuration.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxExclusionSamples < 0 {
		cfg.MaxExclusionSamples = aggregator.DefaultMaxExclusionSamples
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set pragmas for performance
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-64000", // 64MB cache
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}

	if _, err := db.Exec(migrationSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	store := &Store{
		db:             db,
		logger:         logger,
		maxSamples:     cfg.MaxExclusionSamples,
		recordCapacity: cfg.RecordCapacity,
		writeCh:        make(chan writeOp, 1000),
		closeCh:        make(chan struct{}),
		stopped:        make(chan struct{}),
	}

	store.wg.Add(1)
	go store.batchWriter(cfg.BatchSize, cfg.FlushInterval)

	return store, nil
}

// batchWriter runs in a goroutine and batches write operations.
func (s *Store) batchWriter(batchSize int, flushInterval time.Duration) {
	defer s.wg.Done()
	defer close(s.stopped)

	batch := make([]writeOp, 0, batchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}

		err := s.executeBatch(batch)
		if err != nil {
			s.logger.Error("sqlite batch failed", "error", err, "ops", len(batch))
		}

		for i := range batch {
			if batch[i].done != nil {
				batch[i].done <- err
				close(batch[i].done)
			}
		}

		batch = batch[:0]
	}

	for {
		select {
		case op := <-s.writeCh:
			batch = append(batch, op)
			if batchSize > 0 && len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-s.closeCh:
			// Drain ops queued before close.
			for {
				select {
				case op := <-s.writeCh:
					batch = append(batch, op)
				default:
					flush()
					return
				}
			}
		}
	}
}

// executeBatch runs a batch of write operations in a single transaction.
func (s *Store) executeBatch(batch []writeOp) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, op := range batch {
		var err error
		switch op.opType {
		case "StoreWorkload":
			err = s.storeWorkloadTx(tx, op.data.(*aggregator.Workload))
		case "StoreRecords":
			err = s.storeRecordsTx(tx, op.data.([]*models.TemplatedRecord))
		default:
			err = fmt.Errorf("unknown operation: %s", op.opType)
		}

		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// submit queues an operation for the batch writer and waits for its result.
func (s *Store) submit(ctx context.Context, opType string, data interface{}) error {
	select {
	case <-s.closeCh:
		return ErrClosed
	default:
	}
	return s.enqueue(ctx, writeOp{opType: opType, data: data, done: make(chan error, 1)})
}

// enqueue hands op to the batch writer. An op queued while Close runs may
// miss the final drain, so the wait also ends when the writer stops.
func (s *Store) enqueue(ctx context.Context, op writeOp) error {
	select {
	case s.writeCh <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closeCh:
		return ErrClosed
	}

	select {
	case err := <-op.done:
		return err
	case <-s.stopped:
		// The drain may have flushed op just before stopping.
		select {
		case err := <-op.done:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the store and releases resources.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Clear removes all stored data.
func (s *Store) Clear(ctx context.Context) error {
	tables := []string{
		"workload_buckets",
		"templates",
		"exclusion_counts",
		"exclusion_samples",
		"records",
		"runs",
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// StoreWorkload merges w into the stored aggregate.
func (s *Store) StoreWorkload(ctx context.Context, w *aggregator.Workload) error {
	if w == nil {
		return errors.New("workload cannot be nil")
	}
	return s.submit(ctx, "StoreWorkload", w)
}

// storeWorkloadTx merges a workload within a transaction. Bucket and
// exclusion counts are added in SQL; template rows are merged in Go because
// the example choice and the HLL sketch union need the existing values.
func (s *Store) storeWorkloadTx(tx *sql.Tx, w *aggregator.Workload) error {
	incoming := w.Templates()
	ids := make([]string, 0, len(incoming))
	for _, ts := range incoming {
		ids = append(ids, ts.ID)
	}

	existing, err := s.templatesByID(tx, ids)
	if err != nil {
		return err
	}
	merged, err := aggregator.FromParts(nil, existing, nil, 0)
	if err != nil {
		return fmt.Errorf("loading stored templates: %w", err)
	}
	if err := merged.Merge(w); err != nil {
		return fmt.Errorf("merging templates: %w", err)
	}

	for _, ts := range merged.Templates() {
		_, err := tx.Exec(`
			INSERT INTO templates (
				hash, template, command_tag, total_count, first_seen, last_seen,
				example, example_time, sketch
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(hash) DO UPDATE SET
				command_tag = excluded.command_tag,
				total_count = excluded.total_count,
				first_seen = excluded.first_seen,
				last_seen = excluded.last_seen,
				example = excluded.example,
				example_time = excluded.example_time,
				sketch = excluded.sketch
		`, ts.ID, ts.Template, ts.CommandTag, ts.Count, nanos(ts.FirstSeen), nanos(ts.LastSeen),
			ts.Example, nanos(ts.ExampleTime), ts.Sketch)
		if err != nil {
			return fmt.Errorf("upserting template %s: %w", ts.ID, err)
		}
	}

	for _, e := range w.Entries() {
		_, err := tx.Exec(`
			INSERT INTO workload_buckets (template_hash, time_bucket, count)
			VALUES (?, ?, ?)
			ON CONFLICT(template_hash, time_bucket) DO UPDATE SET
				count = count + excluded.count
		`, models.FormatTemplateID(e.TemplateHash), e.TimeBucket.UnixNano(), e.Count)
		if err != nil {
			return fmt.Errorf("upserting bucket: %w", err)
		}
	}

	report := w.Exclusions()
	for reason, n := range report.Counts {
		_, err := tx.Exec(`
			INSERT INTO exclusion_counts (reason, count) VALUES (?, ?)
			ON CONFLICT(reason) DO UPDATE SET count = count + excluded.count
		`, string(reason), n)
		if err != nil {
			return fmt.Errorf("upserting exclusion count %s: %w", reason, err)
		}
	}
	if len(report.Samples) > 0 {
		for _, ex := range report.Samples {
			_, err := tx.Exec(`INSERT INTO exclusion_samples (source, line, reason, error) VALUES (?, ?, ?, ?)`,
				ex.Source, ex.Line, string(ex.Reason), ex.Error)
			if err != nil {
				return fmt.Errorf("inserting exclusion sample: %w", err)
			}
		}
		_, err := tx.Exec(`
			DELETE FROM exclusion_samples WHERE rowid NOT IN (
				SELECT rowid FROM exclusion_samples
				ORDER BY source, line, reason, error
				LIMIT ?
			)
		`, s.maxSamples)
		if err != nil {
			return fmt.Errorf("trimming exclusion samples: %w", err)
		}
	}

	summary := w.Summary()
	_, err = tx.Exec(`
		INSERT INTO runs (run_id, stored_at, templated, excluded, templates, buckets)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), time.Now().UnixNano(), summary.Templated, report.Total(), summary.Templates, summary.Buckets)
	if err != nil {
		return fmt.Errorf("recording run: %w", err)
	}

	return nil
}

// templatesByID loads the stored statistics of the given templates.
func (s *Store) templatesByID(tx *sql.Tx, ids []string) ([]*models.TemplateStats, error) {
	var out []*models.TemplateStats
	const chunk = 500
	for start := 0; start < len(ids); start += chunk {
		end := min(start+chunk, len(ids))
		part := ids[start:end]

		args := make([]interface{}, len(part))
		for i, id := range part {
			args[i] = id
		}
		rows, err := tx.Query(`
			SELECT hash, template, command_tag, total_count, first_seen, last_seen,
				example, example_time, sketch
			FROM templates WHERE hash IN (?`+strings.Repeat(",?", len(part)-1)+`)
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("querying templates: %w", err)
		}
		stats, err := scanTemplates(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, stats...)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row scanner) (*models.TemplateStats, error) {
	var ts models.TemplateStats
	var firstSeen, lastSeen, exampleTime int64
	if err := row.Scan(&ts.ID, &ts.Template, &ts.CommandTag, &ts.Count, &firstSeen, &lastSeen,
		&ts.Example, &exampleTime, &ts.Sketch); err != nil {
		return nil, err
	}
	hash, err := models.ParseTemplateID(ts.ID)
	if err != nil {
		return nil, err
	}
	ts.Hash = hash
	ts.FirstSeen = fromNanos(firstSeen)
	ts.LastSeen = fromNanos(lastSeen)
	ts.ExampleTime = fromNanos(exampleTime)
	return &ts, nil
}

func scanTemplates(rows *sql.Rows) ([]*models.TemplateStats, error) {
	defer rows.Close()

	var out []*models.TemplateStats
	for rows.Next() {
		ts, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning template: %w", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// StoreRecords keeps templated records, trimming the oldest beyond capacity.
func (s *Store) StoreRecords(ctx context.Context, records []*models.TemplatedRecord) error {
	if s.recordCapacity == 0 || len(records) == 0 {
		return nil
	}
	return s.submit(ctx, "StoreRecords", records)
}

func (s *Store) storeRecordsTx(tx *sql.Tx, records []*models.TemplatedRecord) error {
	runID := uuid.NewString()
	for _, rec := range records {
		if rec == nil || !rec.HasTemplate() {
			continue
		}
		data, err := encodeJSON(rec)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`INSERT INTO records (run_id, template_hash, log_time, data) VALUES (?, ?, ?, ?)`,
			runID, models.FormatTemplateID(rec.TemplateHash), rec.LogTime.UnixNano(), data)
		if err != nil {
			return fmt.Errorf("inserting record: %w", err)
		}
	}

	_, err := tx.Exec(`DELETE FROM records WHERE id <= (SELECT MAX(id) FROM records) - ?`, s.recordCapacity)
	if err != nil {
		return fmt.Errorf("trimming records: %w", err)
	}
	return nil
}

// totalCount returns the number of templated records stored.
func (s *Store) totalCount(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT SUM(total_count) FROM templates`).Scan(&total); err != nil {
		return 0, fmt.Errorf("querying total: %w", err)
	}
	return total.Int64, nil
}

// fillDistinct estimates the distinct parameter tuples from the stored sketch.
func fillDistinct(ts *models.TemplateStats) {
	if len(ts.Sketch) == 0 {
		return
	}
	sketch, err := hyperloglog.FromBytes(ts.Sketch)
	if err != nil {
		return
	}
	ts.DistinctParams = sketch.Count()
}

func withPercentage(stats []*models.TemplateStats, total int64) {
	for _, ts := range stats {
		if total > 0 {
			ts.Percentage = float64(ts.Count) / float64(total) * 100
		}
	}
}

// ListTemplates returns the templates matching filter, sorted by count.
func (s *Store) ListTemplates(ctx context.Context, filter models.TemplateFilter) ([]*models.TemplateStats, int, error) {
	where := []string{"total_count >= ?"}
	args := []interface{}{filter.MinCount}
	if filter.CommandTag != "" {
		where = append(where, "command_tag = ? COLLATE NOCASE")
		args = append(args, filter.CommandTag)
	}
	if filter.Query != "" {
		where = append(where, "instr(lower(template), lower(?)) > 0")
		args = append(args, filter.Query)
	}
	clause := strings.Join(where, " AND ")

	var matched int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM templates WHERE `+clause, args...).Scan(&matched); err != nil {
		return nil, 0, fmt.Errorf("counting templates: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	offset := max(filter.Offset, 0)
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, template, command_tag, total_count, first_seen, last_seen,
			example, example_time, sketch
		FROM templates WHERE `+clause+`
		ORDER BY total_count DESC, template ASC
		LIMIT ? OFFSET ?
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying templates: %w", err)
	}
	stats, err := scanTemplates(rows)
	if err != nil {
		return nil, 0, err
	}

	total, err := s.totalCount(ctx)
	if err != nil {
		return nil, 0, err
	}
	withPercentage(stats, total)
	for _, ts := range stats {
		fillDistinct(ts)
	}
	return stats, matched, nil
}

// GetTemplate retrieves one template by hash.
func (s *Store) GetTemplate(ctx context.Context, hash uint64) (*models.TemplateStats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT hash, template, command_tag, total_count, first_seen, last_seen,
			example, example_time, sketch
		FROM templates WHERE hash = ?
	`, models.FormatTemplateID(hash))

	ts, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("template %s: %w", models.FormatTemplateID(hash), models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying template: %w", err)
	}

	total, err := s.totalCount(ctx)
	if err != nil {
		return nil, err
	}
	withPercentage([]*models.TemplateStats{ts}, total)
	fillDistinct(ts)
	return ts, nil
}

// ListBuckets returns the per-bucket counts of one template.
func (s *Store) ListBuckets(ctx context.Context, hash uint64, from, to time.Time) ([]models.AggregateEntry, error) {
	ts, err := s.GetTemplate(ctx, hash)
	if err != nil {
		return nil, err
	}

	query := `SELECT time_bucket, count FROM workload_buckets WHERE template_hash = ?`
	args := []interface{}{ts.ID}
	if !from.IsZero() {
		query += ` AND time_bucket >= ?`
		args = append(args, from.UnixNano())
	}
	if !to.IsZero() {
		query += ` AND time_bucket <= ?`
		args = append(args, to.UnixNano())
	}
	query += ` ORDER BY time_bucket`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying buckets: %w", err)
	}
	defer rows.Close()

	var entries []models.AggregateEntry
	for rows.Next() {
		var bucket, count int64
		if err := rows.Scan(&bucket, &count); err != nil {
			return nil, fmt.Errorf("scanning bucket: %w", err)
		}
		entries = append(entries, models.AggregateEntry{
			Template:     ts.Template,
			TemplateHash: hash,
			TimeBucket:   time.Unix(0, bucket).UTC(),
			Count:        count,
		})
	}
	return entries, rows.Err()
}

// ListRecords returns up to limit recent records of one template, newest first.
func (s *Store) ListRecords(ctx context.Context, hash uint64, limit int) ([]*models.TemplatedRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM records WHERE template_hash = ?
		ORDER BY id DESC LIMIT ?
	`, models.FormatTemplateID(hash), limit)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	var out []*models.TemplatedRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		var rec models.TemplatedRecord
		if err := decodeJSON(data, &rec); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// GetExclusions returns the exclusion report.
func (s *Store) GetExclusions(ctx context.Context) (*models.ExclusionReport, error) {
	report := models.NewExclusionReport()

	rows, err := s.db.QueryContext(ctx, `SELECT reason, count FROM exclusion_counts`)
	if err != nil {
		return nil, fmt.Errorf("querying exclusion counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var reason string
		var count int64
		if err := rows.Scan(&reason, &count); err != nil {
			return nil, fmt.Errorf("scanning exclusion count: %w", err)
		}
		report.Counts[models.ExclusionReason(reason)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	samples, err := s.db.QueryContext(ctx, `
		SELECT source, line, reason, error FROM exclusion_samples
		ORDER BY source, line, reason, error
	`)
	if err != nil {
		return nil, fmt.Errorf("querying exclusion samples: %w", err)
	}
	defer samples.Close()
	for samples.Next() {
		var ex models.Exclusion
		var reason string
		if err := samples.Scan(&ex.Source, &ex.Line, &reason, &ex.Error); err != nil {
			return nil, fmt.Errorf("scanning exclusion sample: %w", err)
		}
		ex.Reason = models.ExclusionReason(reason)
		report.Samples = append(report.Samples, ex)
	}
	return report, samples.Err()
}

// Export returns the whole stored aggregate.
func (s *Store) Export(ctx context.Context) (*aggregator.Workload, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, template, command_tag, total_count, first_seen, last_seen,
			example, example_time, sketch
		FROM templates
	`)
	if err != nil {
		return nil, fmt.Errorf("querying templates: %w", err)
	}
	templates, err := scanTemplates(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*models.TemplateStats, len(templates))
	for _, ts := range templates {
		byID[ts.ID] = ts
	}

	bucketRows, err := s.db.QueryContext(ctx, `SELECT template_hash, time_bucket, count FROM workload_buckets`)
	if err != nil {
		return nil, fmt.Errorf("querying buckets: %w", err)
	}
	defer bucketRows.Close()

	var entries []models.AggregateEntry
	for bucketRows.Next() {
		var id string
		var bucket, count int64
		if err := bucketRows.Scan(&id, &bucket, &count); err != nil {
			return nil, fmt.Errorf("scanning bucket: %w", err)
		}
		ts, ok := byID[id]
		if !ok {
			s.logger.Warn("bucket without template", "template_id", id)
			continue
		}
		entries = append(entries, models.AggregateEntry{
			Template:     ts.Template,
			TemplateHash: ts.Hash,
			TimeBucket:   time.Unix(0, bucket).UTC(),
			Count:        count,
		})
	}
	if err := bucketRows.Err(); err != nil {
		return nil, err
	}

	report, err := s.GetExclusions(ctx)
	if err != nil {
		return nil, err
	}
	return aggregator.FromParts(entries, templates, report, s.maxSamples)
}

// Helper functions

// nanos encodes t as unix nanoseconds, mapping the zero time to 0.
func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// encodeJSON encodes data as JSON string.
func encodeJSON(data interface{}) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encoding JSON: %w", err)
	}
	return string(b), nil
}

// decodeJSON decodes JSON string to target.
func decodeJSON(data string, target interface{}) error {
	if err := json.Unmarshal([]byte(data), target); err != nil {
		return fmt.Errorf("decoding JSON: %w", err)
	}
	return nil
}
