package clickhouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/fidde/pgworkload/internal/aggregator"
	"github.com/fidde/pgworkload/pkg/hyperloglog"
	"github.com/fidde/pgworkload/pkg/models"
	"github.com/google/uuid"
)

// Store implements the storage.Storage interface using ClickHouse.
// Writes are buffered; reads see them after the next flush.
type Store struct {
	conn   driver.Conn
	buffer *BatchBuffer
	logger *slog.Logger

	maxSamples int
}

// NewStore creates a new ClickHouse storage instance
func NewStore(ctx context.Context, config *ConnectionConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = DefaultConfig()
	}

	conn, err := Connect(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to ClickHouse: %w", err)
	}

	if err := InitializeSchema(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	maxSamples := config.MaxExclusionSamples
	if maxSamples < 0 {
		maxSamples = aggregator.DefaultMaxExclusionSamples
	}

	store := &Store{
		conn:       conn,
		buffer:     NewBatchBuffer(conn, config.BatchSize, config.FlushInterval, logger),
		logger:     logger,
		maxSamples: maxSamples,
	}

	return store, nil
}

// Write operations

// StoreWorkload buffers the rows of w. Bucket and exclusion counts are
// summed by the table engines, template rows are folded at read time.
func (s *Store) StoreWorkload(ctx context.Context, w *aggregator.Workload) error {
	if w == nil {
		return errors.New("workload cannot be nil")
	}
	runID := uuid.NewString()

	var rows []row
	for _, e := range w.Entries() {
		rows = append(rows, BucketRow{
			TemplateHash: e.TemplateHash,
			TimeBucket:   e.TimeBucket,
			Count:        uint64(e.Count),
		})
	}
	for _, ts := range w.Templates() {
		rows = append(rows, TemplateRow{
			TemplateHash: ts.Hash,
			Template:     ts.Template,
			CommandTag:   ts.CommandTag,
			Count:        uint64(ts.Count),
			FirstSeen:    ts.FirstSeen,
			LastSeen:     ts.LastSeen,
			Example:      ts.Example,
			ExampleTime:  ts.ExampleTime,
			Sketch:       string(ts.Sketch),
			RunID:        runID,
		})
	}

	report := w.Exclusions()
	for reason, n := range report.Counts {
		rows = append(rows, ExclusionCountRow{Reason: string(reason), Count: uint64(n)})
	}
	for _, ex := range report.Samples {
		rows = append(rows, ExclusionSampleRow{
			Source: ex.Source,
			Line:   ex.Line,
			Reason: string(ex.Reason),
			Error:  ex.Error,
		})
	}

	if err := s.buffer.Add(rows...); err != nil {
		return fmt.Errorf("buffering workload: %w", err)
	}

	s.logger.Debug("buffered workload",
		"run_id", runID,
		"templates", w.TemplateCount(),
		"buckets", w.Len(),
	)
	return nil
}

// StoreRecords buffers templated records. Retention is left to the table TTL.
func (s *Store) StoreRecords(ctx context.Context, records []*models.TemplatedRecord) error {
	runID := uuid.NewString()

	rows := make([]row, 0, len(records))
	for _, rec := range records {
		if rec == nil || !rec.HasTemplate() {
			continue
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding record: %w", err)
		}
		rows = append(rows, RecordRow{
			TemplateHash: rec.TemplateHash,
			LogTime:      rec.LogTime,
			RunID:        runID,
			Data:         string(data),
		})
	}

	if err := s.buffer.Add(rows...); err != nil {
		return fmt.Errorf("buffering records: %w", err)
	}
	return nil
}

// Template operations

// templateAggregate folds the per-run template rows into one row per template.
const templateAggregate = `
	SELECT
		template_hash,
		any(template) AS tmpl,
		sum(count) AS total,
		min(first_seen),
		max(last_seen),
		argMin(example, (example_time, example)),
		min(example_time),
		argMin(command_tag, (example_time, example)) AS tag,
		groupArray(sketch)
	FROM template_stats
`

func scanTemplate(rows driver.Rows) (*models.TemplateStats, error) {
	var (
		ts       models.TemplateStats
		count    uint64
		sketches []string
	)
	if err := rows.Scan(
		&ts.Hash, &ts.Template, &count, &ts.FirstSeen, &ts.LastSeen,
		&ts.Example, &ts.ExampleTime, &ts.CommandTag, &sketches,
	); err != nil {
		return nil, fmt.Errorf("scanning template: %w", err)
	}

	ts.ID = models.FormatTemplateID(ts.Hash)
	ts.Count = int64(count)
	ts.FirstSeen = ts.FirstSeen.UTC()
	ts.LastSeen = ts.LastSeen.UTC()
	ts.ExampleTime = ts.ExampleTime.UTC()

	parts := make([][]byte, len(sketches))
	for i, sk := range sketches {
		parts[i] = []byte(sk)
	}
	merged, err := hyperloglog.MergeBytes(parts...)
	if err != nil {
		return nil, fmt.Errorf("merging sketches of template %s: %w", ts.ID, err)
	}
	if merged != nil {
		sketch, err := hyperloglog.FromBytes(merged)
		if err != nil {
			return nil, err
		}
		ts.DistinctParams = sketch.Count()
		ts.Sketch = merged
	}

	return &ts, nil
}

func (s *Store) totalCount(ctx context.Context) (int64, error) {
	var total uint64
	if err := s.conn.QueryRow(ctx, "SELECT sum(count) FROM template_stats").Scan(&total); err != nil {
		return 0, fmt.Errorf("querying total: %w", err)
	}
	return int64(total), nil
}

func (s *Store) queryTemplates(ctx context.Context, query string, args ...any) ([]*models.TemplateStats, error) {
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying templates: %w", err)
	}
	defer rows.Close()

	var out []*models.TemplateStats
	for rows.Next() {
		ts, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

func withPercentage(stats []*models.TemplateStats, total int64) {
	if total <= 0 {
		return
	}
	for _, ts := range stats {
		ts.Percentage = float64(ts.Count) / float64(total) * 100
	}
}

// ListTemplates returns the templates matching filter, sorted by count.
func (s *Store) ListTemplates(ctx context.Context, filter models.TemplateFilter) ([]*models.TemplateStats, int, error) {
	having := []string{"total >= ?"}
	args := []any{uint64(max(filter.MinCount, 0))}
	if filter.CommandTag != "" {
		having = append(having, "lower(tag) = lower(?)")
		args = append(args, filter.CommandTag)
	}
	if filter.Query != "" {
		having = append(having, "positionCaseInsensitive(tmpl, ?) > 0")
		args = append(args, filter.Query)
	}
	grouped := templateAggregate + " GROUP BY template_hash HAVING " + strings.Join(having, " AND ")

	var matched uint64
	if err := s.conn.QueryRow(ctx, "SELECT count() FROM ("+grouped+")", args...).Scan(&matched); err != nil {
		return nil, 0, fmt.Errorf("counting templates: %w", err)
	}

	query := grouped + " ORDER BY total DESC, tmpl ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	stats, err := s.queryTemplates(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}

	total, err := s.totalCount(ctx)
	if err != nil {
		return nil, 0, err
	}
	withPercentage(stats, total)
	return stats, int(matched), nil
}

// GetTemplate retrieves one template by hash.
func (s *Store) GetTemplate(ctx context.Context, hash uint64) (*models.TemplateStats, error) {
	stats, err := s.queryTemplates(ctx, templateAggregate+" WHERE template_hash = ? GROUP BY template_hash", hash)
	if err != nil {
		return nil, err
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("template %s: %w", models.FormatTemplateID(hash), models.ErrNotFound)
	}

	total, err := s.totalCount(ctx)
	if err != nil {
		return nil, err
	}
	withPercentage(stats, total)
	return stats[0], nil
}

// ListBuckets returns the per-bucket counts of one template.
func (s *Store) ListBuckets(ctx context.Context, hash uint64, from, to time.Time) ([]models.AggregateEntry, error) {
	ts, err := s.GetTemplate(ctx, hash)
	if err != nil {
		return nil, err
	}

	query := "SELECT time_bucket, sum(count) FROM workload_buckets WHERE template_hash = ?"
	args := []any{hash}
	if !from.IsZero() {
		query += " AND time_bucket >= ?"
		args = append(args, from.UTC())
	}
	if !to.IsZero() {
		query += " AND time_bucket <= ?"
		args = append(args, to.UTC())
	}
	query += " GROUP BY time_bucket ORDER BY time_bucket"

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying buckets: %w", err)
	}
	defer rows.Close()

	var entries []models.AggregateEntry
	for rows.Next() {
		var (
			bucket time.Time
			count  uint64
		)
		if err := rows.Scan(&bucket, &count); err != nil {
			return nil, fmt.Errorf("scanning bucket: %w", err)
		}
		entries = append(entries, models.AggregateEntry{
			Template:     ts.Template,
			TemplateHash: hash,
			TimeBucket:   bucket.UTC(),
			Count:        int64(count),
		})
	}
	return entries, rows.Err()
}

// ListRecords returns up to limit recent records of one template, newest first.
func (s *Store) ListRecords(ctx context.Context, hash uint64, limit int) ([]*models.TemplatedRecord, error) {
	query := "SELECT data FROM records WHERE template_hash = ? ORDER BY log_time DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.conn.Query(ctx, query, hash)
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
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decoding record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Exclusion operations

// GetExclusions returns the exclusion report.
func (s *Store) GetExclusions(ctx context.Context) (*models.ExclusionReport, error) {
	report := models.NewExclusionReport()

	rows, err := s.conn.Query(ctx, "SELECT reason, sum(count) FROM exclusion_counts GROUP BY reason")
	if err != nil {
		return nil, fmt.Errorf("querying exclusion counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			reason string
			count  uint64
		)
		if err := rows.Scan(&reason, &count); err != nil {
			return nil, fmt.Errorf("scanning exclusion count: %w", err)
		}
		report.Counts[models.ExclusionReason(reason)] = int64(count)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	samples, err := s.conn.Query(ctx, fmt.Sprintf(`
		SELECT DISTINCT source, line, reason, error FROM exclusion_samples
		ORDER BY source, line, reason, error
		LIMIT %d
	`, s.maxSamples))
	if err != nil {
		return nil, fmt.Errorf("querying exclusion samples: %w", err)
	}
	defer samples.Close()
	for samples.Next() {
		var (
			ex     models.Exclusion
			reason string
		)
		if err := samples.Scan(&ex.Source, &ex.Line, &reason, &ex.Error); err != nil {
			return nil, fmt.Errorf("scanning exclusion sample: %w", err)
		}
		ex.Reason = models.ExclusionReason(reason)
		report.Samples = append(report.Samples, ex)
	}
	return report, samples.Err()
}

// Export flushes buffered writes and returns the whole stored aggregate.
func (s *Store) Export(ctx context.Context) (*aggregator.Workload, error) {
	if err := s.buffer.Flush(); err != nil {
		return nil, err
	}

	templates, err := s.queryTemplates(ctx, templateAggregate+" GROUP BY template_hash")
	if err != nil {
		return nil, err
	}
	byHash := make(map[uint64]string, len(templates))
	for _, ts := range templates {
		byHash[ts.Hash] = ts.Template
	}

	rows, err := s.conn.Query(ctx, "SELECT template_hash, time_bucket, sum(count) FROM workload_buckets GROUP BY template_hash, time_bucket")
	if err != nil {
		return nil, fmt.Errorf("querying buckets: %w", err)
	}
	defer rows.Close()

	var entries []models.AggregateEntry
	for rows.Next() {
		var (
			hash   uint64
			bucket time.Time
			count  uint64
		)
		if err := rows.Scan(&hash, &bucket, &count); err != nil {
			return nil, fmt.Errorf("scanning bucket: %w", err)
		}
		template, ok := byHash[hash]
		if !ok {
			s.logger.Warn("bucket without template", "template_id", models.FormatTemplateID(hash))
			continue
		}
		entries = append(entries, models.AggregateEntry{
			Template:     template,
			TemplateHash: hash,
			TimeBucket:   bucket.UTC(),
			Count:        int64(count),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report, err := s.GetExclusions(ctx)
	if err != nil {
		return nil, err
	}
	return aggregator.FromParts(entries, templates, report, s.maxSamples)
}

// Utility operations

// Flush writes all buffered rows.
func (s *Store) Flush() error {
	return s.buffer.Flush()
}

// Clear removes all data from all tables
func (s *Store) Clear(ctx context.Context) error {
	if err := s.buffer.Flush(); err != nil {
		s.logger.Warn("discarding unflushed rows", "error", err)
	}
	for _, table := range tables {
		if err := s.conn.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s", table.name)); err != nil {
			return fmt.Errorf("truncating %s: %w", table.name, err)
		}
	}
	return nil
}

// Close flushes pending writes and closes the connection.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var errs []error
	if err := s.buffer.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing buffer: %w", err))
	}
	if err := s.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing connection: %w", err))
	}
	return errors.Join(errs...)
}
