package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const (
	defaultBatchSize     = 1000
	defaultFlushInterval = 5 * time.Second
	closeTimeout         = 10 * time.Second
	insertTimeout        = 30 * time.Second
	insertAttempts       = 3
	insertRetryDelay     = 100 * time.Millisecond
)

// row is one buffered insert. values must follow the table's column order.
type row interface {
	table() string
	values() []any
}

// BucketRow represents a row in the workload_buckets table
type BucketRow struct {
	TemplateHash uint64
	TimeBucket   time.Time
	Count        uint64
}

func (BucketRow) table() string { return "workload_buckets" }
func (r BucketRow) values() []any {
	return []any{r.TemplateHash, r.TimeBucket, r.Count}
}

// TemplateRow represents a row in the template_stats table
type TemplateRow struct {
	TemplateHash uint64
	Template     string
	CommandTag   string
	Count        uint64
	FirstSeen    time.Time
	LastSeen     time.Time
	Example      string
	ExampleTime  time.Time
	Sketch       string
	RunID        string
}

func (TemplateRow) table() string { return "template_stats" }
func (r TemplateRow) values() []any {
	return []any{
		r.TemplateHash, r.Template, r.CommandTag, r.Count,
		r.FirstSeen, r.LastSeen, r.Example, r.ExampleTime,
		r.Sketch, r.RunID,
	}
}

// ExclusionCountRow represents a row in the exclusion_counts table
type ExclusionCountRow struct {
	Reason string
	Count  uint64
}

func (ExclusionCountRow) table() string { return "exclusion_counts" }
func (r ExclusionCountRow) values() []any {
	return []any{r.Reason, r.Count}
}

// ExclusionSampleRow represents a row in the exclusion_samples table
type ExclusionSampleRow struct {
	Source string
	Line   int64
	Reason string
	Error  string
}

func (ExclusionSampleRow) table() string { return "exclusion_samples" }
func (r ExclusionSampleRow) values() []any {
	return []any{r.Source, r.Line, r.Reason, r.Error}
}

// RecordRow represents a row in the records table
type RecordRow struct {
	TemplateHash uint64
	LogTime      time.Time
	RunID        string
	Data         string
}

func (RecordRow) table() string { return "records" }
func (r RecordRow) values() []any {
	return []any{r.TemplateHash, r.LogTime, r.RunID, r.Data}
}

// insertColumns names the inserted columns per table, leaving defaults out.
var insertColumns = map[string]string{
	"workload_buckets":  "(template_hash, time_bucket, count)",
	"template_stats":    "(template_hash, template, command_tag, count, first_seen, last_seen, example, example_time, sketch, run_id)",
	"exclusion_counts":  "(reason, count)",
	"exclusion_samples": "(source, line, reason, error)",
	"records":           "(template_hash, log_time, run_id, data)",
}

// BatchBuffer groups rows per table and inserts them in batches, when a
// table reaches batchSize rows and on every flushInterval tick.
type BatchBuffer struct {
	conn          driver.Conn
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	pending map[string][]row

	stop     context.CancelFunc
	loopDone chan struct{}
	closed   sync.Once
}

// NewBatchBuffer starts a buffer over conn. Zero batchSize or flushInterval
// select the defaults.
func NewBatchBuffer(conn driver.Conn, batchSize int, flushInterval time.Duration, logger *slog.Logger) *BatchBuffer {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	ctx, stop := context.WithCancel(context.Background())
	b := &BatchBuffer{
		conn:          conn,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        logger.With("component", "clickhouse_buffer"),
		pending:       make(map[string][]row),
		stop:          stop,
		loopDone:      make(chan struct{}),
	}
	go b.run(ctx)
	return b
}

// Add buffers rows. Tables that reach the batch size are inserted before
// Add returns.
func (b *BatchBuffer) Add(rows ...row) error {
	var ready []string
	b.mu.Lock()
	for _, r := range rows {
		t := r.table()
		b.pending[t] = append(b.pending[t], r)
		if len(b.pending[t]) == b.batchSize {
			ready = append(ready, t)
		}
	}
	b.mu.Unlock()

	var errs []error
	for _, t := range ready {
		errs = append(errs, b.flushTable(t))
	}
	return errors.Join(errs...)
}

// Flush inserts every buffered row.
func (b *BatchBuffer) Flush() error {
	var errs []error
	for _, t := range tables {
		errs = append(errs, b.flushTable(t.name))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("flushing buffer: %w", err)
	}
	return nil
}

func (b *BatchBuffer) run(ctx context.Context) {
	defer close(b.loopDone)

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Flush(); err != nil {
				b.logger.Warn("periodic flush failed", "error", err)
			}
		}
	}
}

// flushTable takes the pending rows of table and inserts them outside the
// lock. Rows of a failed insert are dropped.
func (b *BatchBuffer) flushTable(table string) error {
	b.mu.Lock()
	rows := b.pending[table]
	delete(b.pending, table)
	b.mu.Unlock()
	if len(rows) == 0 {
		return nil
	}

	start := time.Now()
	if err := b.insert(table, rows); err != nil {
		b.logger.Error("insert failed", "table", table, "row_count", len(rows), "error", err)
		return err
	}
	b.logger.Debug("inserted rows", "table", table, "row_count", len(rows), "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Close stops the flush loop and inserts what is left. It waits for a
// running periodic flush at most closeTimeout or until ctx ends. Later calls
// are no-ops.
func (b *BatchBuffer) Close(ctx context.Context) error {
	var err error
	b.closed.Do(func() {
		b.stop()

		waitCtx, cancel := context.WithTimeout(ctx, closeTimeout)
		defer cancel()
		select {
		case <-b.loopDone:
		case <-waitCtx.Done():
			b.logger.Warn("flush loop still running at close")
		}
		err = b.Flush()
	})
	return err
}

func (b *BatchBuffer) insert(table string, rows []row) error {
	query := "INSERT INTO " + table + " " + insertColumns[table]
	err := retry(context.Background(), insertAttempts, insertRetryDelay, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		defer cancel()

		batch, err := b.conn.PrepareBatch(ctx, query)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if err := batch.Append(r.values()...); err != nil {
				batch.Abort()
				return err
			}
		}
		return batch.Send()
	})
	if err != nil {
		return fmt.Errorf("inserting %d rows into %s: %w", len(rows), table, err)
	}
	return nil
}
