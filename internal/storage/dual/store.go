// Package dual writes to two storage backends, for example to migrate
// from SQLite to ClickHouse without losing history.
package dual

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fidde/pgworkload/internal/aggregator"
	"github.com/fidde/pgworkload/pkg/models"
)

// Backend is the storage surface the dual store wraps. It matches
// storage.Storage.
type Backend interface {
	StoreWorkload(ctx context.Context, w *aggregator.Workload) error
	StoreRecords(ctx context.Context, records []*models.TemplatedRecord) error
	ListTemplates(ctx context.Context, filter models.TemplateFilter) ([]*models.TemplateStats, int, error)
	GetTemplate(ctx context.Context, hash uint64) (*models.TemplateStats, error)
	ListBuckets(ctx context.Context, hash uint64, from, to time.Time) ([]models.AggregateEntry, error)
	ListRecords(ctx context.Context, hash uint64, limit int) ([]*models.TemplatedRecord, error)
	GetExclusions(ctx context.Context) (*models.ExclusionReport, error)
	Export(ctx context.Context) (*aggregator.Workload, error)
	Clear(ctx context.Context) error
	Close() error
}

// Store mirrors writes to a secondary backend and serves reads from the
// primary. Only the primary decides whether a write succeeded.
type Store struct {
	primary   Backend
	secondary Backend
	logger    *slog.Logger

	pending           sync.WaitGroup
	secondaryFailures atomic.Int64
}

type Config struct {
	Primary   Backend
	Secondary Backend
	Logger    *slog.Logger
}

func New(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		primary:   cfg.Primary,
		secondary: cfg.Secondary,
		logger:    logger.With("component", "dual_store"),
	}
}

// dualWrite applies write to the primary and, once that succeeded, to the
// secondary in the background. Secondary errors are logged and counted.
func (s *Store) dualWrite(ctx context.Context, op string, write func(context.Context, Backend) error) error {
	if err := write(ctx, s.primary); err != nil {
		return err
	}

	// The secondary write outlives the caller's request.
	bg := context.WithoutCancel(ctx)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := write(bg, s.secondary); err != nil {
			n := s.secondaryFailures.Add(1)
			s.logger.Error("secondary write failed", "operation", op, "failures", n, "error", err)
		}
	}()

	return nil
}

// Wait blocks until in-flight secondary writes have finished.
func (s *Store) Wait() {
	s.pending.Wait()
}

// SecondaryFailures returns how many secondary writes have failed. A
// non-zero value means the backends have diverged.
func (s *Store) SecondaryFailures() int64 {
	return s.secondaryFailures.Load()
}

// StoreWorkload merges w into both backends.
func (s *Store) StoreWorkload(ctx context.Context, w *aggregator.Workload) error {
	return s.dualWrite(ctx, "StoreWorkload", func(ctx context.Context, b Backend) error {
		return b.StoreWorkload(ctx, w)
	})
}

// StoreRecords stores records in both backends.
func (s *Store) StoreRecords(ctx context.Context, records []*models.TemplatedRecord) error {
	return s.dualWrite(ctx, "StoreRecords", func(ctx context.Context, b Backend) error {
		return b.StoreRecords(ctx, records)
	})
}

// ListTemplates lists templates from primary backend only.
func (s *Store) ListTemplates(ctx context.Context, filter models.TemplateFilter) ([]*models.TemplateStats, int, error) {
	return s.primary.ListTemplates(ctx, filter)
}

// GetTemplate retrieves a template from primary backend only.
func (s *Store) GetTemplate(ctx context.Context, hash uint64) (*models.TemplateStats, error) {
	return s.primary.GetTemplate(ctx, hash)
}

// ListBuckets lists buckets from primary backend only.
func (s *Store) ListBuckets(ctx context.Context, hash uint64, from, to time.Time) ([]models.AggregateEntry, error) {
	return s.primary.ListBuckets(ctx, hash, from, to)
}

// ListRecords lists records from primary backend only.
func (s *Store) ListRecords(ctx context.Context, hash uint64, limit int) ([]*models.TemplatedRecord, error) {
	return s.primary.ListRecords(ctx, hash, limit)
}

// GetExclusions gets the exclusion report from primary backend only.
func (s *Store) GetExclusions(ctx context.Context) (*models.ExclusionReport, error) {
	return s.primary.GetExclusions(ctx)
}

// Export exports from primary backend only.
func (s *Store) Export(ctx context.Context) (*aggregator.Workload, error) {
	return s.primary.Export(ctx)
}

// Clear empties the primary, then the secondary on a best-effort basis.
// Backends are in sync again after a successful Clear.
func (s *Store) Clear(ctx context.Context) error {
	s.pending.Wait()

	if err := s.primary.Clear(ctx); err != nil {
		return fmt.Errorf("clear primary: %w", err)
	}
	if err := s.secondary.Clear(ctx); err != nil {
		s.logger.Error("clearing secondary failed", "error", err)
		return nil
	}
	s.secondaryFailures.Store(0)
	return nil
}

// Close waits for pending writes and closes both backends.
func (s *Store) Close() error {
	s.pending.Wait()

	var errs []error
	if err := s.primary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close primary: %w", err))
	}
	if err := s.secondary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close secondary: %w", err))
	}

	return errors.Join(errs...)
}
