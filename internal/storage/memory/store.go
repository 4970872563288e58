// Package memory provides an in-memory storage implementation for workloads.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fidde/pgworkload/internal/aggregator"
	"github.com/fidde/pgworkload/pkg/models"
)

// DefaultRecordCapacity is the number of recent records kept.
const DefaultRecordCapacity = 10000

// Store keeps the workload in a sharded aggregate and the most recent
// templated records in a ring buffer.
type Store struct {
	workload   *aggregator.Sharded
	maxSamples int

	recordsmu sync.RWMutex
	records   []*models.TemplatedRecord
	next      int
	full      bool
}

// New creates a new in-memory store keeping at most recordCapacity records.
// A zero capacity keeps no records.
func New(recordCapacity, maxSamples int) *Store {
	if recordCapacity < 0 {
		recordCapacity = DefaultRecordCapacity
	}
	return &Store{
		workload:   aggregator.NewSharded(aggregator.DefaultShards, maxSamples),
		maxSamples: maxSamples,
		records:    make([]*models.TemplatedRecord, recordCapacity),
	}
}

// StoreWorkload merges w into the stored aggregate.
func (s *Store) StoreWorkload(ctx context.Context, w *aggregator.Workload) error {
	if w == nil {
		return errors.New("workload cannot be nil")
	}
	return s.workload.Merge(w)
}

// StoreRecords appends records with a template to the ring buffer.
func (s *Store) StoreRecords(ctx context.Context, records []*models.TemplatedRecord) error {
	if len(s.records) == 0 {
		return nil
	}

	s.recordsmu.Lock()
	defer s.recordsmu.Unlock()

	for _, rec := range records {
		if rec == nil || !rec.HasTemplate() {
			continue
		}
		s.records[s.next] = rec
		s.next++
		if s.next == len(s.records) {
			s.next = 0
			s.full = true
		}
	}
	return nil
}

// ListTemplates returns the templates matching filter, sorted by count.
func (s *Store) ListTemplates(ctx context.Context, filter models.TemplateFilter) ([]*models.TemplateStats, int, error) {
	w, err := s.workload.Snapshot()
	if err != nil {
		return nil, 0, err
	}
	page, total := models.FilterTemplates(w.Templates(), filter)
	return page, total, nil
}

// GetTemplate retrieves one template by hash.
func (s *Store) GetTemplate(ctx context.Context, hash uint64) (*models.TemplateStats, error) {
	stats, ok := s.workload.Template(hash)
	if !ok {
		return nil, fmt.Errorf("template %s: %w", models.FormatTemplateID(hash), models.ErrNotFound)
	}
	return stats, nil
}

// ListBuckets returns the per-bucket counts of one template.
func (s *Store) ListBuckets(ctx context.Context, hash uint64, from, to time.Time) ([]models.AggregateEntry, error) {
	if _, ok := s.workload.Template(hash); !ok {
		return nil, fmt.Errorf("template %s: %w", models.FormatTemplateID(hash), models.ErrNotFound)
	}
	return s.workload.TemplateEntries(hash, from, to), nil
}

// ListRecords returns up to limit recent records of one template, newest first.
func (s *Store) ListRecords(ctx context.Context, hash uint64, limit int) ([]*models.TemplatedRecord, error) {
	s.recordsmu.RLock()
	defer s.recordsmu.RUnlock()

	n := s.next
	if s.full {
		n = len(s.records)
	}

	var out []*models.TemplatedRecord
	for i := 0; i < n; i++ {
		idx := (s.next - 1 - i + len(s.records)) % len(s.records)
		rec := s.records[idx]
		if rec.TemplateHash != hash {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetExclusions returns the exclusion report.
func (s *Store) GetExclusions(ctx context.Context) (*models.ExclusionReport, error) {
	return s.workload.Exclusions(), nil
}

// Export returns a copy of the whole aggregate.
func (s *Store) Export(ctx context.Context) (*aggregator.Workload, error) {
	return s.workload.Snapshot()
}

// Clear removes all stored data.
func (s *Store) Clear(ctx context.Context) error {
	s.workload.Reset()

	s.recordsmu.Lock()
	defer s.recordsmu.Unlock()
	clear(s.records)
	s.next = 0
	s.full = false
	return nil
}

// Close is a no-op for in-memory storage.
func (s *Store) Close() error {
	return nil
}
