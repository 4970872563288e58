// Package storage defines the storage interface for workload aggregates.
package storage

import (
	"context"
	"time"

	"github.com/fidde/pgworkload/internal/aggregator"
	"github.com/fidde/pgworkload/pkg/models"
)

// Storage persists workload aggregates and templated records.
// Implementations must be safe for concurrent use.
type Storage interface {
	// StoreWorkload merges a partial workload into the stored aggregate.
	// Merging is commutative: the order of calls does not matter.
	StoreWorkload(ctx context.Context, w *aggregator.Workload) error

	// StoreRecords keeps templated records as examples. Backends may bound
	// how many they retain.
	StoreRecords(ctx context.Context, records []*models.TemplatedRecord) error

	// Template queries
	ListTemplates(ctx context.Context, filter models.TemplateFilter) ([]*models.TemplateStats, int, error)
	GetTemplate(ctx context.Context, hash uint64) (*models.TemplateStats, error)
	ListBuckets(ctx context.Context, hash uint64, from, to time.Time) ([]models.AggregateEntry, error)
	ListRecords(ctx context.Context, hash uint64, limit int) ([]*models.TemplatedRecord, error)

	GetExclusions(ctx context.Context) (*models.ExclusionReport, error)

	// Export returns the whole stored aggregate.
	Export(ctx context.Context) (*aggregator.Workload, error)

	// Clear all data
	Clear(ctx context.Context) error

	// Close the storage (for cleanup, e.g., DB connections)
	Close() error
}
