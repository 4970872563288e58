package snapshots

import (
	"fmt"
	"time"

	"github.com/fidde/pgworkload/internal/aggregator"
	"github.com/fidde/pgworkload/pkg/models"
)

// FromWorkload builds a snapshot of w. bucket records the granularity the
// workload was aggregated at.
func FromWorkload(name, description string, bucket time.Duration, w *aggregator.Workload) *models.Snapshot {
	entries := w.Entries()
	templates := w.Templates()
	exclusions := w.Exclusions()

	return &models.Snapshot{
		Name:        name,
		Description: description,
		Created:     time.Now().UTC(),
		Bucket:      models.Duration(bucket),
		Data: models.SnapshotData{
			Entries:    entries,
			Templates:  templates,
			Exclusions: exclusions,
		},
		Stats: models.SnapshotStats{
			Templates: len(templates),
			Buckets:   len(entries),
			Total:     w.Total(),
			Excluded:  exclusions.Total(),
		},
	}
}

// ToWorkload rebuilds the workload stored in snap.
func ToWorkload(snap *models.Snapshot, maxSamples int) (*aggregator.Workload, error) {
	w, err := aggregator.FromParts(snap.Data.Entries, snap.Data.Templates, snap.Data.Exclusions, maxSamples)
	if err != nil {
		return nil, fmt.Errorf("restoring snapshot %s: %w", snap.Name, err)
	}
	return w, nil
}
