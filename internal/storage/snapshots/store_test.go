package snapshots

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fidde/pgworkload/internal/aggregator"
	"github.com/fidde/pgworkload/pkg/models"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testWorkload() *aggregator.Workload {
	w := aggregator.NewWorkload(-1)
	for i, p := range []string{"1", "2", "2"} {
		at := base.Add(time.Duration(i) * time.Second)
		w.Add(&models.TemplatedRecord{
			LogRecord:        models.LogRecord{LogTime: at, CommandTag: "SELECT"},
			SubstitutedQuery: "SELECT " + p,
			Template:         "SELECT $1",
			TemplateHash:     models.HashTemplate("SELECT $1"),
			TemplateParams:   []string{p},
			TimeBucket:       at,
		})
	}
	w.AddExcluded(&models.LogRecord{Source: "a.csv", Line: 7}, models.ReasonMalformedParameters, errors.New("duplicate"))
	return w
}

func newTestStore(t *testing.T, maxSnapshots int) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := New(Config{Dir: dir, MaxSnapshotSize: 10 * 1024 * 1024, MaxSnapshots: maxSnapshots})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return store, dir
}

func TestStore_SaveAndLoad(t *testing.T) {
	store, dir := newTestStore(t, 10)
	ctx := context.Background()

	original := testWorkload()
	snap := FromWorkload("nightly-run", "Nightly batch", time.Second, original)

	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("Failed to save snapshot: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "nightly-run.json.zst")); err != nil {
		t.Errorf("Snapshot file was not created: %v", err)
	}

	loaded, err := store.Load(ctx, "nightly-run")
	if err != nil {
		t.Fatalf("Failed to load snapshot: %v", err)
	}
	if loaded.Description != "Nightly batch" {
		t.Errorf("Description mismatch: got %s", loaded.Description)
	}
	if time.Duration(loaded.Bucket) != time.Second {
		t.Errorf("Bucket mismatch: got %v", time.Duration(loaded.Bucket))
	}
	if loaded.Stats.Total != 3 || loaded.Stats.Excluded != 1 {
		t.Errorf("Unexpected stats %+v", loaded.Stats)
	}

	restored, err := ToWorkload(loaded, -1)
	if err != nil {
		t.Fatalf("Failed to restore workload: %v", err)
	}
	if restored.Total() != original.Total() || restored.Len() != original.Len() {
		t.Errorf("Restored workload differs: total %d vs %d", restored.Total(), original.Total())
	}

	ts, ok := restored.Template(models.HashTemplate("SELECT $1"))
	if !ok {
		t.Fatal("Template missing after restore")
	}
	if ts.DistinctParams != 2 {
		t.Errorf("Expected 2 distinct params after restore, got %d", ts.DistinctParams)
	}
	if ts.Example != "SELECT 1" {
		t.Errorf("Example mismatch: got %q", ts.Example)
	}
	if got := restored.Exclusions().Samples; len(got) != 1 || got[0].Line != 7 {
		t.Errorf("Exclusion samples not restored: %+v", got)
	}
}

func TestStore_RestoredSnapshotsMerge(t *testing.T) {
	store, _ := newTestStore(t, 10)
	ctx := context.Background()

	for _, name := range []string{"a", "b"} {
		if err := store.Save(ctx, FromWorkload(name, "", time.Second, testWorkload())); err != nil {
			t.Fatalf("Failed to save %s: %v", name, err)
		}
	}

	merged := aggregator.NewWorkload(-1)
	for _, name := range []string{"a", "b"} {
		snap, err := store.Load(ctx, name)
		if err != nil {
			t.Fatalf("Failed to load %s: %v", name, err)
		}
		w, err := ToWorkload(snap, -1)
		if err != nil {
			t.Fatalf("Failed to restore %s: %v", name, err)
		}
		if err := merged.Merge(w); err != nil {
			t.Fatalf("Merge failed: %v", err)
		}
	}

	if merged.Total() != 6 {
		t.Errorf("Expected merged total 6, got %d", merged.Total())
	}
	ts, _ := merged.Template(models.HashTemplate("SELECT $1"))
	if ts.DistinctParams != 2 {
		t.Errorf("Expected sketch union of 2, got %d", ts.DistinctParams)
	}
}

func TestStore_ListAndDelete(t *testing.T) {
	store, _ := newTestStore(t, 10)
	ctx := context.Background()

	older := FromWorkload("older", "", time.Second, testWorkload())
	older.Created = base
	newer := FromWorkload("newer", "", time.Second, testWorkload())
	newer.Created = base.Add(time.Hour)

	for _, snap := range []*models.Snapshot{older, newer} {
		if err := store.Save(ctx, snap); err != nil {
			t.Fatalf("Failed to save: %v", err)
		}
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(list) != 2 || list[0].Name != "newer" || list[1].Name != "older" {
		t.Fatalf("Unexpected list order: %+v", list)
	}
	if list[0].SizeBytes <= 0 || list[0].Stats.Templates != 1 {
		t.Errorf("Unexpected metadata %+v", list[0])
	}

	meta, err := store.GetMetadata(ctx, "older")
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if !meta.Created.Equal(base) {
		t.Errorf("Created mismatch: %v", meta.Created)
	}

	if err := store.Delete(ctx, "older"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, "older"); !errors.Is(err, models.ErrSnapshotNotFound) {
		t.Errorf("Expected ErrSnapshotNotFound on second delete, got %v", err)
	}
	if _, err := store.Load(ctx, "older"); !errors.Is(err, models.ErrSnapshotNotFound) {
		t.Errorf("Expected ErrSnapshotNotFound on load, got %v", err)
	}
}

func TestStore_Limits(t *testing.T) {
	ctx := context.Background()

	t.Run("max snapshots", func(t *testing.T) {
		store, _ := newTestStore(t, 1)
		if err := store.Save(ctx, FromWorkload("one", "", time.Second, testWorkload())); err != nil {
			t.Fatalf("Failed to save: %v", err)
		}
		if err := store.Save(ctx, FromWorkload("two", "", time.Second, testWorkload())); !errors.Is(err, models.ErrTooManySnapshots) {
			t.Errorf("Expected ErrTooManySnapshots, got %v", err)
		}
		// Overwriting an existing snapshot does not count against the limit.
		if err := store.Save(ctx, FromWorkload("one", "again", time.Second, testWorkload())); err != nil {
			t.Errorf("Overwrite failed: %v", err)
		}
	})

	t.Run("max size", func(t *testing.T) {
		store, err := New(Config{Dir: t.TempDir(), MaxSnapshotSize: 16, MaxSnapshots: 10})
		if err != nil {
			t.Fatalf("Failed to create store: %v", err)
		}
		if err := store.Save(ctx, FromWorkload("big", "", time.Second, testWorkload())); !errors.Is(err, models.ErrSnapshotTooLarge) {
			t.Errorf("Expected ErrSnapshotTooLarge, got %v", err)
		}
	})
}

func TestStore_InvalidNames(t *testing.T) {
	store, _ := newTestStore(t, 10)
	ctx := context.Background()

	for _, name := range []string{"", "Upper", "has space", "../escape", "-leading", "trailing-"} {
		t.Run(name, func(t *testing.T) {
			if err := store.Save(ctx, FromWorkload(name, "", time.Second, testWorkload())); !errors.Is(err, models.ErrInvalidSnapshotName) {
				t.Errorf("Save(%q): expected ErrInvalidSnapshotName, got %v", name, err)
			}
			if _, err := store.Load(ctx, name); !errors.Is(err, models.ErrInvalidSnapshotName) {
				t.Errorf("Load(%q): expected ErrInvalidSnapshotName, got %v", name, err)
			}
		})
	}
}
