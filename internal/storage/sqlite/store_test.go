package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fidde/pgworkload/internal/aggregator"
	"github.com/fidde/pgworkload/pkg/models"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	cfg := DefaultConfig(filepath.Join(t.TempDir(), "test.db"))
	cfg.FlushInterval = 10 * time.Millisecond

	store, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}

func record(template string, offset time.Duration, example string, params ...string) *models.TemplatedRecord {
	return &models.TemplatedRecord{
		LogRecord:        models.LogRecord{LogTime: base.Add(offset), CommandTag: "SELECT", Source: "test.csv", Line: int64(offset / time.Second)},
		SubstitutedQuery: example,
		Template:         template,
		TemplateHash:     models.HashTemplate(template),
		TemplateParams:   params,
		TimeBucket:       base.Add(offset),
	}
}

func workload(records ...*models.TemplatedRecord) *aggregator.Workload {
	w := aggregator.NewWorkload(-1)
	for _, r := range records {
		w.Add(r)
	}
	return w
}

func TestStoreWorkload_Accumulates(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.StoreWorkload(ctx, workload(
		record("SELECT $1", 0, "SELECT 2", "2"),
		record("SELECT $1", time.Second, "SELECT 3", "3"),
	)); err != nil {
		t.Fatalf("StoreWorkload failed: %v", err)
	}
	if err := store.StoreWorkload(ctx, workload(
		record("SELECT $1", 0, "SELECT 1", "1"),
		record("DELETE FROM t", 0, "DELETE FROM t"),
	)); err != nil {
		t.Fatalf("StoreWorkload failed: %v", err)
	}

	templates, matched, err := store.ListTemplates(ctx, models.TemplateFilter{})
	if err != nil {
		t.Fatalf("ListTemplates failed: %v", err)
	}
	if matched != 2 || len(templates) != 2 {
		t.Fatalf("expected 2 templates, got %d (%d)", len(templates), matched)
	}

	top := templates[0]
	if top.Template != "SELECT $1" || top.Count != 3 {
		t.Errorf("unexpected top template %+v", top)
	}
	if top.Example != "SELECT 1" {
		t.Errorf("expected earliest example with smaller text, got %q", top.Example)
	}
	if top.DistinctParams != 3 {
		t.Errorf("expected 3 distinct params, got %d", top.DistinctParams)
	}
	if top.Percentage != 75 {
		t.Errorf("expected 75%%, got %v", top.Percentage)
	}
	if !top.LastSeen.Equal(base.Add(time.Second)) {
		t.Errorf("unexpected last seen %v", top.LastSeen)
	}

	buckets, err := store.ListBuckets(ctx, models.HashTemplate("SELECT $1"), time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("ListBuckets failed: %v", err)
	}
	if len(buckets) != 2 || buckets[0].Count != 2 || buckets[1].Count != 1 {
		t.Errorf("unexpected buckets %+v", buckets)
	}
}

func TestStoreWorkload_OrderIndependent(t *testing.T) {
	a := workload(record("SELECT $1", 0, "SELECT 9", "9"), record("UPDATE t SET a = $1", 2*time.Second, "UPDATE t SET a = 1", "1"))
	b := workload(record("SELECT $1", 0, "SELECT 1", "1"), record("SELECT $1", 3*time.Second, "SELECT 5", "5"))

	export := func(first, second *aggregator.Workload) *aggregator.Workload {
		store := setupTestStore(t)
		ctx := context.Background()
		if err := store.StoreWorkload(ctx, first); err != nil {
			t.Fatalf("StoreWorkload failed: %v", err)
		}
		if err := store.StoreWorkload(ctx, second); err != nil {
			t.Fatalf("StoreWorkload failed: %v", err)
		}
		w, err := store.Export(ctx)
		if err != nil {
			t.Fatalf("Export failed: %v", err)
		}
		return w
	}

	ab := export(a, b)
	ba := export(b, a)

	if ab.Total() != 4 || ba.Total() != 4 {
		t.Fatalf("expected total 4, got %d and %d", ab.Total(), ba.Total())
	}
	ta, tb := ab.Templates(), ba.Templates()
	if len(ta) != len(tb) {
		t.Fatalf("template count differs: %d vs %d", len(ta), len(tb))
	}
	for i := range ta {
		if ta[i].Template != tb[i].Template || ta[i].Count != tb[i].Count ||
			ta[i].Example != tb[i].Example || ta[i].DistinctParams != tb[i].DistinctParams {
			t.Errorf("template %d differs: %+v vs %+v", i, ta[i], tb[i])
		}
	}
}

func TestGetTemplate_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetTemplate(context.Background(), 42)
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_, err = store.ListBuckets(context.Background(), 42, time.Time{}, time.Time{})
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from ListBuckets, got %v", err)
	}
}

func TestListTemplates_Filter(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	w := workload(
		record("SELECT a FROM users WHERE id = $1", 0, "q1"),
		record("SELECT a FROM users WHERE id = $1", time.Second, "q2"),
		record("SELECT b FROM orders", 0, "q3"),
	)
	upd := record("UPDATE users SET a = $1", 0, "q4")
	upd.CommandTag = "UPDATE"
	w.Add(upd)

	if err := store.StoreWorkload(ctx, w); err != nil {
		t.Fatalf("StoreWorkload failed: %v", err)
	}

	tests := []struct {
		name    string
		filter  models.TemplateFilter
		want    []string
		matched int
	}{
		{"min count", models.TemplateFilter{MinCount: 2}, []string{"SELECT a FROM users WHERE id = $1"}, 1},
		{"command tag", models.TemplateFilter{CommandTag: "update"}, []string{"UPDATE users SET a = $1"}, 1},
		{"query substring", models.TemplateFilter{Query: "USERS"}, []string{"SELECT a FROM users WHERE id = $1", "UPDATE users SET a = $1"}, 2},
		{"paging", models.TemplateFilter{Limit: 1, Offset: 1}, []string{"SELECT b FROM orders"}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, matched, err := store.ListTemplates(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListTemplates failed: %v", err)
			}
			if matched != tt.matched {
				t.Errorf("expected %d matches, got %d", tt.matched, matched)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d templates, got %d", len(tt.want), len(got))
			}
			for i := range got {
				if got[i].Template != tt.want[i] {
					t.Errorf("position %d: expected %q, got %q", i, tt.want[i], got[i].Template)
				}
			}
		})
	}
}

func TestExclusions(t *testing.T) {
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "test.db"))
	cfg.MaxExclusionSamples = 2
	store, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	first := aggregator.NewWorkload(2)
	first.AddExcluded(&models.LogRecord{Source: "b.csv", Line: 1}, models.ReasonMalformedParameters, errors.New("bad"))
	first.AddExcluded(&models.LogRecord{Source: "a.csv", Line: 9}, models.ReasonTokenization, errors.New("unterminated"))
	first.AddExcluded(&models.LogRecord{}, models.ReasonNoQuery, nil)

	second := aggregator.NewWorkload(2)
	second.AddExcluded(&models.LogRecord{Source: "a.csv", Line: 3}, models.ReasonMalformedParameters, errors.New("dup"))

	for _, w := range []*aggregator.Workload{first, second} {
		if err := store.StoreWorkload(ctx, w); err != nil {
			t.Fatalf("StoreWorkload failed: %v", err)
		}
	}

	report, err := store.GetExclusions(ctx)
	if err != nil {
		t.Fatalf("GetExclusions failed: %v", err)
	}
	if report.Counts[models.ReasonMalformedParameters] != 2 ||
		report.Counts[models.ReasonTokenization] != 1 ||
		report.Counts[models.ReasonNoQuery] != 1 {
		t.Errorf("unexpected counts %v", report.Counts)
	}
	if len(report.Samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(report.Samples))
	}
	if report.Samples[0].Line != 3 || report.Samples[1].Line != 9 {
		t.Errorf("expected smallest samples a.csv:3 and a.csv:9, got %+v", report.Samples)
	}
}

func TestStoreRecords(t *testing.T) {
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "test.db"))
	cfg.RecordCapacity = 3
	store, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	var records []*models.TemplatedRecord
	for i := 0; i < 5; i++ {
		r := record("SELECT $1", time.Duration(i)*time.Second, "SELECT 1", "1")
		r.Params, _ = models.NewParameterMap([]models.Param{{Index: 1, Value: "1"}})
		records = append(records, r)
	}
	records = append(records, &models.TemplatedRecord{})

	if err := store.StoreRecords(ctx, records); err != nil {
		t.Fatalf("StoreRecords failed: %v", err)
	}

	got, err := store.ListRecords(ctx, models.HashTemplate("SELECT $1"), 10)
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records kept, got %d", len(got))
	}
	if !got[0].LogTime.Equal(base.Add(4 * time.Second)) {
		t.Errorf("expected newest record first, got %v", got[0].LogTime)
	}
	if v, ok := got[0].Params.Get(1); !ok || v != "1" {
		t.Errorf("params not preserved: %+v", got[0].Params)
	}
}

func TestClear(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.StoreWorkload(ctx, workload(record("SELECT $1", 0, "SELECT 1", "1"))); err != nil {
		t.Fatalf("StoreWorkload failed: %v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	w, err := store.Export(ctx)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if w.Total() != 0 || w.TemplateCount() != 0 {
		t.Errorf("expected empty workload after clear, got %d records", w.Total())
	}
}

func TestClosedStore(t *testing.T) {
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "test.db"))
	store, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	err = store.StoreWorkload(context.Background(), workload(record("SELECT 1", 0, "SELECT 1")))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	store := setupTestStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// writeCh still has room, so the send can win over closeCh. Either way
	// the call must return once the writer is gone.
	for range 50 {
		op := writeOp{opType: "StoreWorkload", data: workload(record("SELECT 1", 0, "SELECT 1")), done: make(chan error, 1)}
		result := make(chan error, 1)
		go func() { result <- store.enqueue(context.Background(), op) }()

		select {
		case err := <-result:
			if !errors.Is(err, ErrClosed) {
				t.Fatalf("expected ErrClosed, got %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("enqueue blocked after Close")
		}
	}
}

func TestStoreWorkload_ConcurrentClose(t *testing.T) {
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "test.db"))
	cfg.FlushInterval = time.Millisecond
	store, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := workload(record("SELECT 1", time.Duration(i)*time.Second, "SELECT 1"))
			for {
				err := store.StoreWorkload(context.Background(), w)
				if errors.Is(err, ErrClosed) {
					return
				}
				if err != nil {
					t.Errorf("StoreWorkload failed: %v", err)
					return
				}
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("writers still blocked after Close")
	}
}
