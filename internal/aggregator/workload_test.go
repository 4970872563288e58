package aggregator

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/fidde/pgworkload/pkg/models"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func templated(template string, offset time.Duration, example string, params ...string) *models.TemplatedRecord {
	return &models.TemplatedRecord{
		LogRecord: models.LogRecord{
			LogTime:    base.Add(offset),
			CommandTag: "SELECT",
		},
		RawQuery:         example,
		SubstitutedQuery: example,
		Template:         template,
		TemplateHash:     models.HashTemplate(template),
		TemplateParams:   params,
		TimeBucket:       base.Add(offset).Round(time.Second),
	}
}

func assertSameWorkload(t *testing.T, a, b *Workload) {
	t.Helper()
	if !reflect.DeepEqual(a.Entries(), b.Entries()) {
		t.Errorf("entries differ:\n%v\n%v", a.Entries(), b.Entries())
	}
	if !reflect.DeepEqual(a.Templates(), b.Templates()) {
		t.Errorf("templates differ")
	}
	if !reflect.DeepEqual(a.Exclusions(), b.Exclusions()) {
		t.Errorf("exclusions differ:\n%+v\n%+v", a.Exclusions(), b.Exclusions())
	}
}

func TestWorkload_Add(t *testing.T) {
	w := NewWorkload(-1)

	w.Add(templated("SELECT $1", 0, "SELECT 1", "1"))
	w.Add(templated("SELECT $1", 100*time.Millisecond, "SELECT 2", "2"))
	w.Add(templated("SELECT $1", 2*time.Second, "SELECT 1", "1"))
	w.Add(templated("DELETE FROM t", 0, "DELETE FROM t"))

	if added := w.Add(&models.TemplatedRecord{}); added {
		t.Error("expected record without template to be rejected")
	}

	if got := w.Count("SELECT $1", base); got != 2 {
		t.Errorf("expected 2 in first bucket, got %d", got)
	}
	if got := w.Count("SELECT $1", base.Add(2*time.Second)); got != 1 {
		t.Errorf("expected 1 in third bucket, got %d", got)
	}
	if w.Len() != 3 {
		t.Errorf("expected 3 entries, got %d", w.Len())
	}
	if w.Total() != 4 {
		t.Errorf("expected total 4, got %d", w.Total())
	}
	if got := w.Exclusions().Counts[models.ReasonNoQuery]; got != 1 {
		t.Errorf("expected 1 no_query exclusion, got %d", got)
	}

	entries := w.Entries()
	if entries[0].Template != "DELETE FROM t" {
		t.Errorf("expected entries sorted by template, got %q first", entries[0].Template)
	}

	templates := w.Templates()
	if len(templates) != 2 {
		t.Fatalf("expected 2 templates, got %d", len(templates))
	}
	top := templates[0]
	if top.Template != "SELECT $1" || top.Count != 3 {
		t.Errorf("unexpected top template %+v", top)
	}
	if top.Example != "SELECT 1" {
		t.Errorf("expected earliest example, got %q", top.Example)
	}
	if top.DistinctParams != 2 {
		t.Errorf("expected 2 distinct parameter tuples, got %d", top.DistinctParams)
	}
	if !top.FirstSeen.Equal(base) || !top.LastSeen.Equal(base.Add(2*time.Second)) {
		t.Errorf("unexpected first/last seen %v %v", top.FirstSeen, top.LastSeen)
	}
	if top.Percentage != 75 {
		t.Errorf("expected 75%%, got %v", top.Percentage)
	}
	if top.ID != models.FormatTemplateID(models.HashTemplate("SELECT $1")) {
		t.Errorf("unexpected id %s", top.ID)
	}

	if _, ok := w.Template(models.HashTemplate("DELETE FROM t")); !ok {
		t.Error("expected template lookup by hash to succeed")
	}
}

func TestWorkload_AddExcluded(t *testing.T) {
	w := NewWorkload(1)
	w.AddExcluded(&models.LogRecord{Source: "b.csv", Line: 1}, models.ReasonMalformedParameters, errors.New("bad"))
	w.AddExcluded(&models.LogRecord{Source: "a.csv", Line: 9}, models.ReasonTokenization, errors.New("worse"))
	w.AddExcluded(&models.LogRecord{Source: "a.csv", Line: 2}, models.ReasonNoQuery, nil)

	report := w.Exclusions()
	if report.Total() != 3 {
		t.Errorf("expected 3 exclusions, got %d", report.Total())
	}
	if len(report.Samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(report.Samples))
	}
	if s := report.Samples[0]; s.Source != "a.csv" || s.Line != 9 || s.Error != "worse" {
		t.Errorf("expected smallest sample to be kept, got %+v", s)
	}
}

func TestWorkload_MergeCommutative(t *testing.T) {
	recordsA := []*models.TemplatedRecord{
		templated("SELECT $1", 0, "SELECT 5", "5"),
		templated("SELECT $1", time.Second, "SELECT 6", "6"),
		templated("UPDATE t SET a = $1", 0, "UPDATE t SET a = 1", "1"),
	}
	recordsB := []*models.TemplatedRecord{
		templated("SELECT $1", 0, "SELECT 4", "4"),
		templated("DELETE FROM t", 3*time.Second, "DELETE FROM t"),
	}

	build := func(recs ...[]*models.TemplatedRecord) *Workload {
		w := NewWorkload(-1)
		for _, set := range recs {
			for _, r := range set {
				w.Add(r)
			}
		}
		w.AddExcluded(&models.LogRecord{Source: "x", Line: int64(len(recs))}, models.ReasonTokenization, nil)
		return w
	}

	a := build(recordsA)
	b := build(recordsB)

	ab := NewWorkload(-1)
	if err := ab.Merge(a); err != nil {
		t.Fatal(err)
	}
	if err := ab.Merge(b); err != nil {
		t.Fatal(err)
	}

	ba := NewWorkload(-1)
	if err := ba.Merge(b); err != nil {
		t.Fatal(err)
	}
	if err := ba.Merge(a); err != nil {
		t.Fatal(err)
	}

	assertSameWorkload(t, ab, ba)

	if got := ab.Count("SELECT $1", base); got != 2 {
		t.Errorf("expected merged count 2, got %d", got)
	}
	if stats, _ := ab.Template(models.HashTemplate("SELECT $1")); stats.Example != "SELECT 4" {
		t.Errorf("expected tie broken by smaller example, got %q", stats.Example)
	}

	// Merging must not change the inputs.
	if got := a.Count("SELECT $1", base); got != 1 {
		t.Errorf("input changed by merge: %d", got)
	}
}

func TestFromParts(t *testing.T) {
	w := NewWorkload(-1)
	w.Add(templated("SELECT $1", 0, "SELECT 1", "1"))
	w.Add(templated("SELECT $1", time.Second, "SELECT 2", "2"))
	w.AddExcluded(&models.LogRecord{Source: "pg.csv", Line: 4}, models.ReasonMalformedParameters, errors.New("bad"))

	rebuilt, err := FromParts(w.Entries(), w.Templates(), w.Exclusions(), -1)
	if err != nil {
		t.Fatalf("FromParts failed: %v", err)
	}
	assertSameWorkload(t, w, rebuilt)
}

func TestFromParts_EntriesOnly(t *testing.T) {
	entries := []models.AggregateEntry{
		{Template: "SELECT 1", TimeBucket: base, Count: 2},
		{Template: "SELECT 1", TimeBucket: base.Add(time.Minute), Count: 3},
		{Template: "", TimeBucket: base, Count: 9},
	}

	w, err := FromParts(entries, nil, nil, -1)
	if err != nil {
		t.Fatalf("FromParts failed: %v", err)
	}
	templates := w.Templates()
	if len(templates) != 1 {
		t.Fatalf("expected 1 template, got %d", len(templates))
	}
	if templates[0].Count != 5 {
		t.Errorf("expected count 5, got %d", templates[0].Count)
	}
	if !templates[0].LastSeen.Equal(base.Add(time.Minute)) {
		t.Errorf("unexpected last seen %v", templates[0].LastSeen)
	}
}
