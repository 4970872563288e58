// Package aggregator reduces templated records into a workload: occurrence
// counts per (template, time bucket), per-template statistics and a report of
// excluded records. Workloads merge commutatively, so partial results built
// by independent workers, requests or runs can be combined in any order.
package aggregator

import (
	"fmt"
	"sort"
	"time"

	"github.com/fidde/pgworkload/pkg/hyperloglog"
	"github.com/fidde/pgworkload/pkg/models"
)

// DefaultMaxExclusionSamples bounds the exclusion samples kept per workload.
const DefaultMaxExclusionSamples = 100

type entryKey struct {
	template string
	bucket   int64 // unix nanoseconds
}

type templateState struct {
	stats  models.TemplateStats
	sketch *hyperloglog.HyperLogLog

	derived bool // rebuilt from entries alone, see FromParts
}

// Workload is an aggregate of templated records. It is not safe for
// concurrent use; see Sharded for a concurrent accumulator.
type Workload struct {
	entries    map[entryKey]int64
	templates  map[string]*templateState
	exclusions *models.ExclusionReport
	maxSamples int
}

// NewWorkload creates an empty workload keeping at most maxSamples exclusion
// samples. A negative maxSamples selects DefaultMaxExclusionSamples.
func NewWorkload(maxSamples int) *Workload {
	if maxSamples < 0 {
		maxSamples = DefaultMaxExclusionSamples
	}
	return &Workload{
		entries:    make(map[entryKey]int64),
		templates:  make(map[string]*templateState),
		exclusions: models.NewExclusionReport(),
		maxSamples: maxSamples,
	}
}

// Add counts rec at (template, time bucket). A record without a template is
// counted as a no_query exclusion and reported as not added.
func (w *Workload) Add(rec *models.TemplatedRecord) bool {
	if !rec.HasTemplate() {
		w.exclusions.Count(models.ReasonNoQuery, 1)
		return false
	}

	bucket := rec.TimeBucket.UTC()
	w.entries[entryKey{template: rec.Template, bucket: bucket.UnixNano()}]++

	st := w.templates[rec.Template]
	if st == nil {
		st = &templateState{
			stats: models.TemplateStats{
				Hash:      rec.TemplateHash,
				Template:  rec.Template,
				FirstSeen: bucket,
				LastSeen:  bucket,
			},
			sketch: hyperloglog.New(hyperloglog.DefaultPrecision),
		}
		if st.stats.Hash == 0 {
			st.stats.Hash = models.HashTemplate(rec.Template)
		}
		st.stats.ID = models.FormatTemplateID(st.stats.Hash)
		w.templates[rec.Template] = st
	}

	st.stats.Count++
	if bucket.Before(st.stats.FirstSeen) {
		st.stats.FirstSeen = bucket
	}
	if bucket.After(st.stats.LastSeen) {
		st.stats.LastSeen = bucket
	}
	st.offerExample(rec.SubstitutedQuery, rec.LogTime.UTC(), rec.CommandTag)
	st.sketch.AddTuple(rec.TemplateParams)
	return true
}

// offerExample keeps the statement with the earliest log time, breaking ties
// on the smaller text, so the choice does not depend on arrival order.
func (st *templateState) offerExample(example string, at time.Time, commandTag string) {
	s := &st.stats
	if example == "" {
		return
	}
	if s.Example != "" {
		if at.After(s.ExampleTime) {
			return
		}
		if at.Equal(s.ExampleTime) && example >= s.Example {
			return
		}
	}
	s.Example = example
	s.ExampleTime = at
	s.CommandTag = commandTag
}

// AddExcluded records rec as excluded for reason. no_query exclusions are
// only counted; other reasons also keep a sample with the error text.
func (w *Workload) AddExcluded(rec *models.LogRecord, reason models.ExclusionReason, err error) {
	if reason == models.ReasonNoQuery {
		w.exclusions.Count(reason, 1)
		return
	}
	ex := models.Exclusion{Reason: reason, Source: rec.Source, Line: rec.Line}
	if err != nil {
		ex.Error = err.Error()
	}
	w.exclusions.Add(ex, w.maxSamples)
}

// Merge folds other into w. Counts add, first/last seen widen, distinct
// parameter sketches union, and the example with the earliest log time wins.
// other is left unchanged.
func (w *Workload) Merge(other *Workload) error {
	if other == nil {
		return nil
	}
	for key, n := range other.entries {
		w.entries[key] += n
	}
	for template, ost := range other.templates {
		st := w.templates[template]
		if st == nil {
			w.templates[template] = &templateState{stats: ost.stats, sketch: ost.sketch.Clone()}
			continue
		}
		if err := st.merge(ost); err != nil {
			return fmt.Errorf("merging template %s: %w", st.stats.ID, err)
		}
	}
	w.exclusions.Merge(other.exclusions, w.maxSamples)
	return nil
}

func (st *templateState) merge(other *templateState) error {
	s, o := &st.stats, &other.stats
	s.Count += o.Count
	if o.FirstSeen.Before(s.FirstSeen) {
		s.FirstSeen = o.FirstSeen
	}
	if o.LastSeen.After(s.LastSeen) {
		s.LastSeen = o.LastSeen
	}
	st.offerExample(o.Example, o.ExampleTime, o.CommandTag)
	return st.sketch.Merge(other.sketch)
}

// Len returns the number of (template, bucket) entries.
func (w *Workload) Len() int {
	return len(w.entries)
}

// TemplateCount returns the number of distinct templates.
func (w *Workload) TemplateCount() int {
	return len(w.templates)
}

// Total returns the number of templated records aggregated.
func (w *Workload) Total() int64 {
	var total int64
	for _, n := range w.entries {
		total += n
	}
	return total
}

// Count returns the occurrences of template in bucket.
func (w *Workload) Count(template string, bucket time.Time) int64 {
	return w.entries[entryKey{template: template, bucket: bucket.UTC().UnixNano()}]
}

// Entries returns all aggregate entries sorted by template, then bucket.
func (w *Workload) Entries() []models.AggregateEntry {
	entries := make([]models.AggregateEntry, 0, len(w.entries))
	for key, n := range w.entries {
		entries = append(entries, models.AggregateEntry{
			Template:     key.template,
			TemplateHash: w.templates[key.template].stats.Hash,
			TimeBucket:   time.Unix(0, key.bucket).UTC(),
			Count:        n,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Template != entries[j].Template {
			return entries[i].Template < entries[j].Template
		}
		return entries[i].TimeBucket.Before(entries[j].TimeBucket)
	})
	return entries
}

// Templates returns per-template statistics sorted by count descending, then
// template. Percentages are relative to Total.
func (w *Workload) Templates() []*models.TemplateStats {
	total := w.Total()
	out := make([]*models.TemplateStats, 0, len(w.templates))
	for _, st := range w.templates {
		out = append(out, st.snapshot(total))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Template < out[j].Template
	})
	return out
}

// Template returns the statistics of the template with the given hash.
func (w *Workload) Template(hash uint64) (*models.TemplateStats, bool) {
	for _, st := range w.templates {
		if st.stats.Hash == hash {
			return st.snapshot(w.Total()), true
		}
	}
	return nil, false
}

func (st *templateState) snapshot(total int64) *models.TemplateStats {
	s := st.stats
	s.DistinctParams = st.sketch.Count()
	s.Sketch, _ = st.sketch.MarshalBinary()
	if total > 0 {
		s.Percentage = float64(s.Count) / float64(total) * 100
	}
	return &s
}

// Exclusions returns a copy of the exclusion report.
func (w *Workload) Exclusions() *models.ExclusionReport {
	report := models.NewExclusionReport()
	report.Merge(w.exclusions, w.maxSamples)
	return report
}

// Summary describes the workload for logging and API responses.
func (w *Workload) Summary() models.RunSummary {
	excluded := make(map[models.ExclusionReason]int64, len(w.exclusions.Counts))
	for reason, n := range w.exclusions.Counts {
		excluded[reason] = n
	}
	templated := w.Total()
	return models.RunSummary{
		Records:   templated + w.exclusions.Total(),
		Templated: templated,
		Templates: len(w.templates),
		Buckets:   len(w.entries),
		Excluded:  excluded,
	}
}

// FromParts rebuilds a workload from exported entries, template statistics
// and exclusions, as stored by a backend or a snapshot. Template statistics
// without a sketch start with an empty one.
func FromParts(entries []models.AggregateEntry, templates []*models.TemplateStats, exclusions *models.ExclusionReport, maxSamples int) (*Workload, error) {
	w := NewWorkload(maxSamples)
	for _, e := range entries {
		if e.Template == "" || e.Count <= 0 {
			continue
		}
		w.entries[entryKey{template: e.Template, bucket: e.TimeBucket.UTC().UnixNano()}] += e.Count
	}
	for _, ts := range templates {
		if ts == nil || ts.Template == "" {
			continue
		}
		sketch := hyperloglog.New(hyperloglog.DefaultPrecision)
		if len(ts.Sketch) > 0 {
			decoded, err := hyperloglog.FromBytes(ts.Sketch)
			if err != nil {
				return nil, fmt.Errorf("decoding sketch of template %s: %w", ts.ID, err)
			}
			sketch = decoded
		}
		st := &templateState{stats: *ts, sketch: sketch}
		st.stats.Sketch = nil
		st.stats.Percentage = 0
		st.stats.DistinctParams = 0
		if st.stats.Hash == 0 {
			st.stats.Hash = models.HashTemplate(ts.Template)
		}
		st.stats.ID = models.FormatTemplateID(st.stats.Hash)
		if existing := w.templates[ts.Template]; existing != nil {
			if err := existing.merge(st); err != nil {
				return nil, err
			}
			continue
		}
		w.templates[ts.Template] = st
	}
	// Entries without statistics still need a template state for lookups.
	for key, n := range w.entries {
		bucket := time.Unix(0, key.bucket).UTC()
		st := w.templates[key.template]
		if st == nil {
			hash := models.HashTemplate(key.template)
			st = &templateState{
				stats: models.TemplateStats{
					ID:        models.FormatTemplateID(hash),
					Hash:      hash,
					Template:  key.template,
					FirstSeen: bucket,
					LastSeen:  bucket,
				},
				sketch:  hyperloglog.New(hyperloglog.DefaultPrecision),
				derived: true,
			}
			w.templates[key.template] = st
		}
		if !st.derived {
			continue
		}
		st.stats.Count += n
		if bucket.Before(st.stats.FirstSeen) {
			st.stats.FirstSeen = bucket
		}
		if bucket.After(st.stats.LastSeen) {
			st.stats.LastSeen = bucket
		}
	}
	for _, st := range w.templates {
		st.derived = false
	}
	w.exclusions.Merge(exclusions, w.maxSamples)
	return w, nil
}

// TemplateEntries returns the entries of the template with the given hash
// whose bucket lies in [from, to], sorted by bucket. Zero bounds are open.
func (w *Workload) TemplateEntries(hash uint64, from, to time.Time) []models.AggregateEntry {
	var template string
	for t, st := range w.templates {
		if st.stats.Hash == hash {
			template = t
			break
		}
	}
	if template == "" {
		return nil
	}

	var entries []models.AggregateEntry
	for key, n := range w.entries {
		if key.template != template {
			continue
		}
		bucket := time.Unix(0, key.bucket).UTC()
		if !models.InRange(bucket, from, to) {
			continue
		}
		entries = append(entries, models.AggregateEntry{
			Template:     template,
			TemplateHash: hash,
			TimeBucket:   bucket,
			Count:        n,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].TimeBucket.Before(entries[j].TimeBucket)
	})
	return entries
}
