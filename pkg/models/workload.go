package models

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// AggregateEntry is the occurrence count of one template within one time bucket.
type AggregateEntry struct {
	Template     string    `json:"template"`
	TemplateHash uint64    `json:"-"`
	TimeBucket   time.Time `json:"time_bucket"`
	Count        int64     `json:"count"`
}

// TemplateStats rolls up one template across all of its buckets.
type TemplateStats struct {
	ID             string    `json:"id"`
	Hash           uint64    `json:"-"`
	Template       string    `json:"template"`
	CommandTag     string    `json:"command_tag,omitempty"`
	Count          int64     `json:"count"`
	Percentage     float64   `json:"percentage,omitempty"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	Example        string    `json:"example"`
	ExampleTime    time.Time `json:"example_time"`
	DistinctParams uint64    `json:"distinct_params"`

	// Serialized HyperLogLog sketch over template_params tuples.
	Sketch []byte `json:"sketch,omitempty"`
}

// FormatTemplateID renders a template hash as the fixed-width hex ID used in URLs.
func FormatTemplateID(hash uint64) string {
	return fmt.Sprintf("%016x", hash)
}

// ParseTemplateID parses an ID produced by FormatTemplateID.
func ParseTemplateID(id string) (uint64, error) {
	hash, err := strconv.ParseUint(id, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid template id %q: %w", id, err)
	}
	return hash, nil
}

// Exclusion describes a record left out of the aggregate.
type Exclusion struct {
	Reason ExclusionReason `json:"reason"`
	Source string          `json:"source"`
	Line   int64           `json:"line"`
	Error  string          `json:"error,omitempty"`
}

func exclusionLess(a, b Exclusion) bool {
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	if a.Line != b.Line {
		return a.Line < b.Line
	}
	if a.Reason != b.Reason {
		return a.Reason < b.Reason
	}
	return a.Error < b.Error
}

// ExclusionReport counts excluded records per reason and keeps the first
// samples in (source, line) order. Counts and samples merge commutatively.
type ExclusionReport struct {
	Counts  map[ExclusionReason]int64 `json:"counts"`
	Samples []Exclusion               `json:"samples"`
}

// NewExclusionReport creates an empty report.
func NewExclusionReport() *ExclusionReport {
	return &ExclusionReport{
		Counts:  make(map[ExclusionReason]int64),
		Samples: []Exclusion{},
	}
}

// Total returns the number of excluded records across all reasons.
func (r *ExclusionReport) Total() int64 {
	var total int64
	for _, n := range r.Counts {
		total += n
	}
	return total
}

// Count records an exclusion without keeping a sample.
func (r *ExclusionReport) Count(reason ExclusionReason, n int64) {
	if n == 0 {
		return
	}
	r.Counts[reason] += n
}

// Add counts ex and keeps it as a sample if it is among the first maxSamples.
func (r *ExclusionReport) Add(ex Exclusion, maxSamples int) {
	r.Counts[ex.Reason]++
	r.insertSample(ex, maxSamples)
}

func (r *ExclusionReport) insertSample(ex Exclusion, maxSamples int) {
	if maxSamples <= 0 {
		return
	}
	i := sort.Search(len(r.Samples), func(i int) bool {
		return exclusionLess(ex, r.Samples[i])
	})
	if i >= maxSamples {
		return
	}
	r.Samples = append(r.Samples, Exclusion{})
	copy(r.Samples[i+1:], r.Samples[i:])
	r.Samples[i] = ex
	if len(r.Samples) > maxSamples {
		r.Samples = r.Samples[:maxSamples]
	}
}

// Merge folds other into r.
func (r *ExclusionReport) Merge(other *ExclusionReport, maxSamples int) {
	if other == nil {
		return
	}
	for reason, n := range other.Counts {
		r.Counts[reason] += n
	}
	for _, ex := range other.Samples {
		r.insertSample(ex, maxSamples)
	}
}

// RunSummary describes the outcome of one pipeline run.
type RunSummary struct {
	RunID       string                    `json:"run_id"`
	Records     int64                     `json:"records"`
	Templated   int64                     `json:"templated"`
	Templates   int                       `json:"templates"`
	Buckets     int                       `json:"buckets"`
	Excluded    map[ExclusionReason]int64 `json:"excluded"`
	Unreadable  int64                     `json:"unreadable,omitempty"`
	StartedAt   time.Time                 `json:"started_at"`
	CompletedAt time.Time                 `json:"completed_at"`
}
