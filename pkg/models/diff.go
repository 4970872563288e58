package models

import (
	"fmt"
	"slices"
	"sort"
)

// Severity grades a change between two workloads.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	default:
		return 0
	}
}

// ParseSeverity accepts info, warning or critical.
func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(s); sev {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return sev, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

const (
	ChangeTypeAdded   = "added"
	ChangeTypeRemoved = "removed"
	ChangeTypeChanged = "changed"
)

// Thresholds for CalculateSeverity. A count that appears or vanishes is a
// warning once it reaches volumeWarning.
const (
	ratioWarning  = 2.0
	ratioCritical = 10.0
	volumeWarning = 1000
)

// DiffResult compares the templates of a baseline (From) with those of a
// later workload (To).
type DiffResult struct {
	From    string      `json:"from"`
	To      string      `json:"to"`
	Summary DiffSummary `json:"summary"`
	Changes DiffChanges `json:"changes"`

	// CriticalChanges repeats every critical change across categories.
	CriticalChanges []Change `json:"critical_changes,omitempty"`
}

// DiffSummary contains aggregate change counts.
type DiffSummary struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Changed int `json:"changed"`
}

// DiffChanges contains added/removed/changed templates.
type DiffChanges struct {
	Added   []Change `json:"added,omitempty"`
	Removed []Change `json:"removed,omitempty"`
	Changed []Change `json:"changed,omitempty"`
}

// Change represents a single template difference between two workloads.
type Change struct {
	Type     string        `json:"type"`
	ID       string        `json:"id"`
	Template string        `json:"template"`
	Severity Severity      `json:"severity"`
	Details  []FieldChange `json:"details,omitempty"`
}

// FieldChange is the before and after value of one template statistic.
type FieldChange struct {
	Field     string   `json:"field"`
	From      int64    `json:"from"`
	To        int64    `json:"to"`
	ChangePct float64  `json:"change_pct,omitempty"`
	Severity  Severity `json:"severity"`
}

// CalculateSeverity grades a change of a count in either direction: a
// tenfold shrink is as critical as a tenfold growth.
func CalculateSeverity(from, to int64) Severity {
	if from == 0 || to == 0 {
		if from+to >= volumeWarning {
			return SeverityWarning
		}
		return SeverityInfo
	}

	ratio := float64(max(from, to)) / float64(min(from, to))
	switch {
	case ratio >= ratioCritical:
		return SeverityCritical
	case ratio >= ratioWarning:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// MaxSeverity returns the higher of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// FilterBySeverity returns the changes graded at least minSeverity. The
// input slice is not modified.
func FilterBySeverity(changes []Change, minSeverity Severity) []Change {
	if minSeverity.rank() == 0 {
		return changes
	}
	return slices.DeleteFunc(slices.Clone(changes), func(c Change) bool {
		return c.Severity.rank() < minSeverity.rank()
	})
}

// DiffTemplates compares the template statistics of two workloads. Changes
// are ordered by template ID.
func DiffTemplates(fromName, toName string, from, to []*TemplateStats) *DiffResult {
	diff := &DiffResult{From: fromName, To: toName}

	fromByHash := make(map[uint64]*TemplateStats, len(from))
	for _, ts := range from {
		fromByHash[ts.Hash] = ts
	}
	toByHash := make(map[uint64]*TemplateStats, len(to))
	for _, ts := range to {
		toByHash[ts.Hash] = ts
	}

	for _, ts := range sortedByID(to) {
		old, ok := fromByHash[ts.Hash]
		if !ok {
			diff.AddChange(Change{
				Type:     ChangeTypeAdded,
				ID:       ts.ID,
				Template: ts.Template,
				Severity: CalculateSeverity(0, ts.Count),
				Details:  []FieldChange{countChange("count", 0, ts.Count)},
			})
			continue
		}

		var details []FieldChange
		if old.Count != ts.Count {
			details = append(details, countChange("count", old.Count, ts.Count))
		}
		if old.DistinctParams != ts.DistinctParams {
			details = append(details, countChange("distinct_params", int64(old.DistinctParams), int64(ts.DistinctParams)))
		}
		if len(details) == 0 {
			continue
		}
		severity := SeverityInfo
		for _, d := range details {
			severity = MaxSeverity(severity, d.Severity)
		}
		diff.AddChange(Change{
			Type:     ChangeTypeChanged,
			ID:       ts.ID,
			Template: ts.Template,
			Severity: severity,
			Details:  details,
		})
	}

	for _, ts := range sortedByID(from) {
		if _, ok := toByHash[ts.Hash]; ok {
			continue
		}
		diff.AddChange(Change{
			Type:     ChangeTypeRemoved,
			ID:       ts.ID,
			Template: ts.Template,
			Severity: CalculateSeverity(ts.Count, 0),
			Details:  []FieldChange{countChange("count", ts.Count, 0)},
		})
	}

	return diff
}

func countChange(field string, from, to int64) FieldChange {
	pct := 0.0
	if from > 0 {
		pct = float64(to-from) / float64(from) * 100
	}
	return FieldChange{
		Field:     field,
		From:      from,
		To:        to,
		ChangePct: pct,
		Severity:  CalculateSeverity(from, to),
	}
}

func sortedByID(stats []*TemplateStats) []*TemplateStats {
	sorted := append([]*TemplateStats(nil), stats...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return sorted
}

// AddChange files change under its type and counts it.
func (d *DiffResult) AddChange(change Change) {
	switch change.Type {
	case ChangeTypeAdded:
		d.Changes.Added = append(d.Changes.Added, change)
		d.Summary.Added++
	case ChangeTypeRemoved:
		d.Changes.Removed = append(d.Changes.Removed, change)
		d.Summary.Removed++
	case ChangeTypeChanged:
		d.Changes.Changed = append(d.Changes.Changed, change)
		d.Summary.Changed++
	}

	if change.Severity == SeverityCritical {
		d.CriticalChanges = append(d.CriticalChanges, change)
	}
}

// FilterBySeverity drops changes below minSeverity from every category.
func (d *DiffResult) FilterBySeverity(minSeverity Severity) {
	d.Changes.Added = FilterBySeverity(d.Changes.Added, minSeverity)
	d.Changes.Removed = FilterBySeverity(d.Changes.Removed, minSeverity)
	d.Changes.Changed = FilterBySeverity(d.Changes.Changed, minSeverity)
}
