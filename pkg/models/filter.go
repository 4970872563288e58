package models

import (
	"strings"
	"time"
)

// TemplateFilter selects and pages template statistics.
type TemplateFilter struct {
	MinCount   int64
	CommandTag string
	Query      string // case-insensitive substring of the template
	Limit      int    // 0 means no limit
	Offset     int
}

// Match reports whether ts passes the filter, ignoring paging.
func (f TemplateFilter) Match(ts *TemplateStats) bool {
	if ts.Count < f.MinCount {
		return false
	}
	if f.CommandTag != "" && !strings.EqualFold(ts.CommandTag, f.CommandTag) {
		return false
	}
	if f.Query != "" && !strings.Contains(strings.ToLower(ts.Template), strings.ToLower(f.Query)) {
		return false
	}
	return true
}

// FilterTemplates applies f to stats, which must already be sorted, and
// returns the requested page together with the number of matches.
func FilterTemplates(stats []*TemplateStats, f TemplateFilter) ([]*TemplateStats, int) {
	matched := make([]*TemplateStats, 0, len(stats))
	for _, ts := range stats {
		if f.Match(ts) {
			matched = append(matched, ts)
		}
	}
	total := len(matched)

	start := f.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}
	return matched[start:end], total
}

// InRange reports whether t lies in [from, to]. Zero bounds are open.
func InRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && t.After(to) {
		return false
	}
	return true
}
