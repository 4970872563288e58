package aggregator

import (
	"sync"
	"time"

	"github.com/fidde/pgworkload/pkg/models"
)

// DefaultShards is the shard count used when none is given.
const DefaultShards = 8

type shard struct {
	mu       sync.RWMutex
	workload *Workload
}

// Sharded is a Workload split by template hash across independently locked
// shards, so concurrent merges of different templates do not contend.
// Exclusions live in their own shard.
type Sharded struct {
	shards     []*shard
	exclusions shard
	maxSamples int
}

// NewSharded creates a sharded workload with n shards.
func NewSharded(n, maxSamples int) *Sharded {
	if n <= 0 {
		n = DefaultShards
	}
	s := &Sharded{
		shards:     make([]*shard, n),
		exclusions: shard{workload: NewWorkload(maxSamples)},
		maxSamples: maxSamples,
	}
	for i := range s.shards {
		s.shards[i] = &shard{workload: NewWorkload(maxSamples)}
	}
	return s
}

func (s *Sharded) shardFor(hash uint64) *shard {
	return s.shards[hash%uint64(len(s.shards))]
}

// Merge folds w into the sharded workload.
func (s *Sharded) Merge(w *Workload) error {
	if w == nil {
		return nil
	}
	for i, part := range w.split(len(s.shards)) {
		if part == nil {
			continue
		}
		sh := s.shards[i]
		sh.mu.Lock()
		err := sh.workload.Merge(part)
		sh.mu.Unlock()
		if err != nil {
			return err
		}
	}

	s.exclusions.mu.Lock()
	s.exclusions.workload.exclusions.Merge(w.exclusions, s.maxSamples)
	s.exclusions.mu.Unlock()
	return nil
}

// split partitions the entries and templates of w by template hash into n
// workloads without exclusions. Slots with nothing to merge are nil.
func (w *Workload) split(n int) []*Workload {
	parts := make([]*Workload, n)
	part := func(hash uint64) *Workload {
		i := hash % uint64(n)
		if parts[i] == nil {
			parts[i] = NewWorkload(0)
		}
		return parts[i]
	}
	for template, st := range w.templates {
		part(st.stats.Hash).templates[template] = st
	}
	for key, count := range w.entries {
		part(w.templates[key.template].stats.Hash).entries[key] = count
	}
	return parts
}

// Snapshot returns a merged copy of the whole workload.
func (s *Sharded) Snapshot() (*Workload, error) {
	out := NewWorkload(s.maxSamples)
	for _, sh := range s.shards {
		sh.mu.RLock()
		err := out.Merge(sh.workload)
		sh.mu.RUnlock()
		if err != nil {
			return nil, err
		}
	}
	s.exclusions.mu.RLock()
	out.exclusions.Merge(s.exclusions.workload.exclusions, s.maxSamples)
	s.exclusions.mu.RUnlock()
	return out, nil
}

// Template returns the statistics of one template without copying the rest.
func (s *Sharded) Template(hash uint64) (*models.TemplateStats, bool) {
	sh := s.shardFor(hash)
	sh.mu.RLock()
	stats, ok := sh.workload.Template(hash)
	sh.mu.RUnlock()
	if !ok {
		return nil, false
	}
	stats.Percentage = 0
	if total := s.Total(); total > 0 {
		stats.Percentage = float64(stats.Count) / float64(total) * 100
	}
	return stats, true
}

// Total returns the number of templated records aggregated.
func (s *Sharded) Total() int64 {
	var total int64
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += sh.workload.Total()
		sh.mu.RUnlock()
	}
	return total
}

// Exclusions returns a copy of the exclusion report.
func (s *Sharded) Exclusions() *models.ExclusionReport {
	s.exclusions.mu.RLock()
	defer s.exclusions.mu.RUnlock()
	return s.exclusions.workload.Exclusions()
}

// Reset drops everything.
func (s *Sharded) Reset() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.workload = NewWorkload(s.maxSamples)
		sh.mu.Unlock()
	}
	s.exclusions.mu.Lock()
	s.exclusions.workload = NewWorkload(s.maxSamples)
	s.exclusions.mu.Unlock()
}

// TemplateEntries returns the bucket entries of one template, see
// Workload.TemplateEntries.
func (s *Sharded) TemplateEntries(hash uint64, from, to time.Time) []models.AggregateEntry {
	sh := s.shardFor(hash)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.workload.TemplateEntries(hash, from, to)
}
