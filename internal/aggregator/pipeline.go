package aggregator

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/fidde/pgworkload/internal/analyzer"
	"github.com/fidde/pgworkload/pkg/models"
	"golang.org/x/sync/errgroup"
)

// RecordSink receives every analyzed record, templated or not. It is called
// from worker goroutines and must be safe for concurrent use.
type RecordSink func(rec *models.TemplatedRecord)

// Config configures a Pipeline.
type Config struct {
	Analyzer            analyzer.Options
	Parallelism         int // workers, GOMAXPROCS when <= 0
	MaxExclusionSamples int // negative selects DefaultMaxExclusionSamples
	Logger              *slog.Logger
}

// Pipeline runs log records through the record analyzer on a pool of workers
// and reduces the results into a Workload.
type Pipeline struct {
	analyzer    *analyzer.RecordAnalyzer
	parallelism int
	maxSamples  int
	logger      *slog.Logger
}

// NewPipeline creates a pipeline.
func NewPipeline(cfg Config) *Pipeline {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = runtime.GOMAXPROCS(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		analyzer:    analyzer.NewRecordAnalyzer(cfg.Analyzer),
		parallelism: cfg.Parallelism,
		maxSamples:  cfg.MaxExclusionSamples,
		logger:      cfg.Logger,
	}
}

// Parallelism returns the number of workers used by Run.
func (p *Pipeline) Parallelism() int {
	return p.parallelism
}

// NewWorkload returns an empty workload with the pipeline's sample limit.
func (p *Pipeline) NewWorkload() *Workload {
	return NewWorkload(p.maxSamples)
}

// Process analyzes one record into w. Per-record failures are recorded as
// exclusions and never returned.
func (p *Pipeline) Process(w *Workload, rec *models.LogRecord, sink RecordSink) {
	out, err := p.analyzer.Analyze(rec)
	if sink != nil {
		sink(out)
	}

	reason, excluded := analyzer.ExclusionReason(out, err)
	if !excluded {
		w.Add(out)
		return
	}
	if err != nil {
		p.logger.Debug("record excluded", "record", rec.Ref(), "reason", reason, "error", err)
	}
	w.AddExcluded(rec, reason, err)
}

// Run consumes in until it is closed and returns the merged workload. Each
// worker aggregates into its own workload; the partials are merged once all
// workers are done. Cancelling ctx stops the workers, discards the partials
// and returns ctx.Err().
func (p *Pipeline) Run(ctx context.Context, in <-chan models.LogRecord, sink RecordSink) (*Workload, error) {
	started := time.Now()
	partials := make([]*Workload, p.parallelism)
	g, gctx := errgroup.WithContext(ctx)

	for i := range partials {
		local := p.NewWorkload()
		partials[i] = local
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case rec, ok := <-in:
					if !ok {
						return nil
					}
					p.Process(local, &rec, sink)
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := p.NewWorkload()
	for _, partial := range partials {
		if err := result.Merge(partial); err != nil {
			return nil, err
		}
	}

	summary := result.Summary()
	p.logger.Info("pipeline run complete",
		"records", summary.Records,
		"templated", summary.Templated,
		"templates", summary.Templates,
		"buckets", summary.Buckets,
		"excluded", result.exclusions.Total(),
		"workers", p.parallelism,
		"duration", time.Since(started))
	return result, nil
}

// RunBatch runs a slice of records through the pipeline.
func (p *Pipeline) RunBatch(ctx context.Context, records []models.LogRecord, sink RecordSink) (*Workload, error) {
	if len(records) < 2*p.parallelism {
		w := p.NewWorkload()
		for i := range records {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			p.Process(w, &records[i], sink)
		}
		return w, nil
	}

	in := make(chan models.LogRecord, p.parallelism)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(in)
		for _, rec := range records {
			select {
			case in <- rec:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	var result *Workload
	g.Go(func() error {
		w, err := p.Run(gctx, in, sink)
		result = w
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}
