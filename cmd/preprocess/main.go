// Command preprocess reads PostgreSQL csvlog or jsonlog files, turns every
// logged statement into a SQL template and stores the per-bucket workload.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fidde/pgworkload/internal/aggregator"
	"github.com/fidde/pgworkload/internal/config"
	"github.com/fidde/pgworkload/internal/ingest"
	"github.com/fidde/pgworkload/internal/storage"
	"github.com/fidde/pgworkload/internal/storage/snapshots"
	"github.com/fidde/pgworkload/pkg/models"
	"github.com/spf13/pflag"
)

type options struct {
	configPath  string
	format      string
	timezone    string
	backend     string
	bucket      time.Duration
	parallelism int
	quoteAware  bool
	adjacency   bool
	noStore     bool
	snapshot    string
	description string
	top         int
	verbose     bool
	files       []string
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdout); err != nil {
		log.Fatalf("preprocess: %v", err)
	}
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	fs := pflag.NewFlagSet("preprocess", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: preprocess [flags] <logfile|glob>...\n\n")
		fs.PrintDefaults()
	}

	fs.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration")
	fs.StringVarP(&opts.format, "format", "f", "", "log format: auto, csvlog or jsonlog")
	fs.StringVar(&opts.timezone, "timezone", "", "IANA zone used for zone abbreviations in log timestamps")
	fs.StringVar(&opts.backend, "backend", "", "storage backend: memory, sqlite, clickhouse or dual")
	fs.DurationVarP(&opts.bucket, "bucket", "b", 0, "time bucket granularity")
	fs.IntVarP(&opts.parallelism, "parallelism", "j", 0, "pipeline workers (0 uses GOMAXPROCS)")
	fs.BoolVar(&opts.quoteAware, "quote-aware-params", false, "split parameter lists on commas outside quotes only")
	fs.BoolVar(&opts.adjacency, "preserve-adjacency", false, "keep tokens that touch in the source adjacent in templates")
	fs.BoolVar(&opts.noStore, "no-store", false, "print the summary without writing to storage")
	fs.StringVarP(&opts.snapshot, "snapshot", "s", "", "also save the workload as a named snapshot")
	fs.StringVar(&opts.description, "snapshot-description", "", "description stored with --snapshot")
	fs.IntVarP(&opts.top, "top", "n", 10, "number of top templates to print")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "log excluded records")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	opts.files = fs.Args()
	if len(opts.files) == 0 {
		fs.Usage()
		return nil, errors.New("no log files given")
	}
	return opts, nil
}

// apply overrides cfg with the options set on the command line.
func (o *options) apply(cfg *config.Config) error {
	if o.format != "" {
		cfg.Ingest.Format = o.format
	}
	if o.timezone != "" {
		cfg.Ingest.Timezone = o.timezone
	}
	if o.backend != "" {
		cfg.Storage.Backend = o.backend
	}
	if o.bucket != 0 {
		cfg.Pipeline.Bucket = o.bucket
	}
	if o.parallelism != 0 {
		cfg.Pipeline.Parallelism = o.parallelism
	}
	if o.quoteAware {
		cfg.Pipeline.QuoteAwareParams = true
	}
	if o.adjacency {
		cfg.Pipeline.PreserveAdjacency = true
	}
	return cfg.Validate()
}

// stageTimer prints the duration of each named stage.
type stageTimer struct {
	out    io.Writer
	start  time.Time
	stages []stage
}

type stage struct {
	name     string
	duration time.Duration
}

func newStageTimer(out io.Writer) *stageTimer {
	return &stageTimer{out: out, start: time.Now()}
}

func (t *stageTimer) track(name string, fn func() error) error {
	started := time.Now()
	err := fn()
	t.stages = append(t.stages, stage{name: name, duration: time.Since(started)})
	return err
}

func (t *stageTimer) print() {
	fmt.Fprintln(t.out, "Timing:")
	for _, s := range t.stages {
		fmt.Fprintf(t.out, "  %-22s %s\n", s.name, s.duration.Round(time.Millisecond))
	}
	fmt.Fprintf(t.out, "  %-22s %s\n", "total", time.Since(t.start).Round(time.Millisecond))
}

func run(ctx context.Context, opts *options, out io.Writer) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if err := opts.apply(&cfg); err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	timer := newStageTimer(out)

	var (
		files []string
		input uint64
	)
	if err := timer.track("open", func() error {
		var err error
		files, err = ingest.Expand(opts.files)
		if err != nil {
			return err
		}
		for _, f := range files {
			if info, err := os.Stat(f); err == nil {
				input += uint64(info.Size())
			}
		}
		return nil
	}); err != nil {
		return err
	}

	readers := make([]ingest.Reader, 0, len(files))
	for _, path := range files {
		f, err := ingest.Open(path, cfg.Ingest.Format, loc)
		if err != nil {
			return err
		}
		defer f.Close()
		readers = append(readers, f)
	}
	fmt.Fprintf(out, "Reading %d file(s), %s\n", len(files), humanize.Bytes(input))

	pipeline := aggregator.NewPipeline(cfg.PipelineConfig(logger))
	keep := newRecordKeeper(cfg.Storage.RecordCapacity)
	if !cfg.Storage.KeepRecords || opts.noStore {
		keep = newRecordKeeper(0)
	}

	var (
		workload *aggregator.Workload
		stats    ingest.StreamStats
	)
	if err := timer.track("read + template", func() error {
		var err error
		workload, stats, err = process(ctx, pipeline, readers, keep.add, logger)
		return err
	}); err != nil {
		return err
	}

	summary := workload.Summary()
	summary.Unreadable = stats.Unreadable
	printSummary(out, summary, timer.stages[len(timer.stages)-1].duration)
	printTopTemplates(out, workload.Templates(), opts.top)

	if !opts.noStore {
		if err := timer.track("store ("+cfg.Storage.Backend+")", func() error {
			return store(ctx, cfg.StorageConfig(logger), workload, keep.records)
		}); err != nil {
			return err
		}
	}

	if opts.snapshot != "" {
		if err := timer.track("snapshot", func() error {
			return saveSnapshot(ctx, cfg, opts, workload)
		}); err != nil {
			return err
		}
		fmt.Fprintf(out, "Saved snapshot %q\n", opts.snapshot)
	}

	timer.print()
	return nil
}

// process streams the readers through the pipeline.
func process(ctx context.Context, pipeline *aggregator.Pipeline, readers []ingest.Reader, sink aggregator.RecordSink, logger *slog.Logger) (*aggregator.Workload, ingest.StreamStats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	records := make(chan models.LogRecord, 4096)
	var (
		stats     ingest.StreamStats
		streamErr error
		done      = make(chan struct{})
	)
	go func() {
		defer close(done)
		defer close(records)
		stats, streamErr = ingest.Stream(ctx, readers, records, len(readers), logger)
	}()

	workload, err := pipeline.Run(ctx, records, sink)
	if err != nil {
		cancel()
		<-done
		return nil, stats, err
	}
	<-done
	if streamErr != nil {
		return nil, stats, fmt.Errorf("reading logs: %w", streamErr)
	}
	return workload, stats, nil
}

func store(ctx context.Context, cfg storage.Config, w *aggregator.Workload, records []*models.TemplatedRecord) error {
	s, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		return err
	}
	if err := s.StoreWorkload(ctx, w); err != nil {
		s.Close()
		return fmt.Errorf("storing workload: %w", err)
	}
	if len(records) > 0 {
		if err := s.StoreRecords(ctx, records); err != nil {
			s.Close()
			return fmt.Errorf("storing records: %w", err)
		}
	}
	return s.Close()
}

func saveSnapshot(ctx context.Context, cfg config.Config, opts *options, w *aggregator.Workload) error {
	store, err := snapshots.New(snapshots.Config{
		Dir:          cfg.Snapshots.Dir,
		MaxSnapshots: cfg.Snapshots.MaxSnapshots,
	})
	if err != nil {
		return err
	}
	snap := snapshots.FromWorkload(opts.snapshot, opts.description, cfg.Pipeline.Bucket, w)
	if err := store.Save(ctx, snap); err != nil {
		return fmt.Errorf("saving snapshot %s: %w", opts.snapshot, err)
	}
	return nil
}

// recordKeeper collects up to capacity templated records from pipeline workers.
type recordKeeper struct {
	mu       sync.Mutex
	capacity int
	records  []*models.TemplatedRecord
}

func newRecordKeeper(capacity int) *recordKeeper {
	return &recordKeeper{capacity: capacity}
}

func (k *recordKeeper) add(rec *models.TemplatedRecord) {
	if k.capacity <= 0 || !rec.HasTemplate() {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.records) < k.capacity {
		k.records = append(k.records, rec)
	}
}

func printSummary(out io.Writer, s models.RunSummary, elapsed time.Duration) {
	fmt.Fprintln(out, "Summary:")
	fmt.Fprintf(out, "  records     %s\n", humanize.Comma(s.Records))
	fmt.Fprintf(out, "  templated   %s\n", humanize.Comma(s.Templated))
	fmt.Fprintf(out, "  templates   %s\n", humanize.Comma(int64(s.Templates)))
	fmt.Fprintf(out, "  buckets     %s\n", humanize.Comma(int64(s.Buckets)))
	for _, reason := range models.ExclusionReasons {
		fmt.Fprintf(out, "  %-11s %s\n", reason, humanize.Comma(s.Excluded[reason]))
	}
	if s.Unreadable > 0 {
		fmt.Fprintf(out, "  unreadable  %s\n", humanize.Comma(s.Unreadable))
	}
	if secs := elapsed.Seconds(); secs > 0 {
		fmt.Fprintf(out, "  throughput  %s records/s\n", humanize.Comma(int64(float64(s.Records)/secs)))
	}
}

// printTopTemplates prints the first n of templates, which are sorted by count.
func printTopTemplates(out io.Writer, templates []*models.TemplateStats, n int) {
	if n <= 0 || len(templates) == 0 {
		return
	}
	if len(templates) > n {
		templates = templates[:n]
	}

	fmt.Fprintf(out, "Top %d templates:\n", len(templates))
	for _, ts := range templates {
		fmt.Fprintf(out, "  %s %12s %6.2f%% %10s  %s\n",
			ts.ID,
			humanize.Comma(ts.Count),
			ts.Percentage,
			humanize.Comma(int64(ts.DistinctParams)),
			truncate(ts.Template, 100))
	}
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
