package ingest

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/fidde/pgworkload/pkg/models"
	"golang.org/x/sync/errgroup"
)

// StreamStats counts what Stream read.
type StreamStats struct {
	Records    int64
	Unreadable int64
}

// Stream reads every reader to the end and sends the records to out. Readers
// are drained concurrently, at most parallelism at a time (all at once when
// parallelism <= 0). Unreadable records are logged and counted, not returned.
// Stream does not close out.
func Stream(ctx context.Context, readers []Reader, out chan<- models.LogRecord, parallelism int, logger *slog.Logger) (StreamStats, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var records, unreadable atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}

	for _, r := range readers {
		g.Go(func() error {
			for {
				rec, err := r.Next()
				if err == io.EOF {
					return nil
				}
				if err != nil {
					if IsRecordError(err) {
						unreadable.Add(1)
						logger.Warn("skipping unreadable record", "source", r.Source(), "error", err)
						continue
					}
					return err
				}

				select {
				case out <- rec:
					records.Add(1)
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		})
	}

	err := g.Wait()
	return StreamStats{Records: records.Load(), Unreadable: unreadable.Load()}, err
}

// ReadAll reads r to the end. Unreadable records are counted and skipped.
func ReadAll(r Reader) ([]models.LogRecord, int64, error) {
	var records []models.LogRecord
	var unreadable int64
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return records, unreadable, nil
		}
		if err != nil {
			if IsRecordError(err) {
				unreadable++
				continue
			}
			return nil, unreadable, err
		}
		records = append(records, rec)
	}
}
