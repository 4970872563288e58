// Package receiver implements OTLP HTTP and gRPC endpoints for PostgreSQL
// logs shipped through an OpenTelemetry collector.
package receiver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fidde/pgworkload/internal/aggregator"
	"github.com/fidde/pgworkload/internal/analyzer"
	"github.com/fidde/pgworkload/internal/storage"
	"github.com/fidde/pgworkload/pkg/models"
	"github.com/google/uuid"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
)

// Consumer runs batches of log records through the pipeline and merges the
// result into storage. It is shared by the receivers and the ingest API.
type Consumer struct {
	converter   *analyzer.LogsConverter
	pipeline    *aggregator.Pipeline
	store       storage.Storage
	keepRecords bool
}

// NewConsumer creates a consumer. When keepRecords is set, templated records
// are passed to Storage.StoreRecords as examples.
func NewConsumer(pipeline *aggregator.Pipeline, store storage.Storage, mapping analyzer.AttributeMapping, keepRecords bool) *Consumer {
	return &Consumer{
		converter:   analyzer.NewLogsConverter(mapping),
		pipeline:    pipeline,
		store:       store,
		keepRecords: keepRecords,
	}
}

// ConsumeRecords aggregates records and stores the resulting workload.
func (c *Consumer) ConsumeRecords(ctx context.Context, records []models.LogRecord) (models.RunSummary, error) {
	started := time.Now().UTC()

	var (
		mu   sync.Mutex
		kept []*models.TemplatedRecord
		sink aggregator.RecordSink
	)
	if c.keepRecords {
		sink = func(rec *models.TemplatedRecord) {
			if !rec.HasTemplate() {
				return
			}
			mu.Lock()
			kept = append(kept, rec)
			mu.Unlock()
		}
	}

	w, err := c.pipeline.RunBatch(ctx, records, sink)
	if err != nil {
		return models.RunSummary{}, err
	}

	if err := c.store.StoreWorkload(ctx, w); err != nil {
		return models.RunSummary{}, fmt.Errorf("storing workload: %w", err)
	}
	if len(kept) > 0 {
		if err := c.store.StoreRecords(ctx, kept); err != nil {
			return models.RunSummary{}, fmt.Errorf("storing records: %w", err)
		}
	}

	summary := w.Summary()
	summary.RunID = uuid.NewString()
	summary.StartedAt = started
	summary.CompletedAt = time.Now().UTC()
	return summary, nil
}

// ConsumeOTLP converts an export request and consumes its records.
func (c *Consumer) ConsumeOTLP(ctx context.Context, req *collogspb.ExportLogsServiceRequest, source string) (models.RunSummary, error) {
	records, err := c.converter.Convert(req, source)
	if err != nil {
		return models.RunSummary{}, err
	}
	return c.ConsumeRecords(ctx, records)
}

// Rejected returns the records of summary that carried a statement but could
// not be templated. Log lines without a statement are not rejections.
func Rejected(summary models.RunSummary) int64 {
	var n int64
	for reason, count := range summary.Excluded {
		if reason != models.ReasonNoQuery {
			n += count
		}
	}
	return n
}

// exportResponse reports rejected records as a partial success.
func exportResponse(summary models.RunSummary) *collogspb.ExportLogsServiceResponse {
	resp := &collogspb.ExportLogsServiceResponse{}
	if n := Rejected(summary); n > 0 {
		resp.PartialSuccess = &collogspb.ExportLogsPartialSuccess{
			RejectedLogRecords: n,
			ErrorMessage:       rejectedMessage(summary),
		}
	}
	return resp
}

func rejectedMessage(summary models.RunSummary) string {
	return fmt.Sprintf("%d malformed parameter lists, %d statements failed to tokenize",
		summary.Excluded[models.ReasonMalformedParameters],
		summary.Excluded[models.ReasonTokenization])
}
