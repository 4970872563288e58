// Package ingest reads PostgreSQL server logs (csvlog and jsonlog, optionally
// gzip or zstd compressed) into LogRecords.
package ingest

import (
	"errors"
	"fmt"

	"github.com/fidde/pgworkload/pkg/models"
)

// Log formats.
const (
	FormatAuto    = "auto"
	FormatCSVLog  = "csvlog"
	FormatJSONLog = "jsonlog"
)

// Reader yields log records one at a time. Next returns io.EOF after the last
// record and a *RecordError for a record that cannot be parsed; reading may
// continue after a *RecordError.
type Reader interface {
	Next() (models.LogRecord, error)
	Source() string
}

// RecordError reports one unreadable record.
type RecordError struct {
	Source string
	Line   int64
	Err    error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s: %v", models.RecordRef(e.Source, e.Line), e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// IsRecordError reports whether err only affects a single record.
func IsRecordError(err error) bool {
	var recErr *RecordError
	return errors.As(err, &recErr)
}
