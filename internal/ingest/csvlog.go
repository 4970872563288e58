package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fidde/pgworkload/internal/analyzer"
	"github.com/fidde/pgworkload/pkg/models"
)

// csvlog column positions, see "Using CSV-Format Log Output" in the
// PostgreSQL manual. Later columns (application_name, backend_type, ...)
// depend on the server version.
const (
	colLogTime          = 0
	colUserName         = 1
	colDatabaseName     = 2
	colSessionID        = 5
	colCommandTag       = 7
	colSessionStartTime = 8
	colMessage          = 13
	colDetail           = 14
	colApplicationName  = 22

	minCSVColumns = colDetail + 1
)

// CSVReader reads the PostgreSQL csvlog format.
type CSVReader struct {
	r      *csv.Reader
	source string
	loc    *time.Location
	line   int64
}

// NewCSVReader reads csvlog records from r. Zone abbreviations in
// timestamps are resolved against loc, or UTC when loc is nil.
func NewCSVReader(r io.Reader, source string, loc *time.Location) *CSVReader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	return &CSVReader{r: cr, source: source, loc: loc}
}

// Source returns the name records are attributed to.
func (c *CSVReader) Source() string {
	return c.source
}

// Next returns the next record.
func (c *CSVReader) Next() (models.LogRecord, error) {
	fields, err := c.r.Read()
	if err == io.EOF {
		return models.LogRecord{}, io.EOF
	}
	c.line++
	if err != nil {
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			return models.LogRecord{}, &RecordError{Source: c.source, Line: c.line, Err: err}
		}
		return models.LogRecord{}, fmt.Errorf("reading %s: %w", c.source, err)
	}
	if len(fields) < minCSVColumns {
		return models.LogRecord{}, &RecordError{
			Source: c.source,
			Line:   c.line,
			Err:    fmt.Errorf("expected at least %d columns, got %d", minCSVColumns, len(fields)),
		}
	}

	logTime, err := analyzer.ParseLogTime(fields[colLogTime], c.loc)
	if err != nil {
		return models.LogRecord{}, &RecordError{Source: c.source, Line: c.line, Err: err}
	}

	rec := models.LogRecord{
		LogTime:      logTime,
		CommandTag:   fields[colCommandTag],
		Message:      fields[colMessage],
		Source:       c.source,
		Line:         c.line,
		UserName:     fields[colUserName],
		DatabaseName: fields[colDatabaseName],
		SessionID:    fields[colSessionID],
	}
	if v := fields[colSessionStartTime]; v != "" {
		if ts, err := analyzer.ParseLogTime(v, c.loc); err == nil {
			rec.SessionStartTime = ts
		}
	}
	if v := fields[colDetail]; v != "" {
		detail := v
		rec.Detail = &detail
	}
	if len(fields) > colApplicationName {
		rec.ApplicationName = fields[colApplicationName]
	}
	return rec, nil
}
