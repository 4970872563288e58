package ingest

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/fidde/pgworkload/internal/analyzer"
	"github.com/fidde/pgworkload/pkg/models"
	"github.com/valyala/fastjson"
)

// maxJSONLine bounds one jsonlog line. Statements with large literals can
// make lines very long.
const maxJSONLine = 64 << 20

// JSONReader reads the PostgreSQL jsonlog format: one JSON object per line.
type JSONReader struct {
	scanner *bufio.Scanner
	parser  fastjson.Parser
	source  string
	loc     *time.Location
	line    int64
}

// NewJSONReader reads jsonlog records from r.
func NewJSONReader(r io.Reader, source string, loc *time.Location) *JSONReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxJSONLine)
	return &JSONReader{scanner: scanner, source: source, loc: loc}
}

// Source returns the name records are attributed to.
func (j *JSONReader) Source() string {
	return j.source
}

// Next returns the next record. Blank lines are skipped.
func (j *JSONReader) Next() (models.LogRecord, error) {
	for j.scanner.Scan() {
		j.line++
		data := bytes.TrimSpace(j.scanner.Bytes())
		if len(data) == 0 {
			continue
		}

		v, err := j.parser.ParseBytes(data)
		if err != nil {
			return models.LogRecord{}, &RecordError{Source: j.source, Line: j.line, Err: err}
		}
		if v.Type() != fastjson.TypeObject {
			return models.LogRecord{}, &RecordError{Source: j.source, Line: j.line, Err: fmt.Errorf("expected object, got %s", v.Type())}
		}
		return j.record(v)
	}
	if err := j.scanner.Err(); err != nil {
		return models.LogRecord{}, fmt.Errorf("reading %s: %w", j.source, err)
	}
	return models.LogRecord{}, io.EOF
}

func (j *JSONReader) record(v *fastjson.Value) (models.LogRecord, error) {
	logTime, err := analyzer.ParseLogTime(string(v.GetStringBytes("timestamp")), j.loc)
	if err != nil {
		return models.LogRecord{}, &RecordError{Source: j.source, Line: j.line, Err: err}
	}

	rec := models.LogRecord{
		LogTime:         logTime,
		CommandTag:      string(v.GetStringBytes("ps")),
		Message:         string(v.GetStringBytes("message")),
		Source:          j.source,
		Line:            j.line,
		UserName:        string(v.GetStringBytes("user")),
		DatabaseName:    string(v.GetStringBytes("dbname")),
		SessionID:       string(v.GetStringBytes("session_id")),
		ApplicationName: string(v.GetStringBytes("application_name")),
	}
	if start := v.GetStringBytes("session_start"); len(start) > 0 {
		if ts, err := analyzer.ParseLogTime(string(start), j.loc); err == nil {
			rec.SessionStartTime = ts
		}
	}
	if detail := v.GetStringBytes("detail"); len(detail) > 0 {
		s := string(detail)
		rec.Detail = &s
	}
	return rec, nil
}
