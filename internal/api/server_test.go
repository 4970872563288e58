package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fidde/pgworkload/internal/aggregator"
	"github.com/fidde/pgworkload/internal/analyzer"
	"github.com/fidde/pgworkload/internal/receiver"
	"github.com/fidde/pgworkload/internal/storage/memory"
	"github.com/fidde/pgworkload/pkg/models"
	"github.com/klauspost/compress/gzip"
)

const testLog = `{"timestamp":"2024-03-01 12:00:00.100 UTC","ps":"SELECT","message":"execute <unnamed>: SELECT * FROM t WHERE id = $1","detail":"parameters: $1 = '42'"}
{"timestamp":"2024-03-01 12:00:00.400 UTC","ps":"SELECT","message":"execute <unnamed>: SELECT * FROM t WHERE id = $1","detail":"parameters: $1 = '7'"}
{"timestamp":"2024-03-01 12:00:02.000 UTC","ps":"SELECT","message":"statement: SELECT 1"}
{"timestamp":"2024-03-01 12:00:03.000 UTC","message":"connection received: host=10.0.0.1"}
{"timestamp":"2024-03-01 12:00:04.000 UTC","ps":"SELECT","message":"execute <unnamed>: SELECT $1","detail":"parameters: $1 '5'"}
`

var selectByIDTemplate = "SELECT * FROM t WHERE id = $1"

func setupTestServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()
	return setupTestServerWithConfig(t, Config{})
}

func setupTestServerWithConfig(t *testing.T, config Config) (*Server, *memory.Store) {
	t.Helper()

	store := memory.New(100, 10)
	pipeline := aggregator.NewPipeline(aggregator.Config{
		Analyzer:            analyzer.Options{Bucket: time.Second},
		Parallelism:         2,
		MaxExclusionSamples: 10,
	})
	consumer := receiver.NewConsumer(pipeline, store, analyzer.DefaultAttributeMapping(), true)

	return NewServer(config, store, consumer, nil), store
}

func doRequest(t *testing.T, s *Server, method, target string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return v
}

func ingestTestLog(t *testing.T, s *Server) models.RunSummary {
	t.Helper()

	rec := doRequest(t, s, http.MethodPost, "/api/v1/ingest?format=jsonlog", []byte(testLog), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest returned %d: %s", rec.Code, rec.Body.String())
	}
	return decode[models.RunSummary](t, rec)
}

func TestIngest(t *testing.T) {
	s, _ := setupTestServer(t)

	summary := ingestTestLog(t, s)

	if summary.Records != 5 {
		t.Errorf("expected 5 records, got %d", summary.Records)
	}
	if summary.Templated != 3 {
		t.Errorf("expected 3 templated records, got %d", summary.Templated)
	}
	if summary.Excluded[models.ReasonNoQuery] != 1 {
		t.Errorf("expected 1 no_query exclusion, got %v", summary.Excluded)
	}
	if summary.Excluded[models.ReasonMalformedParameters] != 1 {
		t.Errorf("expected 1 malformed_parameters exclusion, got %v", summary.Excluded)
	}
	if summary.RunID == "" {
		t.Error("expected a run id")
	}
}

func TestIngest_Gzip(t *testing.T) {
	s, _ := setupTestServer(t)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write([]byte(testLog))
	gz.Close()

	rec := doRequest(t, s, http.MethodPost, "/api/v1/ingest", buf.Bytes(), map[string]string{
		"Content-Encoding": "gzip",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest returned %d: %s", rec.Code, rec.Body.String())
	}
	if summary := decode[models.RunSummary](t, rec); summary.Templated != 3 {
		t.Errorf("expected 3 templated records, got %d", summary.Templated)
	}
}

func TestIngest_TooLarge(t *testing.T) {
	const limit = 4096
	s, store := setupTestServerWithConfig(t, Config{MaxIngestBytes: limit})

	expanded := strings.Repeat(testLog, 100)
	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	gz.Write([]byte(expanded))
	gz.Close()
	if compressed.Len() >= limit {
		t.Fatalf("compressed body is %d bytes, want it under the %d byte limit", compressed.Len(), limit)
	}

	tests := []struct {
		name   string
		body   []byte
		header map[string]string
	}{
		{"plain body over limit", []byte(expanded), nil},
		{"gzip body expanding over limit", compressed.Bytes(), map[string]string{"Content-Encoding": "gzip"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodPost, "/api/v1/ingest?format=jsonlog", tt.body, tt.header)
			if rec.Code != http.StatusRequestEntityTooLarge {
				t.Errorf("expected 413, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}

	_, total, err := store.ListTemplates(t.Context(), models.TemplateFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Errorf("expected nothing stored from rejected bodies, got %d templates", total)
	}

	// A body at the limit is accepted.
	small, _ := setupTestServerWithConfig(t, Config{MaxIngestBytes: int64(len(testLog))})
	rec := doRequest(t, small, http.MethodPost, "/api/v1/ingest?format=jsonlog", []byte(testLog), nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 at the limit, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestIngest_BadRequests(t *testing.T) {
	s, _ := setupTestServer(t)

	tests := []struct {
		name   string
		target string
		header map[string]string
	}{
		{"unknown format", "/api/v1/ingest?format=syslog", nil},
		{"unsupported encoding", "/api/v1/ingest", map[string]string{"Content-Encoding": "br"}},
		{"invalid gzip", "/api/v1/ingest", map[string]string{"Content-Encoding": "gzip"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodPost, tt.target, []byte(testLog), tt.header)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestListTemplates(t *testing.T) {
	s, _ := setupTestServer(t)
	ingestTestLog(t, s)

	type page struct {
		Data    []*models.TemplateStats `json:"data"`
		Total   int                     `json:"total"`
		HasMore bool                    `json:"has_more"`
	}

	tests := []struct {
		name      string
		query     string
		wantLen   int
		wantTotal int
		wantFirst string
	}{
		{"all", "", 2, 2, selectByIDTemplate},
		{"min count", "?min_count=2", 1, 1, selectByIDTemplate},
		{"search", "?q=where+ID", 1, 1, selectByIDTemplate},
		{"command tag", "?command_tag=update", 0, 0, ""},
		{"paged", "?limit=1&offset=1", 1, 2, "SELECT $1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodGet, "/api/v1/templates"+tt.query, nil, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			got := decode[page](t, rec)
			if len(got.Data) != tt.wantLen || got.Total != tt.wantTotal {
				t.Fatalf("got %d of %d, want %d of %d", len(got.Data), got.Total, tt.wantLen, tt.wantTotal)
			}
			if tt.wantFirst != "" && got.Data[0].Template != tt.wantFirst {
				t.Errorf("expected first template %q, got %q", tt.wantFirst, got.Data[0].Template)
			}
		})
	}

	rec := doRequest(t, s, http.MethodGet, "/api/v1/templates?min_count=-1", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative min_count, got %d", rec.Code)
	}
}

func TestGetTemplate(t *testing.T) {
	s, _ := setupTestServer(t)
	ingestTestLog(t, s)

	id := models.FormatTemplateID(models.HashTemplate(selectByIDTemplate))

	rec := doRequest(t, s, http.MethodGet, "/api/v1/templates/"+id, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	ts := decode[models.TemplateStats](t, rec)
	if ts.Count != 2 || ts.ID != id {
		t.Errorf("unexpected template %+v", ts)
	}
	if ts.Example != "SELECT * FROM t WHERE id = '42'" {
		t.Errorf("expected earliest example, got %q", ts.Example)
	}
	if ts.DistinctParams != 2 {
		t.Errorf("expected 2 distinct parameter tuples, got %d", ts.DistinctParams)
	}

	tests := []struct {
		name string
		path string
		want int
	}{
		{"unknown template", "/api/v1/templates/0000000000000001", http.StatusNotFound},
		{"invalid id", "/api/v1/templates/xyz", http.StatusBadRequest},
		{"unknown buckets", "/api/v1/templates/0000000000000001/buckets", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodGet, tt.path, nil, nil)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestListBuckets(t *testing.T) {
	s, _ := setupTestServer(t)
	ingestTestLog(t, s)

	id := models.FormatTemplateID(models.HashTemplate(selectByIDTemplate))

	type buckets struct {
		Data  []models.AggregateEntry `json:"data"`
		Total int                     `json:"total"`
	}

	rec := doRequest(t, s, http.MethodGet, "/api/v1/templates/"+id+"/buckets", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[buckets](t, rec)
	if got.Total != 1 || got.Data[0].Count != 2 {
		t.Fatalf("expected one bucket with count 2, got %+v", got)
	}
	if want := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC); !got.Data[0].TimeBucket.Equal(want) {
		t.Errorf("expected bucket %v, got %v", want, got.Data[0].TimeBucket)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/v1/templates/"+id+"/buckets?from=2024-03-01T12:00:01Z", nil, nil)
	if got := decode[buckets](t, rec); got.Total != 0 {
		t.Errorf("expected no buckets after from, got %d", got.Total)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/v1/templates/"+id+"/buckets?to=yesterday", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid to, got %d", rec.Code)
	}
}

func TestListRecords(t *testing.T) {
	s, _ := setupTestServer(t)
	ingestTestLog(t, s)

	id := models.FormatTemplateID(models.HashTemplate(selectByIDTemplate))

	rec := doRequest(t, s, http.MethodGet, "/api/v1/templates/"+id+"/records?limit=1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[map[string]json.RawMessage](t, rec)
	if string(got["total"]) != "1" {
		t.Errorf("expected 1 record, got %s", got["total"])
	}
	if !strings.Contains(string(got["data"]), selectByIDTemplate) {
		t.Errorf("expected record with template, got %s", got["data"])
	}
}

func TestExclusions(t *testing.T) {
	s, _ := setupTestServer(t)
	ingestTestLog(t, s)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/exclusions", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	type report struct {
		Total   int64              `json:"total"`
		Samples []models.Exclusion `json:"samples"`
	}
	got := decode[report](t, rec)
	if got.Total != 2 || len(got.Samples) != 2 {
		t.Fatalf("unexpected report %+v", got)
	}
	if got.Samples[0].Line != 4 || got.Samples[0].Reason != models.ReasonNoQuery {
		t.Errorf("unexpected first sample %+v", got.Samples[0])
	}
}

func TestHealthAndClear(t *testing.T) {
	s, store := setupTestServer(t)
	ingestTestLog(t, s)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	health := decode[HealthResponse](t, rec)
	if health.Status != "ok" || health.Templates != 2 || health.Excluded != 2 {
		t.Errorf("unexpected health %+v", health)
	}
	if health.Runtime == nil || health.Runtime.HeapAlloc == "" {
		t.Error("expected runtime stats")
	}

	rec = doRequest(t, s, http.MethodPost, "/api/v1/admin/clear", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	_, total, err := store.ListTemplates(t.Context(), models.TemplateFilter{})
	if err != nil {
		t.Fatalf("ListTemplates failed: %v", err)
	}
	if total != 0 {
		t.Errorf("expected empty store after clear, got %d templates", total)
	}
}

func TestOptionalRoutes(t *testing.T) {
	s := NewServer(Config{}, memory.New(0, 0), nil, nil)

	for _, path := range []string{"/api/v1/ingest", "/api/v1/snapshots"} {
		rec := doRequest(t, s, http.MethodPost, path, nil, nil)
		if rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: expected route to be absent, got %d", path, rec.Code)
		}
	}
}
