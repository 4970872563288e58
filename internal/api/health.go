package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fidde/pgworkload/pkg/models"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

var startTime = time.Now()

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status     string        `json:"status"`
	Timestamp  time.Time     `json:"timestamp"`
	Version    string        `json:"version,omitempty"`
	Uptime     string        `json:"uptime,omitempty"`
	Templates  int           `json:"templates"`
	Excluded   int64         `json:"excluded"`
	Goroutines int           `json:"goroutines"`
	Runtime    *RuntimeStats `json:"runtime,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// RuntimeStats summarizes the Go heap.
type RuntimeStats struct {
	HeapAlloc   string `json:"heap_alloc"`
	HeapInuse   string `json:"heap_inuse"`
	Sys         string `json:"sys"`
	NumGC       uint32 `json:"num_gc"`
	LastPauseUs int64  `json:"last_gc_pause_us"`
}

func readRuntimeStats() *RuntimeStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return &RuntimeStats{
		HeapAlloc:   humanize.IBytes(m.HeapAlloc),
		HeapInuse:   humanize.IBytes(m.HeapInuse),
		Sys:         humanize.IBytes(m.Sys),
		NumGC:       m.NumGC,
		LastPauseUs: int64(m.PauseNs[(m.NumGC+255)%256] / 1000),
	}
}

// HandleHealth queries the store. A backend that cannot answer degrades the
// status to 503.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:     "ok",
		Timestamp:  time.Now().UTC(),
		Version:    Version,
		Uptime:     time.Since(startTime).Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
		Runtime:    readRuntimeStats(),
	}

	_, total, err := s.store.ListTemplates(r.Context(), models.TemplateFilter{Limit: 1})
	if err == nil {
		var report *models.ExclusionReport
		if report, err = s.store.GetExclusions(r.Context()); err == nil {
			resp.Excluded = report.Total()
		}
	}
	if err != nil {
		resp.Status = "degraded"
		resp.Error = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	resp.Templates = total
	respondJSON(w, http.StatusOK, resp)
}
