// Package models defines the data structures shared by the workload pipeline,
// storage backends and the REST API.
package models

import (
	"hash/fnv"
	"strconv"
	"time"
)

// LogRecord is one database-server log entry as handed over by ingestion.
// It is treated as read-only once produced.
type LogRecord struct {
	LogTime          time.Time `json:"log_time"`
	SessionStartTime time.Time `json:"session_start_time"`
	CommandTag       string    `json:"command_tag"`
	Message          string    `json:"message"`
	Detail           *string   `json:"detail,omitempty"`

	// Provenance and session context, informational only.
	Source          string `json:"source,omitempty"`
	Line            int64  `json:"line,omitempty"`
	UserName        string `json:"user_name,omitempty"`
	DatabaseName    string `json:"database_name,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	ApplicationName string `json:"application_name,omitempty"`
}

// Ref returns a short "source:line" reference used in errors and logs.
func (r *LogRecord) Ref() string {
	return RecordRef(r.Source, r.Line)
}

// RecordRef formats a record reference from its provenance.
func RecordRef(source string, line int64) string {
	if source == "" {
		source = "<input>"
	}
	return source + ":" + strconv.FormatInt(line, 10)
}

// TemplatedRecord is a LogRecord after the query has been extracted,
// parameters substituted and the statement templated.
type TemplatedRecord struct {
	LogRecord

	RawQuery         string       `json:"raw_query"`
	Params           ParameterMap `json:"params"`
	SubstitutedQuery string       `json:"substituted_query"`
	Template         string       `json:"template"`
	TemplateHash     uint64       `json:"template_hash,string"`
	TemplateParams   []string     `json:"template_params"`
	TimeBucket       time.Time    `json:"time_bucket"`
}

// HasTemplate reports whether the record contributes to the workload aggregate.
func (r *TemplatedRecord) HasTemplate() bool {
	return r.Template != ""
}

// HashTemplate returns the FNV-1a hash used as the short identifier of a template.
func HashTemplate(template string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(template))
	return h.Sum64()
}
