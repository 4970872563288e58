package analyzer

import (
	"fmt"
	"time"

	"github.com/fidde/pgworkload/pkg/models"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
)

// AttributeMapping names the OTLP log attributes that carry PostgreSQL
// csvlog/jsonlog columns.
type AttributeMapping struct {
	Detail           string `yaml:"detail_attribute"`
	CommandTag       string `yaml:"command_tag_attribute"`
	SessionStartTime string `yaml:"session_start_attribute"`
	UserName         string `yaml:"user_attribute"`
	DatabaseName     string `yaml:"database_attribute"`
	SessionID        string `yaml:"session_id_attribute"`
	ApplicationName  string `yaml:"application_attribute"`
}

// DefaultAttributeMapping names attributes after the PostgreSQL csvlog columns.
func DefaultAttributeMapping() AttributeMapping {
	return AttributeMapping{
		Detail:           "detail",
		CommandTag:       "command_tag",
		SessionStartTime: "session_start_time",
		UserName:         "user_name",
		DatabaseName:     "database_name",
		SessionID:        "session_id",
		ApplicationName:  "application_name",
	}
}

// LogsConverter turns OTLP log exports into LogRecords.
type LogsConverter struct {
	mapping AttributeMapping
}

// NewLogsConverter creates a converter. Empty names in mapping fall back to
// DefaultAttributeMapping.
func NewLogsConverter(mapping AttributeMapping) *LogsConverter {
	def := DefaultAttributeMapping()
	fill := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	fill(&mapping.Detail, def.Detail)
	fill(&mapping.CommandTag, def.CommandTag)
	fill(&mapping.SessionStartTime, def.SessionStartTime)
	fill(&mapping.UserName, def.UserName)
	fill(&mapping.DatabaseName, def.DatabaseName)
	fill(&mapping.SessionID, def.SessionID)
	fill(&mapping.ApplicationName, def.ApplicationName)
	return &LogsConverter{mapping: mapping}
}

// Convert extracts one LogRecord per OTLP log record. source names the
// receiver; records are numbered from 1 in request order.
func (c *LogsConverter) Convert(req *collogspb.ExportLogsServiceRequest, source string) ([]models.LogRecord, error) {
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}

	var records []models.LogRecord
	var line int64

	for _, resourceLogs := range req.ResourceLogs {
		resourceAttrs := extractAttributes(resourceLogs.GetResource().GetAttributes())

		for _, scopeLogs := range resourceLogs.ScopeLogs {
			for _, logRecord := range scopeLogs.LogRecords {
				line++
				records = append(records, c.convertRecord(logRecord, resourceAttrs, source, line))
			}
		}
	}

	return records, nil
}

func (c *LogsConverter) convertRecord(lr *logspb.LogRecord, resourceAttrs map[string]string, source string, line int64) models.LogRecord {
	attrs := extractAttributes(lr.Attributes)
	message := attributeValueToString(lr.GetBody())
	if fields, ok := bodyFields(lr.GetBody()); ok {
		// Record attributes take precedence over body fields.
		message = fields["message"]
		for k, v := range fields {
			if _, set := attrs[k]; !set {
				attrs[k] = v
			}
		}
	}

	rec := models.LogRecord{
		LogTime:         recordTime(lr),
		CommandTag:      attrs[c.mapping.CommandTag],
		Message:         message,
		Source:          source,
		Line:            line,
		UserName:        attrs[c.mapping.UserName],
		DatabaseName:    attrs[c.mapping.DatabaseName],
		SessionID:       attrs[c.mapping.SessionID],
		ApplicationName: getApplicationName(attrs[c.mapping.ApplicationName], resourceAttrs),
	}

	if detail, ok := attrs[c.mapping.Detail]; ok && detail != "" {
		rec.Detail = &detail
	}
	if start := attrs[c.mapping.SessionStartTime]; start != "" {
		if ts, err := ParseLogTime(start, nil); err == nil {
			rec.SessionStartTime = ts
		}
	}

	return rec
}

func recordTime(lr *logspb.LogRecord) time.Time {
	ts := lr.GetTimeUnixNano()
	if ts == 0 {
		ts = lr.GetObservedTimeUnixNano()
	}
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(ts)).UTC()
}
