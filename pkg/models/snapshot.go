package models

import (
	"errors"
	"regexp"
	"time"
)

// Snapshot naming validation
var snapshotNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9\-]*[a-z0-9]$|^[a-z0-9]$`)

// Snapshot errors
var (
	ErrSnapshotNotFound    = errors.New("snapshot not found")
	ErrInvalidSnapshotName = errors.New("invalid snapshot name: must be lowercase alphanumeric with hyphens")
	ErrSnapshotTooLarge    = errors.New("snapshot exceeds size limit")
	ErrTooManySnapshots    = errors.New("maximum number of snapshots reached")
)

// ValidateSnapshotName checks if a snapshot name is valid.
// Names must be lowercase alphanumeric with hyphens, no spaces or special chars.
func ValidateSnapshotName(name string) error {
	if name == "" || len(name) > 128 {
		return ErrInvalidSnapshotName
	}
	if !snapshotNameRegex.MatchString(name) {
		return ErrInvalidSnapshotName
	}
	return nil
}

// Snapshot is a named export of a workload aggregate.
type Snapshot struct {
	Version     int           `json:"version"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Created     time.Time     `json:"created"`
	Bucket      Duration      `json:"bucket"`
	Data        SnapshotData  `json:"data"`
	Stats       SnapshotStats `json:"stats"`
}

// SnapshotData holds the exported workload.
type SnapshotData struct {
	Entries    []AggregateEntry `json:"entries"`
	Templates  []*TemplateStats `json:"templates"`
	Exclusions *ExclusionReport `json:"exclusions"`
}

// SnapshotStats contains summary counts for listing without loading data.
type SnapshotStats struct {
	Templates int   `json:"templates"`
	Buckets   int   `json:"buckets"`
	Total     int64 `json:"total"`
	Excluded  int64 `json:"excluded"`
}

// SnapshotMetadata describes a saved snapshot.
type SnapshotMetadata struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Created     time.Time     `json:"created"`
	SizeBytes   int64         `json:"size_bytes"`
	Stats       SnapshotStats `json:"stats"`
}

// Duration is a time.Duration that encodes as a Go duration string in JSON.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}
