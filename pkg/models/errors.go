package models

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested item is not found.
var ErrNotFound = errors.New("not found")

// MalformedParameterError reports a detail field whose parameter list does
// not follow the "parameters: $n = value, ..." grammar.
type MalformedParameterError struct {
	Record string // record reference, see LogRecord.Ref
	Pair   string // offending "key = value" pair as it appeared
	Reason string
}

func (e *MalformedParameterError) Error() string {
	if e.Record == "" {
		return fmt.Sprintf("malformed parameter %q: %s", e.Pair, e.Reason)
	}
	return fmt.Sprintf("record %s: malformed parameter %q: %s", e.Record, e.Pair, e.Reason)
}

// ExclusionReason says why a record did not contribute to the workload.
type ExclusionReason string

const (
	ReasonNoQuery             ExclusionReason = "no_query"
	ReasonMalformedParameters ExclusionReason = "malformed_parameters"
	ReasonTokenization        ExclusionReason = "tokenization"
)

// ExclusionReasons lists all reasons in reporting order.
var ExclusionReasons = []ExclusionReason{
	ReasonNoQuery,
	ReasonMalformedParameters,
	ReasonTokenization,
}
