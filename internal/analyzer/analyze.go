package analyzer

import (
	"errors"
	"time"

	"github.com/fidde/pgworkload/pkg/models"
	"github.com/fidde/pgworkload/pkg/sqltemplate"
)

// RecordAnalyzer runs one log record through query extraction, parameter
// extraction, substitution and templating. It holds no mutable state and is
// safe for concurrent use.
type RecordAnalyzer struct {
	params    ParamExtractor
	templater *sqltemplate.Templater
	bucket    time.Duration
}

// Options configures a RecordAnalyzer.
type Options struct {
	Bucket            time.Duration // time bucket granularity, 1s when zero
	QuoteAwareParams  bool
	PreserveAdjacency bool
}

// NewRecordAnalyzer creates an analyzer.
func NewRecordAnalyzer(opts Options) *RecordAnalyzer {
	if opts.Bucket <= 0 {
		opts.Bucket = time.Second
	}
	return &RecordAnalyzer{
		params:    ParamExtractor{QuoteAware: opts.QuoteAwareParams},
		templater: sqltemplate.New(sqltemplate.Options{PreserveAdjacency: opts.PreserveAdjacency}),
		bucket:    opts.Bucket,
	}
}

// Bucket returns the time bucket granularity.
func (a *RecordAnalyzer) Bucket() time.Duration {
	return a.bucket
}

// Analyze derives the templated form of rec. A record without a statement
// comes back with an empty template and a nil error. Parameter and
// tokenization failures are returned as *models.MalformedParameterError and
// *sqltemplate.TokenizationError together with the partially filled record,
// whose template is empty.
func (a *RecordAnalyzer) Analyze(rec *models.LogRecord) (*models.TemplatedRecord, error) {
	out := &models.TemplatedRecord{
		LogRecord:  *rec,
		TimeBucket: BucketTime(rec.LogTime, a.bucket),
	}

	out.RawQuery = ExtractQuery(rec.Message)
	if out.RawQuery == "" {
		return out, nil
	}

	params, err := a.params.Extract(rec.Detail)
	if err != nil {
		var malformed *models.MalformedParameterError
		if errors.As(err, &malformed) {
			malformed.Record = rec.Ref()
		}
		return out, err
	}
	out.Params = params
	out.SubstitutedQuery = Substitute(out.RawQuery, params)

	result, err := a.templater.Template(out.SubstitutedQuery)
	if err != nil {
		return out, err
	}
	out.Template = result.Template
	out.TemplateParams = result.Params
	if out.Template != "" {
		out.TemplateHash = models.HashTemplate(out.Template)
	}
	return out, nil
}

// BucketTime rounds t to the nearest multiple of granularity, in UTC.
// Halfway values round up.
func BucketTime(t time.Time, granularity time.Duration) time.Time {
	return t.UTC().Round(granularity)
}

// ExclusionReason classifies an Analyze outcome. ok is false when the record
// contributes to the workload.
func ExclusionReason(rec *models.TemplatedRecord, err error) (models.ExclusionReason, bool) {
	if err != nil {
		var malformed *models.MalformedParameterError
		if errors.As(err, &malformed) {
			return models.ReasonMalformedParameters, true
		}
		return models.ReasonTokenization, true
	}
	if !rec.HasTemplate() {
		return models.ReasonNoQuery, true
	}
	return "", false
}
