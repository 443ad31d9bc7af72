package relay

import "unicode/utf8"

// Result classifies how a dispatch attempt for a record ended.
type Result int

const (
	// ResultSuccess means the sink confirmed the record.
	ResultSuccess Result = iota
	// ResultRetryable means the record should return to PENDING.
	ResultRetryable
	// ResultPermanent means the record must be marked FAILED.
	ResultPermanent
)

// String returns the result name.
func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "SUCCESS"
	case ResultRetryable:
		return "RETRYABLE_FAILURE"
	case ResultPermanent:
		return "PERMANENT_FAILURE"
	default:
		return "UNKNOWN"
	}
}

// Outcome is the transient per-record result reported back to a Source.
type Outcome struct {
	RecordID ID
	Result   Result
	// Attempts is the total number of publish attempts made so far.
	Attempts int
	Err      error
}

// Status returns the record status the outcome leads to.
func (o Outcome) Status() Status {
	switch o.Result {
	case ResultSuccess:
		return StatusPublished
	case ResultPermanent:
		return StatusFailed
	default:
		return StatusPending
	}
}

// MaxErrorLength bounds the error text persisted as a record's LastError.
const MaxErrorLength = 1024

// ErrorText returns the outcome error truncated to MaxErrorLength runes, or an
// empty string for a nil error.
func (o Outcome) ErrorText() string {
	if o.Err == nil {
		return ""
	}

	msg := o.Err.Error()
	if utf8.RuneCountInString(msg) <= MaxErrorLength {
		return msg
	}

	return string([]rune(msg)[:MaxErrorLength])
}
