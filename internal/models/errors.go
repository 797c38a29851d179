package models

import "fmt"

// ValidationError reports malformed input at ingestion. Nothing is persisted
// when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// InsufficientDataError reports a computation whose denominator or sample is
// zero or below threshold. It is distinct from a valid zero result: ROI over
// zero AI cost is undefined, not infinite.
type InsufficientDataError struct {
	Metric string
	Reason string
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for %s: %s", e.Metric, e.Reason)
}

// TimeoutError reports a query that exceeded its caller-supplied budget.
// Partial results are discarded, never returned.
type TimeoutError struct {
	Operation string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out", e.Operation)
}

// UnsupportedFormatError reports an export format we do not produce.
type UnsupportedFormatError struct {
	Format string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported export format %q", e.Format)
}

// UnknownFilterError reports a filter key the query layer does not recognize.
// Raised before touching the store.
type UnknownFilterError struct {
	Key string
}

func (e *UnknownFilterError) Error() string {
	return fmt.Sprintf("unknown filter key %q", e.Key)
}

// StoreUnavailableError reports that the durability layer is unreachable.
// Ingestion fails closed; the caller retries with the same event id.
type StoreUnavailableError struct {
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("event store unavailable: %v", e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}
