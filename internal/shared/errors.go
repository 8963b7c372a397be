package shared

import "errors"

var (
	// ErrNotFound indicates a root node, weight scope or record is absent.
	ErrNotFound = errors.New("not found")
	// ErrInvalidPeriod indicates a date range whose start is after its end.
	ErrInvalidPeriod = errors.New("invalid period")
	// ErrUpstreamUnavailable indicates a directory, ledger, target or weight read
	// failed or timed out. Callers may retry.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrInvalidWeight indicates a negative or otherwise unusable weight.
	ErrInvalidWeight = errors.New("invalid weight")
	// ErrPartialPublishPrevented indicates a publish was aborted and rolled back
	// as a whole.
	ErrPartialPublishPrevented = errors.New("publish aborted, scope left unchanged")
	// ErrValidation indicates malformed caller input.
	ErrValidation = errors.New("validation failed")
)
