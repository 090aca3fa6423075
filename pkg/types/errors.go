package types

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the requested figure does not exist upstream. It is
	// an expected condition, not a failure.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable means a secondary source (spot price, calibration
	// ratio) could not be computed. Callers fall through to the next
	// strategy or report "no data".
	ErrUnavailable = errors.New("unavailable")
)

// UpstreamErrorKind classifies upstream API failures.
type UpstreamErrorKind string

const (
	UpstreamNetwork   UpstreamErrorKind = "network"
	UpstreamAuth      UpstreamErrorKind = "auth"
	UpstreamMalformed UpstreamErrorKind = "malformed"
	UpstreamTimeout   UpstreamErrorKind = "timeout"
)

// UpstreamError wraps any failure reaching the upstream metering API or a
// backing market/billing store. Callers fall back to cached data when
// available; it never crashes the process.
type UpstreamError struct {
	Kind UpstreamErrorKind
	Op   string
	Err  error
}

func (e *UpstreamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("upstream %s error in %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("upstream %s error in %s: %v", e.Kind, e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was a deadline expiring.
func (e *UpstreamError) Timeout() bool {
	return e.Kind == UpstreamTimeout
}

// NewUpstreamError wraps err as an UpstreamError for op.
func NewUpstreamError(kind UpstreamErrorKind, op string, err error) *UpstreamError {
	return &UpstreamError{Kind: kind, Op: op, Err: err}
}

// AsUpstream returns the UpstreamError in err's chain, if any.
func AsUpstream(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
