package model

import (
	"fmt"
	"time"
)

// ErrorKind classifies why a source produced no records.
type ErrorKind string

const (
	ErrTimeout       ErrorKind = "timeout"
	ErrNetwork       ErrorKind = "network"
	ErrHTTPStatus    ErrorKind = "http_status"
	ErrMalformed     ErrorKind = "malformed_payload"
	ErrNoEndpoint    ErrorKind = "no_endpoint"
	ErrUnknownRegion ErrorKind = "unknown_region"
	ErrCanceled      ErrorKind = "canceled"
)

// FetchError is a failure carried as data through the fetch/normalize/aggregate path.
type FetchError struct {
	Kind       ErrorKind
	Status     int
	Msg        string
	RetryAfter time.Duration // upstream Retry-After hint, 0 when absent
}

func (e *FetchError) Error() string {
	switch {
	case e.Kind == ErrHTTPStatus && e.Msg != "":
		return fmt.Sprintf("http %d: %s", e.Status, e.Msg)
	case e.Kind == ErrHTTPStatus:
		return fmt.Sprintf("http %d", e.Status)
	case e.Msg != "":
		return string(e.Kind) + ": " + e.Msg
	}
	return string(e.Kind)
}

// Retryable reports whether another attempt could plausibly succeed.
func (e *FetchError) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case ErrTimeout, ErrNetwork:
		return true
	case ErrHTTPStatus:
		return e.Status == 429 || e.Status >= 500
	}
	return false
}

// SourceUnavailable reports the transport-level failure family.
func (e *FetchError) SourceUnavailable() bool {
	return e != nil && (e.Kind == ErrTimeout || e.Kind == ErrNetwork || e.Kind == ErrHTTPStatus)
}

func Errorf(kind ErrorKind, format string, args ...any) *FetchError {
	return &FetchError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}
