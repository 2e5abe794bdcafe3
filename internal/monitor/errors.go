package monitor

import (
	"errors"
	"fmt"
)

// Sentinel errors for the monitoring pipeline. Typed errors below unwrap to these
// so callers can match with errors.Is.
var (
	ErrSearchUnavailable         = errors.New("search unavailable")
	ErrClassificationUnavailable = errors.New("classification unavailable")
	ErrFetch                     = errors.New("fetch failed")
	ErrParse                     = errors.New("no availability signal")
	ErrDelivery                  = errors.New("notification delivery failed")
	ErrStore                     = errors.New("store failure")
	ErrTaskNotFound              = errors.New("task not found")
	ErrInvalidTask               = errors.New("invalid task")
	ErrNotConfigured             = errors.New("not configured")
)

// SearchUnavailableError reports a search failure for a single site.
type SearchUnavailableError struct {
	Site string
	Err  error
}

func (e *SearchUnavailableError) Error() string {
	return fmt.Sprintf("search unavailable for %s: %v", e.Site, e.Err)
}

// Unwrap exposes the cause.
func (e *SearchUnavailableError) Unwrap() []error {
	return []error{ErrSearchUnavailable, e.Err}
}

// FetchError reports a network, timeout, or HTTP status failure for a URL.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

// Unwrap exposes the cause.
func (e *FetchError) Unwrap() []error {
	return []error{ErrFetch, e.Err}
}

// ParseError reports a page that loaded but carried no availability signal.
type ParseError struct {
	URL    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s", e.URL, e.Reason)
}

// Unwrap exposes the sentinel.
func (e *ParseError) Unwrap() error {
	return ErrParse
}

// DeliveryError reports a mail relay rejection or timeout.
type DeliveryError struct {
	To       string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s after %d attempt(s): %v", e.To, e.Attempts, e.Err)
}

// Unwrap exposes the cause.
func (e *DeliveryError) Unwrap() []error {
	return []error{ErrDelivery, e.Err}
}

// StoreError wraps a persistence failure with the operation that failed.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTaskNotFound) {
		return err
	}
	return fmt.Errorf("%s: %w", op, errors.Join(ErrStore, err))
}
