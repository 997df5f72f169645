// Package fault defines the error taxonomy shared by the queue, the download
// engine, and the platform handlers. Every failed job carries exactly one
// Kind; the worker derives its retry decision from it.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind labels a failure class.
type Kind string

const (
	NetworkTransient Kind = "network-transient"
	NetworkPermanent Kind = "network-permanent"
	AuthRequired     Kind = "auth-required"
	DigestMismatch   Kind = "digest-mismatch"
	ExtractorFailure Kind = "extractor-failure"
	UnsupportedURL   Kind = "unsupported-url-kind"
	QueueUnavailable Kind = "queue-unavailable"
	IOFailure        Kind = "io-failure"
)

// Retryable reports whether a failure of this kind may re-enter the queue.
// Extractor failures are retryable too, but the worker caps them at a single
// retry regardless of the job's max_retries.
func (k Kind) Retryable() bool {
	switch k {
	case NetworkTransient, ExtractorFailure:
		return true
	default:
		return false
	}
}

// Error pairs a Kind with an underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error from a message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a Kind to an existing error. A nil err returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the Kind from err, walking the wrap chain. Unclassified
// errors report as network-transient so unknown failures stay retryable.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return NetworkTransient
}

// FromStatus classifies a non-2xx HTTP status.
func FromStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return AuthRequired
	case status == http.StatusTooManyRequests:
		return NetworkTransient
	case status >= 500:
		return NetworkTransient
	case status >= 400:
		return NetworkPermanent
	default:
		return NetworkTransient
	}
}

// FromErr classifies a transport-level error by inspecting its message, the
// same signals the engine's user-facing messages key off.
func FromErr(err error) Kind {
	if err == nil {
		return NetworkTransient
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NetworkTransient
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "no such host"):
		return NetworkPermanent
	case strings.Contains(msg, "certificate"):
		return NetworkPermanent
	case strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "no space left"),
		strings.Contains(msg, "read-only file system"),
		strings.Contains(msg, "disk full"):
		return IOFailure
	default:
		return NetworkTransient
	}
}

// Describe converts a status code to a short operator-facing message, in the
// spirit of the engine's friendly errors.
func Describe(status int) string {
	switch status {
	case 404:
		return "file not found on server (404)"
	case 403:
		return "access denied by server (403)"
	case 401:
		return "authentication required (401)"
	case 429:
		return "too many requests, backing off (429)"
	case 500, 502, 503:
		return fmt.Sprintf("server error (%d)", status)
	default:
		return fmt.Sprintf("server returned status %d", status)
	}
}
