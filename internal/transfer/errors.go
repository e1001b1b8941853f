package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrAuthRequired is matched by every AuthenticationError so callers can test with errors.Is.
var ErrAuthRequired = errors.New("marketplace session required")

// Reasons carried by an AuthenticationError.
const (
	AuthMissing  = "missing"
	AuthExpired  = "expired"
	AuthInvalid  = "invalid"
	AuthRejected = "rejected"
)

// AuthenticationError represents a missing, expired or rejected marketplace session.
// It is never retried: the user has to import a fresh session.
type AuthenticationError struct {
	Operation string // The operation that required authentication
	Reason    string // One of AuthMissing, AuthExpired, AuthInvalid, AuthRejected
	Err       error  // Underlying error, if any
}

func (e *AuthenticationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("authentication failed during %s: session %s", e.Operation, e.Reason)
	}

	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

func (e *AuthenticationError) Is(target error) bool {
	return target == ErrAuthRequired
}

// NotEntitledError is returned when the account has not purchased the item or the
// download page is no longer available to it.
type NotEntitledError struct {
	ItemID     string
	StatusCode int
}

func (e *NotEntitledError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("item %s is not available to this account (HTTP %d)", e.ItemID, e.StatusCode)
	}

	return fmt.Sprintf("item %s is not available to this account", e.ItemID)
}

// ParseError represents a marketplace page whose structure could not be understood.
type ParseError struct {
	Page   string // Page kind, e.g. "orders" or "downloads"
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s page: %s", e.Page, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NetworkError represents network failures and HTTP errors including 5xx responses,
// connection timeouts, and rate limiting.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "list_purchases", "fetch")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	APIMessage string // Error message from the server or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Transient reports whether the same request may succeed later.
func (e *NetworkError) Transient() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return e.StatusCode >= http.StatusInternalServerError
	}
}

// IntegrityError is returned when the bytes on disk do not hash to the recorded checksum.
// The partial file is kept for inspection.
type IntegrityError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// DiskError represents local filesystem failures such as a full disk or missing permissions.
type DiskError struct {
	Op   string // The filesystem operation, e.g. "write" or "rename"
	Path string
	Err  error
}

func (e *DiskError) Error() string {
	return fmt.Sprintf("disk error during %s of %s: %v", e.Op, e.Path, e.Err)
}

func (e *DiskError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth another attempt. Only network level failures are;
// authentication, entitlement, parse, integrity and disk errors are final for the attempt loop.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.Transient()
	}

	var (
		authErr      *AuthenticationError
		entitleErr   *NotEntitledError
		parseErr     *ParseError
		integrityErr *IntegrityError
		diskErr      *DiskError
	)

	if errors.As(err, &authErr) || errors.As(err, &entitleErr) || errors.As(err, &parseErr) ||
		errors.As(err, &integrityErr) || errors.As(err, &diskErr) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var opErr net.Error

	return errors.As(err, &opErr)
}
