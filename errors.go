package apns

import (
	"errors"
	"strconv"
	"time"
)

// Error kinds surfaced to callers as described in spec §7. Every error
// the engine returns for a failed send wraps exactly one of these, so
// callers can branch with errors.Is regardless of how deeply the engine
// wrapped the underlying cause.
var (
	// ErrTransient marks a failure the caller may retry: a connection
	// failed mid-request, a GOAWAY raced the request, or a stream was
	// reset by the peer. A pool acquire does not fail on back-off: it
	// keeps redialing, paced by the back-off delay, until the send's
	// context ends, which surfaces as ErrTimeout or ErrCancelled.
	ErrTransient = errors.New("apns: transient failure, retry may succeed")

	// ErrTimeout marks a per-notification deadline that elapsed before
	// the server responded.
	ErrTimeout = errors.New("apns: notification timed out")

	// ErrCancelled marks a send cancelled by the caller or by Close.
	ErrCancelled = errors.New("apns: send cancelled")

	// ErrConfiguration marks an invalid client configuration, detected at
	// build time: an invalid key, both TLS and token auth configured, or
	// an invalid server endpoint. Send also fails with this kind, before
	// any dispatch, for a notification that does not pass Validate.
	ErrConfiguration = errors.New("apns: invalid configuration")

	// ErrClosed marks an operation attempted after Close.
	ErrClosed = errors.New("apns: client closed")
)

// RejectionError is returned when APNs accepted the HTTP request but
// rejected the notification with a non-200 status and a parseable JSON
// body. It is the Go expression of the spec's Rejected response kind.
type RejectionError struct {
	// StatusCode is the HTTP status APNs returned.
	StatusCode int
	// Reason is the verbatim string from the response body's "reason"
	// field (e.g. "BadDeviceToken", "Unregistered").
	Reason string
	// ApnsID is the apns-id header value for the rejected request.
	ApnsID string
	// TokenInvalidationTimestamp is set only when Reason is
	// "Unregistered"; it is the instant after which the device token is
	// known stale.
	TokenInvalidationTimestamp *int64 // Unix milliseconds, as sent on the wire
}

func (e *RejectionError) Error() string {
	return "apns: rejected (" + e.Reason + "), status " + strconv.Itoa(e.StatusCode)
}

// TimeStamp returns TokenInvalidationTimestamp as a time.Time, or nil if
// APNs did not provide one.
func (e *RejectionError) TimeStamp() *time.Time {
	if e.TokenInvalidationTimestamp == nil {
		return nil
	}
	t := time.UnixMilli(*e.TokenInvalidationTimestamp)
	return &t
}

// Is makes errors.Is(err, ErrRejected) work for any *RejectionError.
func (e *RejectionError) Is(target error) bool {
	return target == ErrRejected
}

// ErrRejected is the sentinel errors.Is target for any *RejectionError.
var ErrRejected = errors.New("apns: notification rejected by server")
