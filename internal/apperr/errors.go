// Package apperr classifies failures from the network and storage
// boundaries so callers can decide between transparent retry, backoff,
// dead-lettering, and user-visible failure.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// Kind is the failure class of an Error.
type Kind string

const (
	// KindNetwork means no connectivity or the request never reached the
	// server. Always retryable.
	KindNetwork Kind = "network"
	// KindTimeout means the operation exceeded its deadline. Retryable.
	KindTimeout Kind = "timeout"
	// KindServer means a 5xx (or 429) response. Retryable with backoff.
	KindServer Kind = "server"
	// KindClient means a definitive 4xx rejection. Never retried.
	KindClient Kind = "client"
	// KindAuth means 401. Handled at the session level, not retried here.
	KindAuth Kind = "auth"
	// KindQuota means local storage is exhausted. Triggers the quota
	// guard cascade rather than surfacing directly.
	KindQuota Kind = "quota"
)

// Error carries a failure class plus the HTTP status when one exists.
type Error struct {
	Kind   Kind
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Network wraps a connectivity-class failure.
func Network(err error) *Error { return &Error{Kind: KindNetwork, Err: err} }

// Timeout wraps a deadline-class failure.
func Timeout(err error) *Error { return &Error{Kind: KindTimeout, Err: err} }

// Quota wraps a storage-exhaustion failure.
func Quota(err error) *Error { return &Error{Kind: KindQuota, Err: err} }

// FromStatus classifies a non-2xx HTTP response.
func FromStatus(status int, err error) *Error {
	switch {
	case status == 401:
		return &Error{Kind: KindAuth, Status: status, Err: err}
	case status == 429 || status >= 500:
		return &Error{Kind: KindServer, Status: status, Err: err}
	default:
		return &Error{Kind: KindClient, Status: status, Err: err}
	}
}

// FromTransport classifies an error returned by the HTTP transport
// (as opposed to a response with a status code).
func FromTransport(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Timeout(err)
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return Network(err)
	}
	return Network(err)
}

// KindOf returns the failure class of err, or KindNetwork for untyped
// errors, which is the conservative (retryable) default at the sync
// boundary.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindNetwork
}

// Retryable reports whether the operation may be attempted again.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindTimeout, KindServer:
		return true
	}
	return false
}

// IsConnectivity reports whether err indicates the network itself is
// unreachable, as opposed to the server rejecting or failing a request.
func IsConnectivity(err error) bool {
	k := KindOf(err)
	return k == KindNetwork || k == KindTimeout
}

// IsQuota reports whether err is a storage-exhaustion failure.
func IsQuota(err error) bool { return KindOf(err) == KindQuota }
