// Package syncerr defines the closed error taxonomy surfaced by the remote
// call layer and propagated to every caller of the sync engine.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failed remote operation.
type Kind string

const (
	// KindUnauthenticated means the caller must re-authenticate.
	KindUnauthenticated Kind = "unauthenticated"
	// KindPermissionDenied means the credential lacks access to the resource.
	KindPermissionDenied Kind = "permission_denied"
	// KindRateLimited means the remote store asked us to slow down.
	KindRateLimited Kind = "rate_limited"
	// KindNotFound means the addressed object does not exist.
	KindNotFound Kind = "not_found"
	// KindServerError means the remote store failed internally.
	KindServerError Kind = "server_error"
	// KindInvalidRequest means the request itself was rejected.
	KindInvalidRequest Kind = "invalid_request"
	// KindTimeout means the request did not complete within its deadline.
	KindTimeout Kind = "timeout"
	// KindNetwork means the request never reached the remote store.
	KindNetwork Kind = "network_error"
)

// Retryable reports whether an operation failing with this kind may succeed
// when repeated unchanged.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindServerError, KindTimeout, KindNetwork:
		return true
	case KindUnauthenticated, KindPermissionDenied, KindNotFound, KindInvalidRequest:
		return false
	default:
		return false
	}
}

// Sentinels for errors.Is matching by kind.
var (
	ErrUnauthenticated  = &Error{Kind: KindUnauthenticated}
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrRateLimited      = &Error{Kind: KindRateLimited}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrServerError      = &Error{Kind: KindServerError}
	ErrInvalidRequest   = &Error{Kind: KindInvalidRequest}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrNetwork          = &Error{Kind: KindNetwork}
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Status  int
	Op      string
	Message string
	Err     error
}

// New returns a classified error for op.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies cause under kind.
func Wrap(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}

	prefix := string(e.Kind)
	if e.Op != "" {
		prefix = e.Op + ": " + prefix
	}

	if e.Status != 0 {
		prefix = fmt.Sprintf("%s (status %d)", prefix, e.Status)
	}

	if msg == "" {
		return prefix
	}

	return prefix + ": " + msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}

	return other.Kind == e.Kind
}

// Retryable reports whether the error is transient.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind, true
	}

	return "", false
}

// IsRetryable reports whether err carries a retryable classification.
func IsRetryable(err error) bool {
	kind, ok := KindOf(err)

	return ok && kind.Retryable()
}

// IsOffline reports whether err means the remote store could not be reached.
func IsOffline(err error) bool {
	kind, ok := KindOf(err)

	return ok && (kind == KindNetwork || kind == KindTimeout)
}
