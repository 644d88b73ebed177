package transport

import (
	"errors"
	"fmt"
)

// ErrorKind partitions transport failures into the classes the dispatch
// engine acts on. Anything the adapter cannot classify is KindOther and is
// treated as transient by callers.
type ErrorKind string

const (
	// KindTimeout covers network timeouts and cancelled calls.
	KindTimeout ErrorKind = "timeout"
	// KindNotFound means the source message no longer exists upstream.
	KindNotFound ErrorKind = "not_found"
	// KindForbidden means the bot lacks permission in the destination right now.
	KindForbidden ErrorKind = "forbidden"
	// KindUnreachable means the destination is permanently gone for us:
	// chat deleted, bot kicked, or bot blocked.
	KindUnreachable ErrorKind = "unreachable"
	// KindRateLimited is a flood-wait style rejection.
	KindRateLimited ErrorKind = "rate_limited"
	KindOther       ErrorKind = "other"
)

// Error is a classified transport failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a classification.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the classification from err, defaulting to KindOther.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindOther
}

// Transient reports whether the failure is worth retrying in place.
func Transient(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindRateLimited, KindOther:
		return true
	default:
		return false
	}
}
