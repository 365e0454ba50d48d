package registry

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for mapping to an HTTP status at the request-surface edge.
type Kind string

const (
	KindBadRequest     Kind = "bad_request"
	KindUnauthorized   Kind = "unauthorized"
	KindForbidden      Kind = "forbidden"
	KindNotFound       Kind = "not_found"
	KindVersionExists  Kind = "version_exists"
	KindPayloadTooLarge Kind = "payload_too_large"
	KindConflict       Kind = "conflict"
	KindStorageIO      Kind = "storage_io"
	KindIndexIO        Kind = "index_io"
	KindAuthIO         Kind = "auth_io"
	KindShuttingDown   Kind = "shutting_down"
)

// Error is the single typed error every backend and the orchestrator return, carrying
// enough information for the request-surface edge to make one status-code decision
// in one place instead of scattering http.Error calls through handler code.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError constructs an Error of the given kind.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, defaulting to
// KindIndexIO for opaque errors — the conservative "something failed server-side"
// bucket rather than silently reporting 200.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindIndexIO
}

func BadRequest(msg string, cause error) *Error      { return NewError(KindBadRequest, msg, cause) }
func Unauthorized(msg string, cause error) *Error    { return NewError(KindUnauthorized, msg, cause) }
func Forbidden(msg string, cause error) *Error       { return NewError(KindForbidden, msg, cause) }
func NotFound(msg string, cause error) *Error        { return NewError(KindNotFound, msg, cause) }
func VersionExists(msg string, cause error) *Error   { return NewError(KindVersionExists, msg, cause) }
func PayloadTooLarge(msg string, cause error) *Error { return NewError(KindPayloadTooLarge, msg, cause) }
func Conflict(msg string, cause error) *Error        { return NewError(KindConflict, msg, cause) }
func StorageIO(msg string, cause error) *Error       { return NewError(KindStorageIO, msg, cause) }
func IndexIO(msg string, cause error) *Error         { return NewError(KindIndexIO, msg, cause) }
func AuthIO(msg string, cause error) *Error          { return NewError(KindAuthIO, msg, cause) }
func ShuttingDown(msg string) *Error                 { return NewError(KindShuttingDown, msg, nil) }
