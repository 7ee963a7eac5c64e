package riskerr

import (
	"errors"
	"fmt"
)

// Kind classifies the failures callers are expected to branch on.
// Anything outside this set (store outages, codec failures) is passed
// through wrapped and should be treated as fatal by the caller.
type Kind string

const (
	KindAuthRequired Kind = "AUTH_REQUIRED"
	KindInvalidState Kind = "INVALID_STATE"
	KindNotFound     Kind = "NOT_FOUND"
	KindAccessDenied Kind = "ACCESS_DENIED"
)

// Error carries the failure kind plus enough context to log and to
// render an operator-facing message.
type Error struct {
	Kind     Kind
	Op       string // e.g. "killswitch.Deactivate"
	TenantID string
	Message  string
	Err      error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" && e.TenantID != "" {
		return fmt.Sprintf("[%s] %s: tenant %s: %s", e.Kind, e.Op, e.TenantID, msg)
	}
	if e.Op != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Op, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// Unwrap returns the underlying error for error unwrapping
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches two Errors by kind so that errors.Is(err, riskerr.ErrNotFound)
// works regardless of the message and tenant baked into err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is matching. Never returned directly; the
// constructors below build errors that compare equal to these by kind.
var (
	ErrAuthRequired = &Error{Kind: KindAuthRequired, Message: "authentication required"}
	ErrInvalidState = &Error{Kind: KindInvalidState, Message: "invalid state"}
	ErrNotFound     = &Error{Kind: KindNotFound, Message: "not found"}
	ErrAccessDenied = &Error{Kind: KindAccessDenied, Message: "access denied"}
)

// AuthRequired reports a mutation attempted without the credential it needs.
func AuthRequired(op, tenantID, message string) *Error {
	return &Error{Kind: KindAuthRequired, Op: op, TenantID: tenantID, Message: message}
}

// InvalidState reports an operation that is not legal from the entity's
// current state, e.g. deactivating a kill switch that is not active.
func InvalidState(op, tenantID, message string) *Error {
	return &Error{Kind: KindInvalidState, Op: op, TenantID: tenantID, Message: message}
}

// NotFound reports a lookup for an entity that does not exist.
func NotFound(op, tenantID, message string) *Error {
	return &Error{Kind: KindNotFound, Op: op, TenantID: tenantID, Message: message}
}

// AccessDenied reports a request that names state owned by another tenant.
func AccessDenied(op, tenantID, message string) *Error {
	return &Error{Kind: KindAccessDenied, Op: op, TenantID: tenantID, Message: message}
}

// Wrap attaches kind and operation context to an underlying error.
func Wrap(err error, kind Kind, op, tenantID string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, TenantID: tenantID, Err: err}
}

// KindOf returns the kind of err if it is (or wraps) a riskerr.Error,
// and "" otherwise.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// IsAuthRequired reports whether err is an authentication failure.
func IsAuthRequired(err error) bool { return errors.Is(err, ErrAuthRequired) }

// IsInvalidState reports whether err is an illegal-transition failure.
func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }

// IsNotFound reports whether err is a missing-entity failure.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsAccessDenied reports whether err is a tenant-isolation failure.
func IsAccessDenied(err error) bool { return errors.Is(err, ErrAccessDenied) }
