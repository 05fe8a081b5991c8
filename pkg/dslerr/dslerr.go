// Package dslerr implements the tagged error taxonomy used across the
// cluster, service manager, scheduler and load balancer instead of bare
// fmt.Errorf. Callers switch on Code (or use errors.Is against the sentinel
// values) rather than parsing messages.
package dslerr

import (
	"errors"
	"fmt"
)

// Code is a stable, comparable error category.
type Code string

const (
	// Input
	CodeInvalidSpec      Code = "invalid_spec"
	CodeInvalidParameter Code = "invalid_parameter"
	CodeNotFound         Code = "not_found"
	CodeAlreadyExists    Code = "already_exists"
	CodeConflict         Code = "conflict"

	// Capacity
	CodeInsufficientResources Code = "insufficient_resources"
	CodeCapacityExceeded      Code = "capacity_exceeded"
	CodeQuotaExceeded         Code = "quota_exceeded"

	// Liveness
	CodeTimeout     Code = "timeout"
	CodeCancelled   Code = "cancelled"
	CodeNotLeader   Code = "not_leader"
	CodeQuorumLost  Code = "quorum_lost"

	// Integrity
	CodeCorrupt           Code = "corrupt"
	CodeProtocolMismatch  Code = "protocol_mismatch"

	// Internal
	CodeInternal Code = "internal"
)

// Error is a tagged, optionally-wrapped domain error.
type Error struct {
	Code    Code
	Message string
	Field   string // used by Corrupt(field) and Conflict(state)
	Cause   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, dslerr.NotFound("")) to match on Code alone,
// ignoring Message/Field/Cause — the common case of checking a category.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

func newErr(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func InvalidSpec(format string, args ...interface{}) *Error {
	return newErr(CodeInvalidSpec, format, args...)
}

func InvalidParameter(format string, args ...interface{}) *Error {
	return newErr(CodeInvalidParameter, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return newErr(CodeNotFound, format, args...)
}

func AlreadyExists(format string, args ...interface{}) *Error {
	return newErr(CodeAlreadyExists, format, args...)
}

// Conflict reports a state conflict; the conflicting state is recorded in
// Field so callers can render it without parsing the message.
func Conflict(state string, format string, args ...interface{}) *Error {
	e := newErr(CodeConflict, format, args...)
	e.Field = state
	return e
}

func InsufficientResources(format string, args ...interface{}) *Error {
	return newErr(CodeInsufficientResources, format, args...)
}

func CapacityExceeded(format string, args ...interface{}) *Error {
	return newErr(CodeCapacityExceeded, format, args...)
}

func QuotaExceeded(format string, args ...interface{}) *Error {
	return newErr(CodeQuotaExceeded, format, args...)
}

func Timeout(format string, args ...interface{}) *Error {
	return newErr(CodeTimeout, format, args...)
}

func Cancelled(format string, args ...interface{}) *Error {
	return newErr(CodeCancelled, format, args...)
}

// NotLeader reports the current leader hint (may be empty if unknown).
func NotLeader(hint string) *Error {
	e := newErr(CodeNotLeader, "not the leader")
	e.Field = hint
	return e
}

func QuorumLost(format string, args ...interface{}) *Error {
	return newErr(CodeQuorumLost, format, args...)
}

// Corrupt reports an integrity failure in the named field.
func Corrupt(field string, format string, args ...interface{}) *Error {
	e := newErr(CodeCorrupt, format, args...)
	e.Field = field
	return e
}

func ProtocolMismatch(format string, args ...interface{}) *Error {
	return newErr(CodeProtocolMismatch, format, args...)
}

// Internal wraps a bug-class error with its triggering cause for logging.
func Internal(cause error, format string, args ...interface{}) *Error {
	e := newErr(CodeInternal, format, args...)
	e.Cause = cause
	return e
}

// Is reports whether err carries the given Code, unwrapping through
// wrapped causes like errors.Is.
func Is(err error, code Code) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}

// GetCode extracts the Code from err, or CodeInternal if err is untagged.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
