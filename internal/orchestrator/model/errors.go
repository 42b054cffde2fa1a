package model

import (
	"errors"
	"fmt"
)

// Code is a stable, errors.Is/As-friendly identifier for the error taxonomy
// in spec section 7, modeled on the teacher's apierr.Error{Status, Code, Err}
// wrapper: a small struct carrying a classification plus the underlying
// error, rather than ad hoc string matching.
type Code string

const (
	CodeProjectNotFound      Code = "project_not_found"
	CodeInstanceNotFound     Code = "instance_not_found"
	CodeInvalidPreviewTarget Code = "invalid_preview_target"
	CodeInvalidOptions       Code = "invalid_options"
	CodeInvalidInstanceKind  Code = "invalid_instance_kind"
	CodePlannerDidNotConverge Code = "planner_did_not_converge"
	CodeAbort                Code = "abort"
	CodeDependencyFailed      Code = "dependency_failed"
	CodeRunnerError           Code = "runner_error"
	CodeInstanceLockLost      Code = "instance_lock_lost"
)

// Error is the taxonomy-carrying error type used throughout the
// orchestrator. Err, when set, is the wrapped cause (Unwrap-compatible).
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Err.Error())
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

func ErrProjectNotFound(projectID string) *Error {
	return newErr(CodeProjectNotFound, fmt.Sprintf("project %q not found", projectID))
}

func ErrInstanceNotFound(id InstanceID) *Error {
	return newErr(CodeInstanceNotFound, fmt.Sprintf("instance %q not found", id))
}

func ErrInvalidPreviewTarget(msg string) *Error {
	return newErr(CodeInvalidPreviewTarget, msg)
}

func ErrInvalidOptions(msg string) *Error {
	return newErr(CodeInvalidOptions, msg)
}

func ErrInvalidInstanceKind(id InstanceID, got Kind) *Error {
	return newErr(CodeInvalidInstanceKind, fmt.Sprintf("instance %q has kind %q", id, got))
}

func ErrPlannerDidNotConverge(iterations int) *Error {
	return newErr(CodePlannerDidNotConverge, fmt.Sprintf("fixed point not reached after %d iterations", iterations))
}

// ErrAbort wraps a cancellation. Forced indicates a second-signal cancel.
func ErrAbort(forced bool) *Error {
	if forced {
		return newErr(CodeAbort, "forced cancellation")
	}
	return newErr(CodeAbort, "graceful cancellation")
}

func ErrDependencyFailed(dep InstanceID, cause error) *Error {
	return &Error{Code: CodeDependencyFailed, Msg: fmt.Sprintf("dependency %q failed", dep), Err: cause}
}

func ErrRunnerError(unit InstanceID, msg string) *Error {
	return newErr(CodeRunnerError, fmt.Sprintf("runner reported error for %q: %s", unit, msg))
}

func ErrInstanceLockLost(id StateID) *Error {
	return newErr(CodeInstanceLockLost, fmt.Sprintf("lock lost for state %q", id))
}

// IsAbort reports whether err is (or wraps) an abort-classified error —
// callers use this to decide operation.status: "cancelled" vs "failed".
func IsAbort(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == CodeAbort
	}
	return false
}
