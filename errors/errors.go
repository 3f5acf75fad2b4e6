// Package errors provides the structured error taxonomy used by the changeset
// engine. Every failure surfaced to callers carries a Code so that callers can
// tell a corrupt file from a rejected changeset without string matching.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	// CodeIO means the changeset source could not be opened or read.
	CodeIO ErrorCode = "IO_ERROR"
	// CodeFormat means the changeset is corrupt or uses an unsupported encoding.
	CodeFormat ErrorCode = "FORMAT_ERROR"
	// CodeConflictAbort means a conflict resolved to Abort and the session was rolled back.
	CodeConflictAbort ErrorCode = "CONFLICT_ABORT"
	// CodeHandler means a conflict handler failed while computing a resolution.
	CodeHandler ErrorCode = "HANDLER_ERROR"
	// CodeStorage means the target database rejected an operation.
	CodeStorage ErrorCode = "STORAGE_FAILURE"
	// CodeValidation means the caller supplied invalid input or configuration.
	CodeValidation ErrorCode = "VALIDATION_FAILURE"
)

// Operation represents the engine operation during which an error occurred
type Operation string

const (
	OpOpen     Operation = "open"
	OpRead     Operation = "read"
	OpWrite    Operation = "write"
	OpApply    Operation = "apply"
	OpClassify Operation = "classify"
	OpResolve  Operation = "resolve"
	OpCommit   Operation = "commit"
	OpSchema   Operation = "schema"
	OpConfig   Operation = "config"
)

// Sentinels usable with errors.Is. They match any *Error carrying the same code.
var (
	ErrIO            = &Error{Code: CodeIO}
	ErrFormat        = &Error{Code: CodeFormat}
	ErrConflictAbort = &Error{Code: CodeConflictAbort}
	ErrHandler       = &Error{Code: CodeHandler}
	ErrStorage       = &Error{Code: CodeStorage}
	ErrValidation    = &Error{Code: CodeValidation}
)

// Error is the structured error returned by every engine component.
type Error struct {
	// Error code for the error type
	Code ErrorCode

	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "changeset", "briefcase")
	Component string

	// Table, Opcode, Cause and Key identify the offending row when known.
	Table  string
	Opcode string
	Cause  string
	Key    string

	// Underlying error
	Err error

	// Whether the operation can be retried without operator intervention
	Retryable bool

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Component != "" {
		fmt.Fprintf(&b, "%s operation failed in %s component", e.Op, e.Component)
	} else {
		fmt.Fprintf(&b, "%s operation failed", e.Op)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}

	var row []string
	if e.Table != "" {
		row = append(row, "table="+e.Table)
	}
	if e.Opcode != "" {
		row = append(row, "opcode="+e.Opcode)
	}
	if e.Cause != "" {
		row = append(row, "cause="+e.Cause)
	}
	if e.Key != "" {
		row = append(row, "key="+e.Key)
	}
	if len(row) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(row, " "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code. A target with an
// empty code never matches, so a zero Error cannot swallow everything.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Code == "" {
		return false
	}
	return e.Code == t.Code
}

// WithRow attaches row identification to the error and returns it.
func (e *Error) WithRow(table, opcode, cause, key string) *Error {
	e.Table = table
	e.Opcode = opcode
	e.Cause = cause
	e.Key = key
	return e
}

// NewIOError creates an error for a changeset source that could not be read.
func NewIOError(op Operation, cause error) *Error {
	return &Error{
		Code:      CodeIO,
		Op:        op,
		Component: "changeset",
		Err:       cause,
		Retryable: true,
	}
}

// NewFormatError creates an error for a corrupt or unsupported changeset.
func NewFormatError(op Operation, cause error) *Error {
	return &Error{
		Code:      CodeFormat,
		Op:        op,
		Component: "changeset",
		Err:       cause,
	}
}

// NewConflictAbort creates the error surfaced when a conflict resolved to Abort.
func NewConflictAbort(table, opcode, cause string, err error) *Error {
	return &Error{
		Code:      CodeConflictAbort,
		Op:        OpApply,
		Component: "apply",
		Table:     table,
		Opcode:    opcode,
		Cause:     cause,
		Err:       err,
	}
}

// NewHandlerError creates the error surfaced when a conflict handler failed.
func NewHandlerError(table, key string, err error) *Error {
	return &Error{
		Code:      CodeHandler,
		Op:        OpResolve,
		Component: "resolve",
		Table:     table,
		Key:       key,
		Err:       err,
	}
}

// NewStorageError creates a new storage-related Error
func NewStorageError(op Operation, cause error) *Error {
	return &Error{
		Code:      CodeStorage,
		Op:        op,
		Component: "briefcase",
		Err:       cause,
		Retryable: true,
	}
}

// NewValidationError creates a new validation-related Error
func NewValidationError(op Operation, cause error) *Error {
	return &Error{
		Code: CodeValidation,
		Op:   op,
		Err:  cause,
	}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable checks if an error is a retryable Error
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
