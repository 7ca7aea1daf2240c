// Package errors provides custom error types for the peersync packages
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	ErrCodeNetworkFailure    ErrorCode = "NETWORK_FAILURE"
	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeCodecFailure      ErrorCode = "CODEC_FAILURE"
	ErrCodeSyncFailure       ErrorCode = "SYNC_FAILURE"
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
)

// Operation represents the operation during which an error occurred
type Operation string

const (
	OpConnect Operation = "connect"
	OpAccept  Operation = "accept"
	OpSend    Operation = "send"
	OpReceive Operation = "receive"
	OpEncode  Operation = "encode"
	OpDecode  Operation = "decode"
	OpSelect  Operation = "select"
	OpGet     Operation = "get"
	OpLoad    Operation = "load"
	OpStore   Operation = "store"
	OpClose   Operation = "close"
)

// Kind classifies an error independently of the operation that produced it.
type Kind string

const (
	KindUnknown     Kind = ""
	KindInvalid     Kind = "invalid"
	KindNotFound    Kind = "not_found"
	KindClosed      Kind = "closed"
	KindUnavailable Kind = "unavailable"
	KindInternal    Kind = "internal"
)

// Component names the subsystem an error originated in.
type Component string

// SyncError represents an error that occurred while routing or syncing documents
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "session", "transport/websocket")
	Component string

	// Kind classifies the failure
	Kind Kind

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new storage-related SyncError
func NewStorageError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Op:        op,
		Component: "store",
		Kind:      KindUnavailable,
		Err:       cause,
		Retryable: true,
	}
}

// NewCodecError creates a new encode/decode SyncError
func NewCodecError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeCodecFailure,
		Op:        op,
		Component: "codec",
		Kind:      KindInvalid,
		Err:       cause,
		Retryable: false,
	}
}

// NewSyncFailure creates a SyncError for a rejected sync message
func NewSyncFailure(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeSyncFailure,
		Op:        op,
		Component: "docset",
		Kind:      KindInternal,
		Err:       cause,
		Retryable: false,
	}
}

// NewValidationError creates a new validation-related SyncError
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeValidationFailure,
		Op:        op,
		Kind:      KindInvalid,
		Err:       cause,
		Retryable: false,
	}
}

// NewNetworkError creates a new network-related SyncError
func NewNetworkError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeNetworkFailure,
		Op:        op,
		Component: "transport",
		Kind:      KindUnavailable,
		Err:       cause,
		Retryable: true,
	}
}

// New creates a new SyncError
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// Op converts an operation name into an Operation argument for E.
func Op(name string) Operation { return Operation(name) }

// E builds a SyncError from its arguments. Recognised argument types are
// Operation, Component, Kind, ErrorCode, error and string; strings become
// context prefixed to the underlying error. A nil error argument is ignored.
func E(args ...interface{}) error {
	e := &SyncError{}
	var notes []string
	for _, arg := range args {
		switch a := arg.(type) {
		case Operation:
			e.Op = a
		case Component:
			e.Component = string(a)
		case Kind:
			e.Kind = a
		case ErrorCode:
			e.Code = a
		case string:
			notes = append(notes, a)
		case error:
			if a != nil {
				e.Err = a
			}
		}
	}
	if len(notes) > 0 {
		note := strings.Join(notes, ": ")
		if e.Err != nil {
			e.Err = fmt.Errorf("%s: %w", note, e.Err)
		} else {
			e.Err = errors.New(note)
		}
	}
	if e.Err == nil {
		e.Err = errors.New("unknown error")
	}
	if e.Kind == KindUnavailable {
		e.Retryable = true
	}
	return e
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// IsKind reports whether err is a SyncError of the given kind.
func IsKind(err error, kind Kind) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind == kind
	}
	return false
}
