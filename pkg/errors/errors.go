/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

// Package errors defines the kind-tagged error type surfaced on the wire as
// {kind, message, context}. Handlers map kinds to HTTP statuses; internal
// errors carry a correlation id so a client report can be matched to server
// logs.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Kind is the closed set of error variants.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindDuplicateRejected Kind = "duplicate_rejected"
	KindInvalidTransition Kind = "invalid_transition"
	KindInvalidInput      Kind = "invalid_input"
	KindPermissionDenied  Kind = "permission_denied"
	KindConflict          Kind = "conflict"
	KindPayloadTooLarge   Kind = "payload_too_large"
	KindManagerUnknown    Kind = "manager_unknown"
	KindTaskNotLeased     Kind = "task_not_leased"
	KindInternal          Kind = "internal_error"
)

// Error is the one error type that crosses the API boundary.
type Error struct {
	Kind    Kind                   `json:"kind"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithContext attaches one context entry and returns the same error for
// chaining.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = map[string]interface{}{}
	}
	e.Context[key] = value
	return e
}

// CorrelationID returns the correlation id of an internal error, if any.
func (e *Error) CorrelationID() string {
	if e.Context == nil {
		return ""
	}
	id, _ := e.Context["correlation_id"].(string)
	return id
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error with a kind while keeping it unwrappable.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, cause: err}
}

func NewNotFound(format string, args ...interface{}) *Error {
	return Newf(KindNotFound, format, args...)
}

func NewInvalidInput(format string, args ...interface{}) *Error {
	return Newf(KindInvalidInput, format, args...)
}

func NewInvalidTransition(format string, args ...interface{}) *Error {
	return Newf(KindInvalidTransition, format, args...)
}

func NewDuplicateRejected(format string, args ...interface{}) *Error {
	return Newf(KindDuplicateRejected, format, args...)
}

func NewPermissionDenied(format string, args ...interface{}) *Error {
	return Newf(KindPermissionDenied, format, args...)
}

func NewConflict(format string, args ...interface{}) *Error {
	return Newf(KindConflict, format, args...)
}

func NewPayloadTooLarge(limit int64) *Error {
	return Newf(KindPayloadTooLarge, "request body exceeds the %d byte limit", limit).
		WithContext("limit_bytes", limit)
}

func NewManagerUnknown(name string) *Error {
	return Newf(KindManagerUnknown, "manager %q is not registered", name).
		WithContext("manager_name", name)
}

func NewTaskNotLeased(taskID int64, manager string) *Error {
	return Newf(KindTaskNotLeased, "task %d is not leased by manager %q", taskID, manager).
		WithContext("task_id", taskID).
		WithContext("manager_name", manager)
}

// NewInternal wraps an unexpected failure and stamps a fresh correlation id.
func NewInternal(err error) *Error {
	e := Wrap(KindInternal, err, "internal server error")
	return e.WithContext("correlation_id", uuid.NewString())
}

// KindOf extracts the kind, defaulting to internal_error for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// AsError returns err as *Error, converting foreign errors to internal ones
// so that every response has the wire shape.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewInternal(err)
}

// HTTPStatus maps a kind to its response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidInput, KindManagerUnknown, KindTaskNotLeased:
		return http.StatusBadRequest
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindDuplicateRejected, KindInvalidTransition, KindConflict:
		return http.StatusConflict
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}
