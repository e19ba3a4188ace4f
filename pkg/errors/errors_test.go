/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindExtraction(t *testing.T) {
	err := NewNotFound("record %d missing", 7)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.True(t, IsKind(err, KindNotFound))
	assert.False(t, IsKind(err, KindConflict))

	wrapped := fmt.Errorf("outer: %w", err)
	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindNotFound))

	assert.Equal(t, KindInternal, KindOf(fmt.Errorf("plain")))
}

func TestInternalCorrelationID(t *testing.T) {
	err := NewInternal(fmt.Errorf("boom"))
	assert.NotEmpty(t, err.CorrelationID())
	assert.Equal(t, KindInternal, err.Kind)
	assert.ErrorContains(t, err, "boom")
}

func TestAsErrorConvertsForeign(t *testing.T) {
	e := AsError(fmt.Errorf("db exploded"))
	assert.Equal(t, KindInternal, e.Kind)
	assert.NotEmpty(t, e.CorrelationID())

	orig := NewConflict("busy")
	assert.Same(t, orig, AsError(orig))
}

func TestWithContext(t *testing.T) {
	err := NewTaskNotLeased(42, "mgr1")
	assert.Equal(t, int64(42), err.Context["task_id"])
	assert.Equal(t, "mgr1", err.Context["manager_name"])
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindNotFound, http.StatusNotFound},
		{KindInvalidInput, http.StatusBadRequest},
		{KindManagerUnknown, http.StatusBadRequest},
		{KindTaskNotLeased, http.StatusBadRequest},
		{KindPermissionDenied, http.StatusForbidden},
		{KindConflict, http.StatusConflict},
		{KindInvalidTransition, http.StatusConflict},
		{KindDuplicateRejected, http.StatusConflict},
		{KindPayloadTooLarge, http.StatusRequestEntityTooLarge},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, HTTPStatus(tc.kind), string(tc.kind))
	}
}
