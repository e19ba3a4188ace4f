/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allStatuses() []RecordStatus {
	return []RecordStatus{
		StatusWaiting, StatusRunning, StatusComplete, StatusError,
		StatusCancelled, StatusInvalid, StatusDeleted,
	}
}

// The transition table is closed: exactly the documented edges are legal.
func TestTransitionClosure(t *testing.T) {
	type edge struct{ from, to RecordStatus }
	legal := map[edge]bool{
		{StatusWaiting, StatusRunning}:   true,
		{StatusWaiting, StatusCancelled}: true,
		{StatusRunning, StatusWaiting}:   true,
		{StatusRunning, StatusComplete}:  true,
		{StatusRunning, StatusError}:     true,
		{StatusRunning, StatusCancelled}: true,
		{StatusComplete, StatusInvalid}:  true,
		{StatusError, StatusWaiting}:     true,
		{StatusCancelled, StatusWaiting}: true,
		{StatusInvalid, StatusComplete}:  true,
	}
	for _, from := range allStatuses() {
		if from != StatusDeleted {
			legal[edge{from, StatusDeleted}] = true // soft delete
		}
	}

	for _, from := range allStatuses() {
		for _, to := range allStatuses() {
			if from == to {
				continue
			}
			assert.Equal(t, legal[edge{from, to}], CanTransition(from, to),
				"%s -> %s", from, to)
		}
	}
}

func TestTransitionSources(t *testing.T) {
	sources := TransitionSources(StatusWaiting)
	assert.ElementsMatch(t, []RecordStatus{StatusRunning, StatusError, StatusCancelled}, sources)
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, StatusWaiting.HasQueueRow())
	assert.True(t, StatusRunning.HasQueueRow())
	assert.False(t, StatusComplete.HasQueueRow())

	assert.True(t, StatusComplete.Settled())
	assert.True(t, StatusError.Settled())
	assert.True(t, StatusCancelled.Settled())
	assert.False(t, StatusWaiting.Settled())
	assert.False(t, StatusRunning.Settled())

	assert.False(t, RecordStatus("finished").Valid())
}

func TestPriorityJSON(t *testing.T) {
	data, err := json.Marshal(PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, `"high"`, string(data))

	var p Priority
	require.NoError(t, json.Unmarshal([]byte(`"LOW"`), &p))
	assert.Equal(t, PriorityLow, p)

	require.NoError(t, json.Unmarshal([]byte(`2`), &p))
	assert.Equal(t, PriorityHigh, p)

	assert.Error(t, json.Unmarshal([]byte(`"urgent"`), &p))
	assert.Error(t, json.Unmarshal([]byte(`9`), &p))
}

func TestRecordTypeIsService(t *testing.T) {
	assert.False(t, RecordSinglepoint.IsService())
	assert.False(t, RecordOptimization.IsService())
	for _, rt := range []RecordType{RecordTorsiondrive, RecordGridoptimization, RecordNEB, RecordManybody, RecordReaction} {
		assert.True(t, rt.IsService(), string(rt))
	}
	assert.False(t, RecordType("dataset").Valid())
}

func TestNormalizeTag(t *testing.T) {
	assert.Equal(t, TagWildcard, NormalizeTag(""))
	assert.Equal(t, TagWildcard, NormalizeTag("  "))
	assert.Equal(t, "small_mem", NormalizeTag("SMALL_MEM"))
}
