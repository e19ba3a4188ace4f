/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RecordStatus is the lifecycle state of a record.
type RecordStatus string

const (
	StatusWaiting   RecordStatus = "waiting"
	StatusRunning   RecordStatus = "running"
	StatusComplete  RecordStatus = "complete"
	StatusError     RecordStatus = "error"
	StatusCancelled RecordStatus = "cancelled"
	StatusInvalid   RecordStatus = "invalid"
	StatusDeleted   RecordStatus = "deleted"
)

func (s RecordStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusRunning, StatusComplete, StatusError,
		StatusCancelled, StatusInvalid, StatusDeleted:
		return true
	}
	return false
}

// Settled reports whether a child in this status no longer blocks its parent
// service: it will not progress further without user action.
func (s RecordStatus) Settled() bool {
	switch s {
	case StatusComplete, StatusError, StatusCancelled, StatusInvalid, StatusDeleted:
		return true
	}
	return false
}

// HasQueueRow reports whether a record in this status owns a task or service
// row.
func (s RecordStatus) HasQueueRow() bool {
	return s == StatusWaiting || s == StatusRunning
}

// allowedTransitions encodes the record state machine. Undelete is handled
// separately because its target is the status stored at soft-delete time.
var allowedTransitions = map[RecordStatus]map[RecordStatus]bool{
	StatusWaiting: {
		StatusRunning:   true, // claim
		StatusCancelled: true,
		StatusDeleted:   true,
	},
	StatusRunning: {
		StatusWaiting:   true, // heartbeat lost / requeue
		StatusComplete:  true,
		StatusError:     true,
		StatusCancelled: true,
		StatusDeleted:   true,
	},
	StatusComplete: {
		StatusInvalid: true,
		StatusDeleted: true,
	},
	StatusError: {
		StatusWaiting: true, // reset
		StatusDeleted: true,
	},
	StatusCancelled: {
		StatusWaiting: true, // uncancel
		StatusDeleted: true,
	},
	StatusInvalid: {
		StatusComplete: true, // uninvalidate
		StatusDeleted:  true,
	},
	StatusDeleted: {},
}

// CanTransition reports whether from -> to is a legal state-machine edge.
func CanTransition(from, to RecordStatus) bool {
	return allowedTransitions[from][to]
}

// TransitionSources lists every status from which `to` is reachable. Used to
// build guarded UPDATE ... WHERE status IN (...) statements.
func TransitionSources(to RecordStatus) []RecordStatus {
	var out []RecordStatus
	for from, tos := range allowedTransitions {
		if tos[to] {
			out = append(out, from)
		}
	}
	return out
}

// Priority orders claims within a tag bucket.
type Priority int16

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityHigh
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts both the string names and the wire integers 0/1/2.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, perr := ParsePriority(s)
		if perr != nil {
			return perr
		}
		*p = parsed
		return nil
	}
	var i int16
	if err := json.Unmarshal(data, &i); err != nil {
		return fmt.Errorf("priority must be a string or integer")
	}
	if !Priority(i).Valid() {
		return fmt.Errorf("invalid priority %d", i)
	}
	*p = Priority(i)
	return nil
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	}
	return PriorityNormal, fmt.Errorf("invalid priority %q", s)
}

// RecordType tags the computation variant of a record.
type RecordType string

const (
	RecordSinglepoint      RecordType = "singlepoint"
	RecordOptimization     RecordType = "optimization"
	RecordTorsiondrive     RecordType = "torsiondrive"
	RecordGridoptimization RecordType = "gridoptimization"
	RecordNEB              RecordType = "neb"
	RecordManybody         RecordType = "manybody"
	RecordReaction         RecordType = "reaction"
)

func (t RecordType) Valid() bool {
	switch t {
	case RecordSinglepoint, RecordOptimization, RecordTorsiondrive,
		RecordGridoptimization, RecordNEB, RecordManybody, RecordReaction:
		return true
	}
	return false
}

// IsService reports whether records of this type are driven by the service
// engine rather than dispatched to managers.
func (t RecordType) IsService() bool {
	switch t {
	case RecordTorsiondrive, RecordGridoptimization, RecordNEB,
		RecordManybody, RecordReaction:
		return true
	}
	return false
}

// AllRecordTypes lists every variant, task types first.
func AllRecordTypes() []RecordType {
	return []RecordType{
		RecordSinglepoint, RecordOptimization, RecordTorsiondrive,
		RecordGridoptimization, RecordNEB, RecordManybody, RecordReaction,
	}
}

// TagWildcard marks a task claimable by any manager that explicitly declares
// the wildcard, and a manager tag that matches every task tag.
const TagWildcard = "*"

// NormalizeTag folds tags to lower case; empty becomes the wildcard.
func NormalizeTag(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return TagWildcard
	}
	return tag
}
