/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package model

import (
	"encoding/json"
	"time"
)

const TableNameTaskQueue = "task_queue"

// TaskQueue is the queued work backing one task-based record. The row exists
// exactly while the record is waiting or running; a set manager_name marks a
// live lease bounded by lease_expires.
type TaskQueue struct {
	ID               int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	RecordID         int64           `gorm:"column:record_id;not null;uniqueIndex" json:"record_id"`
	Tag              string          `gorm:"column:tag;size:128;not null;index" json:"tag"`
	Priority         int16           `gorm:"column:priority;not null" json:"priority"`
	RequiredPrograms json.RawMessage `gorm:"column:required_programs;type:jsonb;not null" json:"required_programs"`
	Payload          json.RawMessage `gorm:"column:payload;type:jsonb;not null" json:"payload"`
	CreatedOn        time.Time       `gorm:"column:created_on;not null;index" json:"created_on"`
	ManagerName      *string         `gorm:"column:manager_name;size:256;index" json:"manager_name,omitempty"`
	LeaseExpires     *time.Time      `gorm:"column:lease_expires;index" json:"lease_expires,omitempty"`
}

func (*TaskQueue) TableName() string { return TableNameTaskQueue }

const TableNameServiceQueue = "service_queue"

// ServiceQueue is the server-side iteration state backing one service-based
// record. IterateState is opaque to the queue and interpreted only by the
// variant's driver; lock_owner/lock_expires serialize iteration across
// replicated runners.
type ServiceQueue struct {
	ID               int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	RecordID         int64           `gorm:"column:record_id;not null;uniqueIndex" json:"record_id"`
	Tag              string          `gorm:"column:tag;size:128;not null" json:"tag"`
	Priority         int16           `gorm:"column:priority;not null" json:"priority"`
	IterateState     json.RawMessage `gorm:"column:iterate_state;type:jsonb" json:"iterate_state,omitempty"`
	Counter          int             `gorm:"column:counter;not null;default:0" json:"counter"`
	NextIterationDue time.Time       `gorm:"column:next_iteration_due;not null;index" json:"next_iteration_due"`
	LockOwner        string          `gorm:"column:lock_owner;size:256" json:"lock_owner,omitempty"`
	LockExpires      *time.Time      `gorm:"column:lock_expires" json:"lock_expires,omitempty"`
	StdoutBlob       *int64          `gorm:"column:stdout_blob_id" json:"stdout_blob_id,omitempty"`
}

func (*ServiceQueue) TableName() string { return TableNameServiceQueue }

const TableNameServiceDependency = "service_dependency"

// ServiceDependency is one pending child of a service iteration. Rows are
// replaced each iteration; the permanent DAG lives in record_dependency.
type ServiceDependency struct {
	ServiceID int64 `gorm:"column:service_id;primaryKey" json:"service_id"`
	RecordID  int64 `gorm:"column:record_id;primaryKey;index" json:"record_id"`
}

func (*ServiceDependency) TableName() string { return TableNameServiceDependency }

const TableNameManager = "manager"

// Manager is one registered worker with its declared capabilities and
// heartbeat bookkeeping.
type Manager struct {
	ID            int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name          string          `gorm:"column:name;size:256;not null;uniqueIndex" json:"name"`
	Cluster       string          `gorm:"column:cluster;size:256" json:"cluster,omitempty"`
	Hostname      string          `gorm:"column:hostname;size:256" json:"hostname,omitempty"`
	Version       string          `gorm:"column:version;size:64" json:"version,omitempty"`
	Tags          json.RawMessage `gorm:"column:tags;type:jsonb;not null" json:"tags"`
	Programs      json.RawMessage `gorm:"column:programs;type:jsonb;not null" json:"programs"`
	Status        string          `gorm:"column:status;size:16;not null;index" json:"status"`
	CreatedOn     time.Time       `gorm:"column:created_on;not null" json:"created_on"`
	LastHeartbeat time.Time       `gorm:"column:last_heartbeat;not null;index" json:"last_heartbeat"`
	Claimed       int64           `gorm:"column:claimed;not null;default:0" json:"claimed"`
	Successes     int64           `gorm:"column:successes;not null;default:0" json:"successes"`
	Failures      int64           `gorm:"column:failures;not null;default:0" json:"failures"`
	Rejected      int64           `gorm:"column:rejected;not null;default:0" json:"rejected"`
}

func (*Manager) TableName() string { return TableNameManager }

// Manager statuses.
const (
	ManagerActive   = "active"
	ManagerInactive = "inactive"
)
