/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package model

import (
	"encoding/json"
	"time"
)

const TableNameKVStore = "kvstore"

// KVStore is one content-typed opaque blob (stdout, stderr, error payloads,
// wavefunctions, native files). When the S3 backend is configured the data
// column is empty and the object lives at kvstore/<id>; the row keeps the
// metadata either way. The checksum is the xxhash64 of the uncompressed
// bytes, verified on read.
type KVStore struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ContentType string    `gorm:"column:content_type;size:128;not null" json:"content_type"`
	Compression string    `gorm:"column:compression;size:16;not null" json:"compression"`
	Checksum    string    `gorm:"column:checksum;size:16;not null" json:"checksum"`
	Size        int64     `gorm:"column:size;not null" json:"size"`
	External    bool      `gorm:"column:external;not null;default:false" json:"external"`
	Data        []byte    `gorm:"column:data" json:"-"`
	CreatedOn   time.Time `gorm:"column:created_on;not null" json:"created_on"`
}

func (*KVStore) TableName() string { return TableNameKVStore }

const TableNameUser = "user"

// User is one login with its permission set. Permissions is a jsonb list
// drawn from {read, write, compute, queue, admin}.
type User struct {
	ID           int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Username     string          `gorm:"column:username;size:256;not null;uniqueIndex" json:"username"`
	PasswordHash string          `gorm:"column:password_hash;size:128;not null" json:"-"`
	Role         string          `gorm:"column:role;size:32;not null" json:"role"`
	Permissions  json.RawMessage `gorm:"column:permissions;type:jsonb;not null" json:"permissions"`
	Enabled      bool            `gorm:"column:enabled;not null;default:true" json:"enabled"`
	CreatedOn    time.Time       `gorm:"column:created_on;not null" json:"created_on"`
}

func (*User) TableName() string { return TableNameUser }

const TableNameInternalJob = "internal_job"

// InternalJob is one unit of periodic server-side work (service tick,
// manager reap, auto reset, stats, pruning). UniqueName deduplicates pending
// repeats of the same job; RunnerUUID records which runner claimed it.
type InternalJob struct {
	ID          int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name        string          `gorm:"column:name;size:128;not null;index" json:"name"`
	UniqueName  string          `gorm:"column:unique_name;size:256;uniqueIndex" json:"unique_name,omitempty"`
	Status      string          `gorm:"column:status;size:16;not null;index" json:"status"`
	ScheduledAt time.Time       `gorm:"column:scheduled_at;not null;index" json:"scheduled_at"`
	StartedAt   *time.Time      `gorm:"column:started_at" json:"started_at,omitempty"`
	EndedAt     *time.Time      `gorm:"column:ended_at" json:"ended_at,omitempty"`
	LastError   string          `gorm:"column:last_error" json:"last_error,omitempty"`
	Result      json.RawMessage `gorm:"column:result;type:jsonb" json:"result,omitempty"`
	RepeatDelay int             `gorm:"column:repeat_delay;not null;default:0" json:"repeat_delay"`
	RunnerUUID  string          `gorm:"column:runner_uuid;size:128" json:"runner_uuid,omitempty"`
}

func (*InternalJob) TableName() string { return TableNameInternalJob }

// Internal job statuses.
const (
	JobWaiting  = "waiting"
	JobRunning  = "running"
	JobComplete = "complete"
	JobError    = "error"
)

const TableNameServerStats = "server_stats"

// ServerStats is one periodic snapshot of queue depths and record counts.
type ServerStats struct {
	ID        int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Timestamp time.Time       `gorm:"column:timestamp;not null;index" json:"timestamp"`
	Snapshot  json.RawMessage `gorm:"column:snapshot;type:jsonb;not null" json:"snapshot"`
}

func (*ServerStats) TableName() string { return TableNameServerStats }

const TableNameAccessLog = "access_log"

// AccessLog is one API request, batch-inserted by the buffered flusher.
type AccessLog struct {
	ID            int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Timestamp     time.Time `gorm:"column:timestamp;not null;index" json:"timestamp"`
	Method        string    `gorm:"column:method;size:16;not null" json:"method"`
	Path          string    `gorm:"column:path;size:512;not null" json:"path"`
	StatusCode    int       `gorm:"column:status_code;not null" json:"status_code"`
	Username      string    `gorm:"column:username;size:256" json:"username,omitempty"`
	IP            string    `gorm:"column:ip;size:64" json:"ip,omitempty"`
	DurationUS    int64     `gorm:"column:duration_us;not null" json:"duration_us"`
	RequestBytes  int64     `gorm:"column:request_bytes;not null" json:"request_bytes"`
	ResponseBytes int64     `gorm:"column:response_bytes;not null" json:"response_bytes"`
}

func (*AccessLog) TableName() string { return TableNameAccessLog }

const TableNameSchemaMeta = "schema_meta"

// SchemaMeta is the single-row schema version marker. start refuses to boot
// when the stored version is behind the code's version; upgrade advances it.
type SchemaMeta struct {
	ID      int64 `gorm:"column:id;primaryKey" json:"id"`
	Version int   `gorm:"column:version;not null" json:"version"`
}

func (*SchemaMeta) TableName() string { return TableNameSchemaMeta }

// CurrentSchemaVersion is the schema version this build writes and expects.
const CurrentSchemaVersion = 1

// AllModels lists every table for AutoMigrate, dependency-free tables first.
func AllModels() []interface{} {
	return []interface{}{
		&Molecule{},
		&KeywordSet{},
		&QCSpecification{},
		&OptimizationSpecification{},
		&ServiceSpecification{},
		&Record{},
		&SinglepointRecord{},
		&OptimizationRecord{},
		&TorsiondriveRecord{},
		&TorsiondriveInitialMolecule{},
		&GridoptimizationRecord{},
		&NEBRecord{},
		&NEBInitialChain{},
		&ManybodyRecord{},
		&ReactionRecord{},
		&ReactionComponent{},
		&RecordDependency{},
		&RecordComputeHistory{},
		&RecordComment{},
		&TaskQueue{},
		&ServiceQueue{},
		&ServiceDependency{},
		&Manager{},
		&KVStore{},
		&User{},
		&InternalJob{},
		&ServerStats{},
		&AccessLog{},
		&SchemaMeta{},
	}
}
