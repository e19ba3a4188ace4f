/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package model

import (
	"encoding/json"
	"time"
)

const TableNameRecord = "record"

// Record is the shared base row of every computation. Variant-specific
// fields live in the per-type detail tables keyed by record id.
// (record_type, spec_hash, inputs_hash) is globally unique: identical
// submissions collapse to one row.
type Record struct {
	ID                 int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	RecordType         string    `gorm:"column:record_type;size:32;not null;uniqueIndex:idx_record_dedup,priority:1;index" json:"record_type"`
	SpecHash           string    `gorm:"column:spec_hash;size:64;not null;uniqueIndex:idx_record_dedup,priority:2" json:"spec_hash"`
	InputsHash         string    `gorm:"column:inputs_hash;size:64;not null;uniqueIndex:idx_record_dedup,priority:3" json:"inputs_hash"`
	Status             string    `gorm:"column:status;size:16;not null;index" json:"status"`
	IsService          bool      `gorm:"column:is_service;not null" json:"is_service"`
	ManagerName        string    `gorm:"column:manager_name;size:256;index" json:"manager_name,omitempty"`
	Tag                string    `gorm:"column:tag;size:128;not null" json:"tag"`
	Priority           int16     `gorm:"column:priority;not null" json:"priority"`
	OwnerUser          string    `gorm:"column:owner_user;size:256;index" json:"owner_user,omitempty"`
	AutoResetCount     int       `gorm:"column:auto_reset_count;not null;default:0" json:"auto_reset_count"`
	StatusBeforeDelete string    `gorm:"column:status_before_delete;size:16" json:"-"`
	CreatedOn          time.Time `gorm:"column:created_on;not null;index" json:"created_on"`
	ModifiedOn         time.Time `gorm:"column:modified_on;not null;index" json:"modified_on"`
}

func (*Record) TableName() string { return TableNameRecord }

const TableNameSinglepointRecord = "singlepoint_record"

// SinglepointRecord holds the singlepoint-specific columns. Outputs are
// filled on the first successful return.
type SinglepointRecord struct {
	RecordID           int64           `gorm:"column:record_id;primaryKey" json:"record_id"`
	QCSpecificationID  int64           `gorm:"column:qc_specification_id;not null" json:"qc_specification_id"`
	MoleculeID         int64           `gorm:"column:molecule_id;not null;index" json:"molecule_id"`
	ReturnResult       json.RawMessage `gorm:"column:return_result;type:jsonb" json:"return_result,omitempty"`
	Properties         json.RawMessage `gorm:"column:properties;type:jsonb" json:"properties,omitempty"`
	WavefunctionBlobID *int64          `gorm:"column:wavefunction_blob_id" json:"wavefunction_blob_id,omitempty"`
	NativeFilesBlobID  *int64          `gorm:"column:native_files_blob_id" json:"native_files_blob_id,omitempty"`
}

func (*SinglepointRecord) TableName() string { return TableNameSinglepointRecord }

const TableNameOptimizationRecord = "optimization_record"

// OptimizationRecord holds the optimization-specific columns. The trajectory
// is linked as completed singlepoint child records through record_dependency.
type OptimizationRecord struct {
	RecordID                    int64           `gorm:"column:record_id;primaryKey" json:"record_id"`
	OptimizationSpecificationID int64           `gorm:"column:optimization_specification_id;not null" json:"optimization_specification_id"`
	InitialMoleculeID           int64           `gorm:"column:initial_molecule_id;not null;index" json:"initial_molecule_id"`
	FinalMoleculeID             *int64          `gorm:"column:final_molecule_id" json:"final_molecule_id,omitempty"`
	Energies                    json.RawMessage `gorm:"column:energies;type:jsonb" json:"energies,omitempty"`
	Constraints                 json.RawMessage `gorm:"column:constraints;type:jsonb" json:"constraints,omitempty"`
}

func (*OptimizationRecord) TableName() string { return TableNameOptimizationRecord }

const TableNameTorsiondriveRecord = "torsiondrive_record"

// TorsiondriveRecord holds the torsion-scan summary written at finalize:
// the grid-key to optimization-ids map and the per-key minimum energies.
type TorsiondriveRecord struct {
	RecordID               int64           `gorm:"column:record_id;primaryKey" json:"record_id"`
	ServiceSpecificationID int64           `gorm:"column:service_specification_id;not null" json:"service_specification_id"`
	Optimizations          json.RawMessage `gorm:"column:optimizations;type:jsonb" json:"optimizations,omitempty"`
	MinimumEnergies        json.RawMessage `gorm:"column:minimum_energies;type:jsonb" json:"minimum_energies,omitempty"`
}

func (*TorsiondriveRecord) TableName() string { return TableNameTorsiondriveRecord }

const TableNameTorsiondriveInitialMolecule = "torsiondrive_initial_molecule"

// TorsiondriveInitialMolecule joins a torsiondrive record to its starting
// geometries.
type TorsiondriveInitialMolecule struct {
	RecordID   int64 `gorm:"column:record_id;primaryKey" json:"record_id"`
	MoleculeID int64 `gorm:"column:molecule_id;primaryKey" json:"molecule_id"`
	Position   int   `gorm:"column:position;not null" json:"position"`
}

func (*TorsiondriveInitialMolecule) TableName() string { return TableNameTorsiondriveInitialMolecule }

const TableNameGridoptimizationRecord = "gridoptimization_record"

// GridoptimizationRecord holds the grid-scan summary written at finalize.
type GridoptimizationRecord struct {
	RecordID               int64           `gorm:"column:record_id;primaryKey" json:"record_id"`
	ServiceSpecificationID int64           `gorm:"column:service_specification_id;not null" json:"service_specification_id"`
	StartingMoleculeID     int64           `gorm:"column:starting_molecule_id;not null" json:"starting_molecule_id"`
	Optimizations          json.RawMessage `gorm:"column:optimizations;type:jsonb" json:"optimizations,omitempty"`
	Energies               json.RawMessage `gorm:"column:energies;type:jsonb" json:"energies,omitempty"`
}

func (*GridoptimizationRecord) TableName() string { return TableNameGridoptimizationRecord }

const TableNameNEBRecord = "neb_record"

// NEBRecord holds the nudged-elastic-band summary: the transition-state
// estimate written at convergence.
type NEBRecord struct {
	RecordID               int64   `gorm:"column:record_id;primaryKey" json:"record_id"`
	ServiceSpecificationID int64   `gorm:"column:service_specification_id;not null" json:"service_specification_id"`
	TSMoleculeID           *int64  `gorm:"column:ts_molecule_id" json:"ts_molecule_id,omitempty"`
	TSEnergy               float64 `gorm:"column:ts_energy" json:"ts_energy,omitempty"`
	Iterations             int     `gorm:"column:iterations;not null;default:0" json:"iterations"`
}

func (*NEBRecord) TableName() string { return TableNameNEBRecord }

const TableNameNEBInitialChain = "neb_initial_chain"

// NEBInitialChain joins a neb record to its ordered starting images.
type NEBInitialChain struct {
	RecordID   int64 `gorm:"column:record_id;primaryKey" json:"record_id"`
	MoleculeID int64 `gorm:"column:molecule_id;primaryKey" json:"molecule_id"`
	Position   int   `gorm:"column:position;not null" json:"position"`
}

func (*NEBInitialChain) TableName() string { return TableNameNEBInitialChain }

const TableNameManybodyRecord = "manybody_record"

// ManybodyRecord holds the fragment-expansion summary: total and interaction
// energies per n-body level.
type ManybodyRecord struct {
	RecordID               int64           `gorm:"column:record_id;primaryKey" json:"record_id"`
	ServiceSpecificationID int64           `gorm:"column:service_specification_id;not null" json:"service_specification_id"`
	InitialMoleculeID      int64           `gorm:"column:initial_molecule_id;not null" json:"initial_molecule_id"`
	Results                json.RawMessage `gorm:"column:results;type:jsonb" json:"results,omitempty"`
}

func (*ManybodyRecord) TableName() string { return TableNameManybodyRecord }

const TableNameReactionRecord = "reaction_record"

// ReactionRecord holds the stoichiometric total energy.
type ReactionRecord struct {
	RecordID               int64    `gorm:"column:record_id;primaryKey" json:"record_id"`
	ServiceSpecificationID int64    `gorm:"column:service_specification_id;not null" json:"service_specification_id"`
	TotalEnergy            *float64 `gorm:"column:total_energy" json:"total_energy,omitempty"`
}

func (*ReactionRecord) TableName() string { return TableNameReactionRecord }

const TableNameReactionComponent = "reaction_component"

// ReactionComponent is one stoichiometry entry of a reaction record.
type ReactionComponent struct {
	RecordID            int64   `gorm:"column:record_id;primaryKey" json:"record_id"`
	MoleculeID          int64   `gorm:"column:molecule_id;primaryKey" json:"molecule_id"`
	Coefficient         float64 `gorm:"column:coefficient;not null" json:"coefficient"`
	SinglepointRecordID *int64  `gorm:"column:singlepoint_record_id" json:"singlepoint_record_id,omitempty"`
}

func (*ReactionComponent) TableName() string { return TableNameReactionComponent }

const TableNameRecordDependency = "record_dependency"

// RecordDependency is one permanent parent-to-child edge of the record DAG.
// Edges are never removed while both rows exist; they power hard-delete
// reference checks and parent notification.
type RecordDependency struct {
	ParentID int64 `gorm:"column:parent_id;primaryKey" json:"parent_id"`
	ChildID  int64 `gorm:"column:child_id;primaryKey;index" json:"child_id"`
	Position int   `gorm:"column:position;not null" json:"position"`
}

func (*RecordDependency) TableName() string { return TableNameRecordDependency }

const TableNameRecordComputeHistory = "record_compute_history"

// RecordComputeHistory is one manager attempt at a record. The latest entry
// carries the record's current outputs; earlier entries preserve prior
// attempts across resets. Late returns for cancelled records append here
// without touching record status.
type RecordComputeHistory struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	RecordID    int64     `gorm:"column:record_id;not null;index" json:"record_id"`
	Status      string    `gorm:"column:status;size:16;not null" json:"status"`
	ManagerName string    `gorm:"column:manager_name;size:256" json:"manager_name,omitempty"`
	ModifiedOn  time.Time `gorm:"column:modified_on;not null" json:"modified_on"`
	StdoutBlob  *int64    `gorm:"column:stdout_blob_id" json:"stdout_blob_id,omitempty"`
	StderrBlob  *int64    `gorm:"column:stderr_blob_id" json:"stderr_blob_id,omitempty"`
	ErrorBlob   *int64    `gorm:"column:error_blob_id" json:"error_blob_id,omitempty"`
}

func (*RecordComputeHistory) TableName() string { return TableNameRecordComputeHistory }

const TableNameRecordComment = "record_comment"

// RecordComment is one user note on a record.
type RecordComment struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	RecordID  int64     `gorm:"column:record_id;not null;index" json:"record_id"`
	Username  string    `gorm:"column:username;size:256" json:"username"`
	Timestamp time.Time `gorm:"column:timestamp;not null" json:"timestamp"`
	Comment   string    `gorm:"column:comment;not null" json:"comment"`
}

func (*RecordComment) TableName() string { return TableNameRecordComment }
