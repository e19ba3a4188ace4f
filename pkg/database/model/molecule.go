/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

// Package model holds the gorm row types backing every persisted entity.
// Large structured fields are stored as jsonb; cross-entity references are
// integer foreign keys. Table names are singular to match the gorm naming
// strategy used by the server connection.
package model

import (
	"encoding/json"
	"time"
)

const TableNameMolecule = "molecule"

// Molecule is one immutable geometry. The validated value type is kept
// verbatim in the payload column; the indexed columns exist for dedup and
// query endpoints.
type Molecule struct {
	ID           int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	MoleculeHash string          `gorm:"column:molecule_hash;size:64;not null;uniqueIndex" json:"molecule_hash"`
	Formula      string          `gorm:"column:formula;size:128;index" json:"formula"`
	Name         string          `gorm:"column:name;size:256" json:"name,omitempty"`
	Identifiers  json.RawMessage `gorm:"column:identifiers;type:jsonb" json:"identifiers,omitempty"`
	Payload      json.RawMessage `gorm:"column:payload;type:jsonb;not null" json:"payload"`
	CreatedOn    time.Time       `gorm:"column:created_on;not null" json:"created_on"`
}

func (*Molecule) TableName() string { return TableNameMolecule }

const TableNameKeywordSet = "keyword_set"

// KeywordSet is one immutable keyword bag, deduplicated by hash.
type KeywordSet struct {
	ID          int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	KeywordHash string          `gorm:"column:keyword_hash;size:64;not null;uniqueIndex" json:"keyword_hash"`
	Values      json.RawMessage `gorm:"column:values;type:jsonb;not null" json:"values"`
	Comment     string          `gorm:"column:comment;size:1024" json:"comment,omitempty"`
	CreatedOn   time.Time       `gorm:"column:created_on;not null" json:"created_on"`
}

func (*KeywordSet) TableName() string { return TableNameKeywordSet }

const TableNameQCSpecification = "qc_specification"

// QCSpecification is a stored singlepoint specification. program, method and
// basis are lower-cased before insertion; keywords and protocols keep their
// canonical JSON form.
type QCSpecification struct {
	ID        int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	SpecHash  string          `gorm:"column:spec_hash;size:64;not null;uniqueIndex" json:"spec_hash"`
	Program   string          `gorm:"column:program;size:128;not null" json:"program"`
	Driver    string          `gorm:"column:driver;size:32;not null" json:"driver"`
	Method    string          `gorm:"column:method;size:128;not null" json:"method"`
	Basis     string          `gorm:"column:basis;size:128" json:"basis"`
	Keywords  json.RawMessage `gorm:"column:keywords;type:jsonb" json:"keywords"`
	Protocols json.RawMessage `gorm:"column:protocols;type:jsonb" json:"protocols"`
}

func (*QCSpecification) TableName() string { return TableNameQCSpecification }

const TableNameOptimizationSpecification = "optimization_specification"

// OptimizationSpecification wraps a stored QC specification with the
// optimizer program and keywords.
type OptimizationSpecification struct {
	ID                int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	SpecHash          string          `gorm:"column:spec_hash;size:64;not null;uniqueIndex" json:"spec_hash"`
	Program           string          `gorm:"column:program;size:128;not null" json:"program"`
	Keywords          json.RawMessage `gorm:"column:keywords;type:jsonb" json:"keywords"`
	Protocols         json.RawMessage `gorm:"column:protocols;type:jsonb" json:"protocols"`
	QCSpecificationID int64           `gorm:"column:qc_specification_id;not null" json:"qc_specification_id"`
}

func (*OptimizationSpecification) TableName() string { return TableNameOptimizationSpecification }

const TableNameServiceSpecification = "service_specification"

// ServiceSpecification is the stored form of every service-level
// specification. SpecType selects the variant; exactly one of the inner
// specification references is set (optimization for torsiondrive and
// gridoptimization, qc for neb, manybody and reaction).
type ServiceSpecification struct {
	ID                          int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	SpecHash                    string          `gorm:"column:spec_hash;size:64;not null;uniqueIndex" json:"spec_hash"`
	SpecType                    string          `gorm:"column:spec_type;size:32;not null" json:"spec_type"`
	Program                     string          `gorm:"column:program;size:128" json:"program,omitempty"`
	Keywords                    json.RawMessage `gorm:"column:keywords;type:jsonb" json:"keywords"`
	QCSpecificationID           *int64          `gorm:"column:qc_specification_id" json:"qc_specification_id,omitempty"`
	OptimizationSpecificationID *int64          `gorm:"column:optimization_specification_id" json:"optimization_specification_id,omitempty"`
}

func (*ServiceSpecification) TableName() string { return TableNameServiceSpecification }
