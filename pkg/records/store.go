/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

// Package records orchestrates the record lifecycle over the database
// facades: batch entity adds with dedup metadata, per-type submissions that
// create base+detail+queue rows in one transaction, the manager return path,
// and every user-facing status mutation with its cascades.
package records

import (
	"context"
	"encoding/json"
	"time"

	"k8s.io/klog/v2"

	"github.com/MolSSI/QCFractal-sub000/pkg/blob"
	"github.com/MolSSI/QCFractal-sub000/pkg/database"
	"github.com/MolSSI/QCFractal-sub000/pkg/database/model"
	qcerrors "github.com/MolSSI/QCFractal-sub000/pkg/errors"
	"github.com/MolSSI/QCFractal-sub000/pkg/jsonutil"
	"github.com/MolSSI/QCFractal-sub000/pkg/models"
)

// Store is the record orchestration layer shared by the handlers, the
// service drivers (through the Submitter methods) and the runner jobs.
type Store struct {
	db    *database.Client
	blobs blob.Store
}

// NewStore builds a record store over the given database client and blob
// backend.
func NewStore(db *database.Client, blobs blob.Store) *Store {
	return &Store{db: db, blobs: blobs}
}

// DB exposes the underlying client for read-only query endpoints.
func (s *Store) DB() *database.Client { return s.db }

// Blobs exposes the blob backend for output-fetching endpoints.
func (s *Store) Blobs() blob.Store { return s.blobs }

// EntryError reports one failed entry of a batch add.
type EntryError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// InsertMetadata describes the outcome of a batch add: which request indices
// created new rows, which resolved to existing rows, and which failed
// validation.
type InsertMetadata struct {
	InsertedIdx []int        `json:"inserted_idx"`
	ExistingIdx []int        `json:"existing_idx"`
	Errors      []EntryError `json:"errors,omitempty"`
}

func (m *InsertMetadata) record(idx int, inserted bool) {
	if inserted {
		m.InsertedIdx = append(m.InsertedIdx, idx)
	} else {
		m.ExistingIdx = append(m.ExistingIdx, idx)
	}
}

// AddMolecules validates and upserts a molecule batch. Returned ids are
// parallel to the request; entries that fail validation get id 0 and an
// error in the metadata.
func (s *Store) AddMolecules(ctx context.Context, mols []*models.Molecule) ([]int64, *InsertMetadata, error) {
	if len(mols) == 0 {
		return nil, &InsertMetadata{}, nil
	}
	meta := &InsertMetadata{}
	ids := make([]int64, len(mols))

	var rows []*model.Molecule
	var rowIdx []int
	now := time.Now().UTC()
	for i, mol := range mols {
		if err := mol.Validate(); err != nil {
			meta.Errors = append(meta.Errors, EntryError{Index: i, Error: err.Error()})
			continue
		}
		payload, err := json.Marshal(mol)
		if err != nil {
			meta.Errors = append(meta.Errors, EntryError{Index: i, Error: err.Error()})
			continue
		}
		rows = append(rows, &model.Molecule{
			MoleculeHash: mol.Identifiers.MoleculeHash,
			Formula:      mol.Identifiers.MolecularFormula,
			Name:         mol.Name,
			Identifiers:  jsonutil.MarshalSilently(mol.Identifiers),
			Payload:      payload,
			CreatedOn:    now,
		})
		rowIdx = append(rowIdx, i)
	}

	dbIDs, inserted, err := s.db.UpsertMolecules(ctx, rows)
	if err != nil {
		return nil, nil, err
	}
	for j, id := range dbIDs {
		ids[rowIdx[j]] = id
		meta.record(rowIdx[j], inserted[j])
	}
	klog.V(4).InfoS("added molecules", "requested", len(mols),
		"inserted", len(meta.InsertedIdx), "existing", len(meta.ExistingIdx), "failed", len(meta.Errors))
	return ids, meta, nil
}

// AddKeywords validates and upserts a keyword-set batch with the same
// metadata semantics as AddMolecules.
func (s *Store) AddKeywords(ctx context.Context, sets []*models.KeywordSet) ([]int64, *InsertMetadata, error) {
	if len(sets) == 0 {
		return nil, &InsertMetadata{}, nil
	}
	meta := &InsertMetadata{}
	ids := make([]int64, len(sets))

	var rows []*model.KeywordSet
	var rowIdx []int
	now := time.Now().UTC()
	for i, set := range sets {
		if err := set.Validate(); err != nil {
			meta.Errors = append(meta.Errors, EntryError{Index: i, Error: err.Error()})
			continue
		}
		h, err := set.Hash()
		if err != nil {
			meta.Errors = append(meta.Errors, EntryError{Index: i, Error: err.Error()})
			continue
		}
		values, err := json.Marshal(set.Values)
		if err != nil {
			meta.Errors = append(meta.Errors, EntryError{Index: i, Error: err.Error()})
			continue
		}
		rows = append(rows, &model.KeywordSet{
			KeywordHash: h,
			Values:      values,
			Comment:     set.Comment,
			CreatedOn:   now,
		})
		rowIdx = append(rowIdx, i)
	}

	dbIDs, inserted, err := s.db.UpsertKeywordSets(ctx, rows)
	if err != nil {
		return nil, nil, err
	}
	for j, id := range dbIDs {
		ids[rowIdx[j]] = id
		meta.record(rowIdx[j], inserted[j])
	}
	return ids, meta, nil
}

// requireMolecules verifies every referenced molecule id exists before a
// submission touches the record tables.
func (s *Store) requireMolecules(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return qcerrors.NewInvalidInput("at least one molecule is required")
	}
	_, err := s.db.GetMolecules(ctx, ids, false)
	return err
}
