/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

// Package services implements the iterative workflow drivers. Each driver
// advances one service record per iteration: it absorbs settled children,
// spawns the next wave of deduplicated child computations through the
// Submitter, and reports completion so the runner can finalize the record.
// All iteration state round-trips through the service row's opaque jsonb
// column; drivers never hold state between calls.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MolSSI/QCFractal-sub000/pkg/database/model"
	qcerrors "github.com/MolSSI/QCFractal-sub000/pkg/errors"
	"github.com/MolSSI/QCFractal-sub000/pkg/models"
)

// Submitter is the record-store surface drivers use to spawn children and
// resolve stored entities. Spawns are deduplicating, so re-running an
// iteration after a crash resubmits the same children and gets the same ids.
type Submitter interface {
	UpsertMolecule(ctx context.Context, mol *models.Molecule) (int64, error)
	GetMoleculeValue(ctx context.Context, id int64) (*models.Molecule, error)
	LoadQCSpec(ctx context.Context, id int64) (*models.QCSpecification, error)
	LoadOptimizationSpec(ctx context.Context, id int64) (*models.OptimizationSpecification, error)
	SpawnOptimization(ctx context.Context, parentID int64, spec *models.OptimizationSpecification,
		moleculeID int64, constraints json.RawMessage, tag string, priority models.Priority, owner string, position int) (int64, error)
	SpawnSinglepoint(ctx context.Context, parentID int64, spec *models.QCSpecification,
		moleculeID int64, tag string, priority models.Priority, owner string, position int) (int64, error)
}

// Finalizer persists variant summaries when a service completes.
type Finalizer interface {
	FinalizeTorsiondrive(ctx context.Context, recordID int64, optimizations map[string][]int64, minimumEnergies map[string]float64) error
	FinalizeGridoptimization(ctx context.Context, recordID int64, optimizations map[string]int64, energies map[string]float64) error
	FinalizeNEB(ctx context.Context, recordID int64, tsMoleculeID int64, tsEnergy float64, iterations int) error
	FinalizeManybody(ctx context.Context, recordID int64, results interface{}) error
	FinalizeReaction(ctx context.Context, recordID int64, totalEnergy float64, singlepoints map[int64]int64) error
}

// Child is the settled outcome of one spawned computation, as the runner
// presents it to the driver.
type Child struct {
	RecordID        int64
	Status          models.RecordStatus
	FinalMoleculeID *int64          // optimizations: optimized geometry
	Energy          *float64        // final energy when known
	ReturnResult    json.RawMessage // singlepoints: raw return_result
}

// Run is one iteration's working set. The runner fills the inputs, the
// driver writes NewState, Pending and the log; spawn bookkeeping and state
// codecs live here so drivers stay declarative.
type Run struct {
	Record             *model.Record
	ServiceSpec        *model.ServiceSpecification
	InitialMoleculeIDs []int64
	Stoichiometry      []*model.ReactionComponent
	State              json.RawMessage
	Children           map[int64]*Child
	Submitter          Submitter
	Finalizer          Finalizer

	NewState json.RawMessage
	Pending  []int64

	logLines []string
	spawnPos int
}

// NewRun builds a run with spawn positions continuing after the existing
// dependency edges.
func NewRun(rec *model.Record, basePosition int) *Run {
	return &Run{Record: rec, Children: map[int64]*Child{}, spawnPos: basePosition}
}

// Logf appends one line to the iteration log; the runner flushes the lines
// to the service's stdout blob.
func (r *Run) Logf(format string, args ...interface{}) {
	r.logLines = append(r.logLines, fmt.Sprintf(format, args...))
}

// LogText joins the iteration's log lines.
func (r *Run) LogText() string {
	if len(r.logLines) == 0 {
		return ""
	}
	return strings.Join(r.logLines, "\n") + "\n"
}

// LoadState unmarshals the opaque iteration state into v.
func (r *Run) LoadState(v interface{}) error {
	if len(r.State) == 0 {
		return qcerrors.NewInternal(fmt.Errorf("service %d has no iteration state", r.Record.ID))
	}
	if err := json.Unmarshal(r.State, v); err != nil {
		return qcerrors.NewInternal(fmt.Errorf("service %d state unreadable: %w", r.Record.ID, err))
	}
	return nil
}

// SetState marshals v as the next iteration state.
func (r *Run) SetState(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return qcerrors.NewInternal(fmt.Errorf("service %d state unmarshalable: %w", r.Record.ID, err))
	}
	r.NewState = data
	return nil
}

// SpawnOptimization spawns one child optimization inheriting the parent's
// tag, priority and owner, and marks it pending.
func (r *Run) SpawnOptimization(ctx context.Context, spec *models.OptimizationSpecification,
	moleculeID int64, constraints json.RawMessage) (int64, error) {
	id, err := r.Submitter.SpawnOptimization(ctx, r.Record.ID, spec, moleculeID, constraints,
		r.Record.Tag, models.Priority(r.Record.Priority), r.Record.OwnerUser, r.spawnPos)
	if err != nil {
		return 0, err
	}
	r.spawnPos++
	r.Pending = append(r.Pending, id)
	return id, nil
}

// SpawnSinglepoint spawns one child singlepoint inheriting the parent's tag,
// priority and owner, and marks it pending.
func (r *Run) SpawnSinglepoint(ctx context.Context, spec *models.QCSpecification, moleculeID int64) (int64, error) {
	id, err := r.Submitter.SpawnSinglepoint(ctx, r.Record.ID, spec, moleculeID,
		r.Record.Tag, models.Priority(r.Record.Priority), r.Record.OwnerUser, r.spawnPos)
	if err != nil {
		return 0, err
	}
	r.spawnPos++
	r.Pending = append(r.Pending, id)
	return id, nil
}

// child returns the settled outcome of a spawned record, erroring when the
// runner did not deliver it.
func (r *Run) child(id int64) (*Child, error) {
	c, ok := r.Children[id]
	if !ok {
		return nil, qcerrors.NewInternal(fmt.Errorf("service %d missing outcome for child %d", r.Record.ID, id))
	}
	return c, nil
}

// Driver advances one service variant. Initialize runs once to seed the
// state and spawn the first wave; Iterate runs on every later due tick and
// reports when the record can finalize.
type Driver interface {
	RecordType() models.RecordType
	Initialize(ctx context.Context, run *Run) error
	Iterate(ctx context.Context, run *Run) (done bool, err error)
	// ToleratesChildErrors reports whether the variant can absorb a failed
	// child. None of the shipped variants can: a child error fails the
	// service.
	ToleratesChildErrors() bool
}

// Registry maps record types to their drivers.
type Registry map[models.RecordType]Driver

// NewRegistry returns the registry of all shipped drivers.
func NewRegistry() Registry {
	reg := Registry{}
	for _, d := range []Driver{
		&TorsiondriveDriver{},
		&GridoptimizationDriver{},
		&NEBDriver{},
		&ManybodyDriver{},
		&ReactionDriver{},
	} {
		reg[d.RecordType()] = d
	}
	return reg
}

// specKeywords unmarshals the service spec's keyword blob into v.
func specKeywords(spec *model.ServiceSpecification, v interface{}) error {
	if len(spec.Keywords) == 0 {
		return qcerrors.NewInternal(fmt.Errorf("service specification %d has no keywords", spec.ID))
	}
	if err := json.Unmarshal(spec.Keywords, v); err != nil {
		return qcerrors.NewInternal(fmt.Errorf("service specification %d keywords unreadable: %w", spec.ID, err))
	}
	return nil
}
