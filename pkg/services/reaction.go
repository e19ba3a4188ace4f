/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package services

import (
	"context"
	"fmt"
	"strconv"

	qcerrors "github.com/MolSSI/QCFractal-sub000/pkg/errors"
	"github.com/MolSSI/QCFractal-sub000/pkg/models"
)

// ReactionDriver evaluates a weighted reaction energy: one singlepoint per
// stoichiometry component in the first iteration, then the coefficient-
// weighted sum of their energies on return.
type ReactionDriver struct{}

func (d *ReactionDriver) RecordType() models.RecordType { return models.RecordReaction }

func (d *ReactionDriver) ToleratesChildErrors() bool { return false }

type rxState struct {
	// Pending maps molecule id (as a string, for jsonb round-tripping) to
	// the in-flight singlepoint; coefficients come from the stored
	// stoichiometry rows each iteration.
	Pending map[string]int64 `json:"pending"`
}

func (d *ReactionDriver) spec(ctx context.Context, run *Run) (*models.QCSpecification, error) {
	if run.ServiceSpec.QCSpecificationID == nil {
		return nil, qcerrors.NewInternal(fmt.Errorf("reaction spec %d has no qc spec", run.ServiceSpec.ID))
	}
	return run.Submitter.LoadQCSpec(ctx, *run.ServiceSpec.QCSpecificationID)
}

func (d *ReactionDriver) Initialize(ctx context.Context, run *Run) error {
	spec, err := d.spec(ctx, run)
	if err != nil {
		return err
	}
	if len(run.Stoichiometry) == 0 {
		return qcerrors.NewInternal(fmt.Errorf("reaction %d has no stoichiometry components", run.Record.ID))
	}
	state := &rxState{Pending: map[string]int64{}}
	for _, component := range run.Stoichiometry {
		key := strconv.FormatInt(component.MoleculeID, 10)
		if _, seen := state.Pending[key]; seen {
			continue
		}
		id, err := run.SpawnSinglepoint(ctx, spec, component.MoleculeID)
		if err != nil {
			return err
		}
		state.Pending[key] = id
	}
	run.Logf("reaction: %d components, %d singlepoints", len(run.Stoichiometry), len(state.Pending))
	return run.SetState(state)
}

func (d *ReactionDriver) Iterate(ctx context.Context, run *Run) (bool, error) {
	var state rxState
	if err := run.LoadState(&state); err != nil {
		return false, err
	}

	energies := map[int64]float64{}
	singlepoints := map[int64]int64{}
	for key, childID := range state.Pending {
		moleculeID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return false, qcerrors.NewInternal(fmt.Errorf("bad component key %q: %w", key, err))
		}
		child, err := run.child(childID)
		if err != nil {
			return false, err
		}
		if child.Energy == nil {
			return false, qcerrors.NewInternal(fmt.Errorf("singlepoint %d completed without an energy", childID))
		}
		energies[moleculeID] = *child.Energy
		singlepoints[moleculeID] = childID
	}

	total := 0.0
	for _, component := range run.Stoichiometry {
		energy, ok := energies[component.MoleculeID]
		if !ok {
			return false, qcerrors.NewInternal(
				fmt.Errorf("reaction %d has no energy for molecule %d", run.Record.ID, component.MoleculeID))
		}
		total += component.Coefficient * energy
	}
	if err := run.Finalizer.FinalizeReaction(ctx, run.Record.ID, total, singlepoints); err != nil {
		return false, err
	}
	run.Logf("reaction: complete, total energy %.8f over %d components", total, len(run.Stoichiometry))
	return true, nil
}
