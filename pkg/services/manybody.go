/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package services

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	qcerrors "github.com/MolSSI/QCFractal-sub000/pkg/errors"
	"github.com/MolSSI/QCFractal-sub000/pkg/models"
)

// ManybodyDriver expands a fragmented molecule into its n-body interaction
// energies. All fragment-subset singlepoints go out in the first iteration;
// the expansion completes on their return by inclusion-exclusion over the
// subset energies. With counterpoise correction every subset keeps the full
// basis: atoms outside the subset stay as ghosts.
type ManybodyDriver struct{}

func (d *ManybodyDriver) RecordType() models.RecordType { return models.RecordManybody }

func (d *ManybodyDriver) ToleratesChildErrors() bool { return false }

type mbState struct {
	MaxNbody int `json:"max_nbody"`
	// Pending and Singlepoints are keyed by the subset of fragment indices,
	// comma-joined ascending ("0,2").
	Pending      map[string]int64   `json:"pending"`
	Singlepoints map[string]int64   `json:"singlepoints"`
	Energies     map[string]float64 `json:"energies"`
}

func mbKey(subset []int) string {
	parts := make([]string, len(subset))
	for i, f := range subset {
		parts[i] = strconv.Itoa(f)
	}
	return strings.Join(parts, ",")
}

func mbParseKey(key string) ([]int, error) {
	parts := strings.Split(key, ",")
	subset := make([]int, len(parts))
	for i, p := range parts {
		f, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("bad fragment key %q: %w", key, err)
		}
		subset[i] = f
	}
	return subset, nil
}

// mbSubsets enumerates all non-empty fragment subsets up to maxSize, in
// ascending index order.
func mbSubsets(fragments, maxSize int) [][]int {
	if maxSize < 1 {
		return nil
	}
	var out [][]int
	var walk func(start int, cur []int)
	walk = func(start int, cur []int) {
		for f := start; f < fragments; f++ {
			next := append(append([]int(nil), cur...), f)
			out = append(out, next)
			if len(next) < maxSize {
				walk(f+1, next)
			}
		}
	}
	walk(0, nil)
	return out
}

// mbFragmentMolecule carves the subset out of the parent molecule. With
// counterpoise the full geometry survives and the excluded atoms become
// ghosts; otherwise only the subset's atoms remain.
func mbFragmentMolecule(parent *models.Molecule, subset []int, counterpoise bool) *models.Molecule {
	inSubset := map[int]bool{}
	var charge float64
	multiplicity := 1
	for _, f := range subset {
		for _, atom := range parent.Fragments[f] {
			inSubset[atom] = true
		}
		charge += parent.FragmentCharges[f]
		multiplicity += parent.FragmentMultiplicities[f] - 1
	}

	mol := &models.Molecule{
		Name:                  parent.Name,
		MolecularCharge:       charge,
		MolecularMultiplicity: multiplicity,
	}
	if counterpoise {
		mol.Symbols = append([]string(nil), parent.Symbols...)
		mol.Geometry = append([]float64(nil), parent.Geometry...)
		mol.Real = make([]bool, len(parent.Symbols))
		for atom := range mol.Real {
			mol.Real[atom] = inSubset[atom]
		}
		return mol
	}
	for atom := range parent.Symbols {
		if !inSubset[atom] {
			continue
		}
		mol.Symbols = append(mol.Symbols, parent.Symbols[atom])
		mol.Geometry = append(mol.Geometry, parent.Geometry[3*atom:3*atom+3]...)
	}
	return mol
}

func (d *ManybodyDriver) spec(ctx context.Context, run *Run) (*models.QCSpecification, *models.ManybodyKeywords, error) {
	var kw models.ManybodyKeywords
	if err := specKeywords(run.ServiceSpec, &kw); err != nil {
		return nil, nil, err
	}
	if err := kw.Validate(); err != nil {
		return nil, nil, qcerrors.NewInternal(fmt.Errorf("service specification %d: %w", run.ServiceSpec.ID, err))
	}
	if run.ServiceSpec.QCSpecificationID == nil {
		return nil, nil, qcerrors.NewInternal(fmt.Errorf("manybody spec %d has no qc spec", run.ServiceSpec.ID))
	}
	spec, err := run.Submitter.LoadQCSpec(ctx, *run.ServiceSpec.QCSpecificationID)
	if err != nil {
		return nil, nil, err
	}
	return spec, &kw, nil
}

func (d *ManybodyDriver) Initialize(ctx context.Context, run *Run) error {
	spec, kw, err := d.spec(ctx, run)
	if err != nil {
		return err
	}
	if len(run.InitialMoleculeIDs) != 1 {
		return qcerrors.NewInternal(
			fmt.Errorf("manybody %d expects one molecule, found %d", run.Record.ID, len(run.InitialMoleculeIDs)))
	}
	parent, err := run.Submitter.GetMoleculeValue(ctx, run.InitialMoleculeIDs[0])
	if err != nil {
		return err
	}
	if len(parent.Fragments) < 2 {
		return qcerrors.NewInternal(
			fmt.Errorf("manybody %d molecule has %d fragments, need at least 2", run.Record.ID, len(parent.Fragments)))
	}

	maxNbody := kw.MaxNbody
	if maxNbody == 0 || maxNbody > len(parent.Fragments) {
		maxNbody = len(parent.Fragments)
	}
	counterpoise := kw.BSSECorrection == models.BSSECP

	state := &mbState{
		MaxNbody:     maxNbody,
		Pending:      map[string]int64{},
		Singlepoints: map[string]int64{},
		Energies:     map[string]float64{},
	}
	for _, subset := range mbSubsets(len(parent.Fragments), maxNbody) {
		mol := mbFragmentMolecule(parent, subset, counterpoise)
		molID, err := run.Submitter.UpsertMolecule(ctx, mol)
		if err != nil {
			return err
		}
		childID, err := run.SpawnSinglepoint(ctx, spec, molID)
		if err != nil {
			return err
		}
		key := mbKey(subset)
		state.Pending[key] = childID
		state.Singlepoints[key] = childID
	}
	run.Logf("manybody: %d fragments, expansion to %d-body, %d singlepoints (bsse %s)",
		len(parent.Fragments), maxNbody, len(state.Pending), kw.BSSECorrection)
	return run.SetState(state)
}

// mbDelta computes the inclusion-exclusion increment of one subset: its
// energy minus the increments of every proper non-empty sub-subset.
func mbDelta(subset []int, energies map[string]float64, memo map[string]float64) float64 {
	key := mbKey(subset)
	if v, ok := memo[key]; ok {
		return v
	}
	delta := energies[key]
	for _, sub := range mbSubsets(len(subset), len(subset)-1) {
		// sub holds positions into subset, not fragment indices.
		inner := make([]int, len(sub))
		for i, pos := range sub {
			inner[i] = subset[pos]
		}
		delta -= mbDelta(inner, energies, memo)
	}
	memo[key] = delta
	return delta
}

func (d *ManybodyDriver) Iterate(ctx context.Context, run *Run) (bool, error) {
	_, kw, err := d.spec(ctx, run)
	if err != nil {
		return false, err
	}
	var state mbState
	if err := run.LoadState(&state); err != nil {
		return false, err
	}

	for key, childID := range state.Pending {
		child, err := run.child(childID)
		if err != nil {
			return false, err
		}
		if child.Energy == nil {
			return false, qcerrors.NewInternal(fmt.Errorf("singlepoint %d completed without an energy", childID))
		}
		state.Energies[key] = *child.Energy
	}
	state.Pending = map[string]int64{}

	// Per-level totals by inclusion-exclusion over the subset energies.
	memo := map[string]float64{}
	nbodyEnergies := map[string]float64{}
	total := 0.0
	for key := range state.Energies {
		subset, err := mbParseKey(key)
		if err != nil {
			return false, qcerrors.NewInternal(err)
		}
		delta := mbDelta(subset, state.Energies, memo)
		level := strconv.Itoa(len(subset))
		nbodyEnergies[level] += delta
		total += delta
	}
	interaction := total - nbodyEnergies["1"]

	results := map[string]interface{}{
		"bsse_correction":    kw.BSSECorrection,
		"max_nbody":          state.MaxNbody,
		"singlepoints":       state.Singlepoints,
		"energies":           state.Energies,
		"nbody_energies":     nbodyEnergies,
		"total_energy":       total,
		"interaction_energy": interaction,
	}
	if err := run.Finalizer.FinalizeManybody(ctx, run.Record.ID, results); err != nil {
		return false, err
	}
	levels := make([]string, 0, len(nbodyEnergies))
	for level := range nbodyEnergies {
		levels = append(levels, level)
	}
	sort.Strings(levels)
	for _, level := range levels {
		run.Logf("manybody: %s-body contribution %.8f", level, nbodyEnergies[level])
	}
	run.Logf("manybody: complete, interaction energy %.8f", interaction)
	return true, nil
}
