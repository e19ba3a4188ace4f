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

// GridoptimizationDriver scans explicit step values over one or more internal
// coordinates. Keys are step-index combinations ("1,0" = second step of the
// first dimension, first of the second); the scan starts at the combination
// nearest the starting geometry and marches one index per dimension outward,
// seeding each constrained optimization from its finished neighbor.
type GridoptimizationDriver struct{}

func (d *GridoptimizationDriver) RecordType() models.RecordType {
	return models.RecordGridoptimization
}

func (d *GridoptimizationDriver) ToleratesChildErrors() bool { return false }

const goPreoptKey = "preoptimization"

type goPoint struct {
	OptimizationID  int64    `json:"optimization_id,omitempty"`
	Energy          *float64 `json:"energy,omitempty"`
	FinalMoleculeID int64    `json:"final_molecule_id,omitempty"`
}

type goState struct {
	// PreoptID holds the unconstrained preoptimization child while it runs;
	// PreoptDone records its id for the final summary.
	PreoptID   *int64 `json:"preopt_id,omitempty"`
	PreoptDone *int64 `json:"preopt_done,omitempty"`
	// Baseline is the measured value of each scanned coordinate at the
	// (possibly preoptimized) starting geometry; relative steps offset it.
	Baseline []float64           `json:"baseline"`
	Points   map[string]*goPoint `json:"points"`
	Pending  map[string]int64    `json:"pending"`
}

func goKey(indices []int) string {
	parts := make([]string, len(indices))
	for i, v := range indices {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func goParseKey(key string) ([]int, error) {
	parts := strings.Split(key, ",")
	indices := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("bad grid key %q: %w", key, err)
		}
		indices[i] = v
	}
	return indices, nil
}

// goAllKeys enumerates every step-index combination.
func goAllKeys(scans []models.ScanDimension) []string {
	keys := []string{""}
	for _, scan := range scans {
		var next []string
		for _, prefix := range keys {
			for i := range scan.Steps {
				if prefix == "" {
					next = append(next, strconv.Itoa(i))
				} else {
					next = append(next, prefix+","+strconv.Itoa(i))
				}
			}
		}
		keys = next
	}
	return keys
}

// goMeasure reads the current value of one scanned coordinate.
func goMeasure(mol *models.Molecule, scan *models.ScanDimension) float64 {
	idx := scan.Indices
	switch scan.Type {
	case models.ScanDistance:
		return Distance(mol, idx[0], idx[1])
	case models.ScanAngle:
		return Angle(mol, idx[0], idx[1], idx[2])
	default:
		return Dihedral(mol, idx[0], idx[1], idx[2], idx[3])
	}
}

// goTarget resolves the constrained value for one dimension at a step index.
func goTarget(scan *models.ScanDimension, baseline float64, step int) float64 {
	value := scan.Steps[step]
	if scan.StepType == models.StepRelative {
		value += baseline
	}
	if scan.Type == models.ScanDihedral {
		value = wrapAngle(value)
	}
	return value
}

func goConstraints(scans []models.ScanDimension, baseline []float64, indices []int) []constraint {
	entries := make([]constraint, len(scans))
	for i := range scans {
		entries[i] = constraint{
			Type:    scans[i].Type,
			Indices: scans[i].Indices,
			Value:   goTarget(&scans[i], baseline[i], indices[i]),
		}
	}
	return entries
}

// goStart picks the step index closest to the starting geometry in each
// dimension: for relative steps the offset nearest zero, for absolute steps
// the value nearest the measured coordinate.
func goStart(scans []models.ScanDimension, baseline []float64) []int {
	start := make([]int, len(scans))
	for dim := range scans {
		target := baseline[dim]
		if scans[dim].StepType == models.StepRelative {
			target = 0
		}
		best := 0
		for i, step := range scans[dim].Steps {
			if abs(step-target) < abs(scans[dim].Steps[best]-target) {
				best = i
			}
		}
		start[dim] = best
	}
	return start
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func goNeighbors(indices []int, scans []models.ScanDimension) []string {
	var out []string
	for dim := range scans {
		for _, delta := range []int{-1, 1} {
			next := indices[dim] + delta
			if next < 0 || next >= len(scans[dim].Steps) {
				continue
			}
			neighbor := append([]int(nil), indices...)
			neighbor[dim] = next
			out = append(out, goKey(neighbor))
		}
	}
	return out
}

func (d *GridoptimizationDriver) spec(ctx context.Context, run *Run) (*models.OptimizationSpecification, *models.GridoptimizationKeywords, error) {
	var kw models.GridoptimizationKeywords
	if err := specKeywords(run.ServiceSpec, &kw); err != nil {
		return nil, nil, err
	}
	if run.ServiceSpec.OptimizationSpecificationID == nil {
		return nil, nil, qcerrors.NewInternal(fmt.Errorf("gridoptimization spec %d has no optimization spec", run.ServiceSpec.ID))
	}
	spec, err := run.Submitter.LoadOptimizationSpec(ctx, *run.ServiceSpec.OptimizationSpecificationID)
	if err != nil {
		return nil, nil, err
	}
	return spec, &kw, nil
}

func (d *GridoptimizationDriver) startingMolecule(run *Run) (int64, error) {
	if len(run.InitialMoleculeIDs) != 1 {
		return 0, qcerrors.NewInternal(
			fmt.Errorf("gridoptimization %d expects one starting molecule, found %d", run.Record.ID, len(run.InitialMoleculeIDs)))
	}
	return run.InitialMoleculeIDs[0], nil
}

// beginScan measures the baseline at the starting geometry and spawns the
// nearest grid point's constrained optimization.
func (d *GridoptimizationDriver) beginScan(ctx context.Context, run *Run, state *goState,
	spec *models.OptimizationSpecification, kw *models.GridoptimizationKeywords, molID int64) error {
	mol, err := run.Submitter.GetMoleculeValue(ctx, molID)
	if err != nil {
		return err
	}
	state.Baseline = make([]float64, len(kw.Scans))
	for i := range kw.Scans {
		state.Baseline[i] = goMeasure(mol, &kw.Scans[i])
	}
	start := goStart(kw.Scans, state.Baseline)
	key := goKey(start)
	id, err := run.SpawnOptimization(ctx, spec, molID, constraintsJSON(goConstraints(kw.Scans, state.Baseline, start)))
	if err != nil {
		return err
	}
	state.Pending[key] = id
	run.Logf("gridoptimization: starting scan at grid point (%s), %d points total", key, len(state.Points))
	return nil
}

func (d *GridoptimizationDriver) Initialize(ctx context.Context, run *Run) error {
	spec, kw, err := d.spec(ctx, run)
	if err != nil {
		return err
	}
	molID, err := d.startingMolecule(run)
	if err != nil {
		return err
	}
	state := &goState{Points: map[string]*goPoint{}, Pending: map[string]int64{}}
	for _, key := range goAllKeys(kw.Scans) {
		state.Points[key] = &goPoint{}
	}

	if kw.Preoptimization {
		id, err := run.SpawnOptimization(ctx, spec, molID, nil)
		if err != nil {
			return err
		}
		state.PreoptID = &id
		run.Logf("gridoptimization: preoptimizing starting molecule %d", molID)
	} else if err := d.beginScan(ctx, run, state, spec, kw, molID); err != nil {
		return err
	}
	return run.SetState(state)
}

func (d *GridoptimizationDriver) Iterate(ctx context.Context, run *Run) (bool, error) {
	spec, kw, err := d.spec(ctx, run)
	if err != nil {
		return false, err
	}
	var state goState
	if err := run.LoadState(&state); err != nil {
		return false, err
	}

	if state.PreoptID != nil {
		child, err := run.child(*state.PreoptID)
		if err != nil {
			return false, err
		}
		if child.FinalMoleculeID == nil {
			return false, qcerrors.NewInternal(
				fmt.Errorf("preoptimization %d completed without a final geometry", child.RecordID))
		}
		state.PreoptDone = state.PreoptID
		state.PreoptID = nil
		run.Logf("gridoptimization: preoptimization finished, scanning from molecule %d", *child.FinalMoleculeID)
		if err := d.beginScan(ctx, run, &state, spec, kw, *child.FinalMoleculeID); err != nil {
			return false, err
		}
		if err := run.SetState(&state); err != nil {
			return false, err
		}
		return false, nil
	}

	var finished []string
	for key, childID := range state.Pending {
		child, err := run.child(childID)
		if err != nil {
			return false, err
		}
		if child.Energy == nil || child.FinalMoleculeID == nil {
			return false, qcerrors.NewInternal(
				fmt.Errorf("optimization %d completed without energy or geometry", childID))
		}
		point := state.Points[key]
		point.OptimizationID = childID
		point.Energy = child.Energy
		point.FinalMoleculeID = *child.FinalMoleculeID
		delete(state.Pending, key)
		finished = append(finished, key)
		run.Logf("gridoptimization: grid point (%s) converged at %.8f", key, *child.Energy)
	}
	sort.Strings(finished)

	for _, key := range finished {
		indices, err := goParseKey(key)
		if err != nil {
			return false, qcerrors.NewInternal(err)
		}
		seed := state.Points[key].FinalMoleculeID
		for _, nk := range goNeighbors(indices, kw.Scans) {
			if state.Points[nk].Energy != nil {
				continue
			}
			if _, busy := state.Pending[nk]; busy {
				continue
			}
			nIndices, err := goParseKey(nk)
			if err != nil {
				return false, qcerrors.NewInternal(err)
			}
			id, err := run.SpawnOptimization(ctx, spec, seed,
				constraintsJSON(goConstraints(kw.Scans, state.Baseline, nIndices)))
			if err != nil {
				return false, err
			}
			state.Pending[nk] = id
			run.Logf("gridoptimization: spawned grid point (%s) seeded from (%s)", nk, key)
		}
	}

	remaining := 0
	for _, point := range state.Points {
		if point.Energy == nil {
			remaining++
		}
	}
	if len(state.Pending) == 0 && remaining > 0 {
		return false, qcerrors.NewInternal(
			fmt.Errorf("gridoptimization stalled with %d unvisited grid points", remaining))
	}
	if err := run.SetState(&state); err != nil {
		return false, err
	}
	if remaining > 0 || len(state.Pending) > 0 {
		run.Logf("gridoptimization: %d grid points remaining, %d in flight", remaining, len(state.Pending))
		return false, nil
	}

	optimizations := make(map[string]int64, len(state.Points)+1)
	energies := make(map[string]float64, len(state.Points))
	for key, point := range state.Points {
		optimizations[key] = point.OptimizationID
		energies[key] = *point.Energy
	}
	if state.PreoptDone != nil {
		optimizations[goPreoptKey] = *state.PreoptDone
	}
	if err := run.Finalizer.FinalizeGridoptimization(ctx, run.Record.ID, optimizations, energies); err != nil {
		return false, err
	}
	run.Logf("gridoptimization: complete, %d grid points", len(state.Points))
	return true, nil
}
