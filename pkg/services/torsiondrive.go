/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	qcerrors "github.com/MolSSI/QCFractal-sub000/pkg/errors"
	"github.com/MolSSI/QCFractal-sub000/pkg/models"
)

// TorsiondriveDriver scans dihedral grids. Each grid point holds the lowest
// energy seen among the constrained optimizations run there; the scan
// marches outward from the starting geometry's nearest grid point, seeding
// every new point from its finished neighbor's geometry.
type TorsiondriveDriver struct{}

func (d *TorsiondriveDriver) RecordType() models.RecordType { return models.RecordTorsiondrive }

func (d *TorsiondriveDriver) ToleratesChildErrors() bool { return false }

// tdPoint is the per-grid-point state.
type tdPoint struct {
	Optimizations  []int64  `json:"optimizations,omitempty"`
	BestEnergy     *float64 `json:"best_energy,omitempty"`
	BestMoleculeID int64    `json:"best_molecule_id,omitempty"`
}

// tdState is the whole scan state: every grid point plus the in-flight
// optimizations keyed by their grid point.
type tdState struct {
	Points  map[string]*tdPoint `json:"points"`
	Pending map[string]int64    `json:"pending"`
}

// gridAxis lists every multiple of the spacing in [-180, 180] inclusive;
// both endpoints appear for spacings that divide 360.
func gridAxis(spacing int) []int {
	var axis []int
	for a := -180; a <= 180; a += spacing {
		axis = append(axis, a)
	}
	return axis
}

// gridKeys enumerates the cartesian product of the per-dihedral axes.
func gridKeys(kw *models.TorsiondriveKeywords) []string {
	keys := []string{""}
	for _, spacing := range kw.GridSpacing {
		var next []string
		for _, prefix := range keys {
			for _, a := range gridAxis(spacing) {
				if prefix == "" {
					next = append(next, strconv.Itoa(a))
				} else {
					next = append(next, prefix+","+strconv.Itoa(a))
				}
			}
		}
		keys = next
	}
	return keys
}

func tdKey(angles []int) string {
	parts := make([]string, len(angles))
	for i, a := range angles {
		parts[i] = strconv.Itoa(a)
	}
	return strings.Join(parts, ",")
}

func tdParseKey(key string) ([]int, error) {
	parts := strings.Split(key, ",")
	angles := make([]int, len(parts))
	for i, p := range parts {
		a, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("bad grid key %q: %w", key, err)
		}
		angles[i] = a
	}
	return angles, nil
}

// roundToGrid snaps a measured angle to the nearest multiple of the spacing
// inside [-180, 180].
func roundToGrid(angle float64, spacing int) int {
	snapped := int(math.Round(angle/float64(spacing))) * spacing
	if snapped > 180 {
		snapped = 180
	}
	if snapped < -180 {
		snapped = -180
	}
	return snapped
}

// tdNeighbors lists keys one spacing step away along a single dimension,
// without wrapping past the endpoints.
func tdNeighbors(angles []int, kw *models.TorsiondriveKeywords) []string {
	var out []string
	for dim, spacing := range kw.GridSpacing {
		for _, delta := range []int{-spacing, spacing} {
			next := angles[dim] + delta
			if next < -180 || next > 180 {
				continue
			}
			neighbor := append([]int(nil), angles...)
			neighbor[dim] = next
			out = append(out, tdKey(neighbor))
		}
	}
	return out
}

func tdConstraints(kw *models.TorsiondriveKeywords, angles []int) []constraint {
	entries := make([]constraint, len(kw.Dihedrals))
	for i, dihedral := range kw.Dihedrals {
		entries[i] = constraint{
			Type:    "dihedral",
			Indices: dihedral[:],
			Value:   float64(angles[i]),
		}
	}
	return entries
}

func (d *TorsiondriveDriver) spec(ctx context.Context, run *Run) (*models.OptimizationSpecification, *models.TorsiondriveKeywords, error) {
	var kw models.TorsiondriveKeywords
	if err := specKeywords(run.ServiceSpec, &kw); err != nil {
		return nil, nil, err
	}
	if run.ServiceSpec.OptimizationSpecificationID == nil {
		return nil, nil, qcerrors.NewInternal(fmt.Errorf("torsiondrive spec %d has no optimization spec", run.ServiceSpec.ID))
	}
	spec, err := run.Submitter.LoadOptimizationSpec(ctx, *run.ServiceSpec.OptimizationSpecificationID)
	if err != nil {
		return nil, nil, err
	}
	return spec, &kw, nil
}

func (d *TorsiondriveDriver) Initialize(ctx context.Context, run *Run) error {
	spec, kw, err := d.spec(ctx, run)
	if err != nil {
		return err
	}
	state := &tdState{Points: map[string]*tdPoint{}, Pending: map[string]int64{}}
	for _, key := range gridKeys(kw) {
		state.Points[key] = &tdPoint{}
	}

	for _, molID := range run.InitialMoleculeIDs {
		mol, err := run.Submitter.GetMoleculeValue(ctx, molID)
		if err != nil {
			return err
		}
		angles := make([]int, len(kw.Dihedrals))
		for i, dihedral := range kw.Dihedrals {
			measured := Dihedral(mol, dihedral[0], dihedral[1], dihedral[2], dihedral[3])
			angles[i] = roundToGrid(measured, kw.GridSpacing[i])
		}
		key := tdKey(angles)
		if _, busy := state.Pending[key]; busy {
			continue
		}
		id, err := run.SpawnOptimization(ctx, spec, molID, constraintsJSON(tdConstraints(kw, angles)))
		if err != nil {
			return err
		}
		state.Pending[key] = id
		run.Logf("torsiondrive: starting optimization at grid point (%s) from molecule %d", key, molID)
	}
	run.Logf("torsiondrive: %d grid points, %d initial optimizations", len(state.Points), len(state.Pending))
	return run.SetState(state)
}

func (d *TorsiondriveDriver) Iterate(ctx context.Context, run *Run) (bool, error) {
	spec, kw, err := d.spec(ctx, run)
	if err != nil {
		return false, err
	}
	var state tdState
	if err := run.LoadState(&state); err != nil {
		return false, err
	}

	// Absorb finished points.
	var finished []string
	for key, childID := range state.Pending {
		child, err := run.child(childID)
		if err != nil {
			return false, err
		}
		point := state.Points[key]
		point.Optimizations = append(point.Optimizations, childID)
		if child.Energy == nil || child.FinalMoleculeID == nil {
			return false, qcerrors.NewInternal(
				fmt.Errorf("optimization %d completed without energy or geometry", childID))
		}
		if point.BestEnergy == nil || *child.Energy < *point.BestEnergy {
			point.BestEnergy = child.Energy
			point.BestMoleculeID = *child.FinalMoleculeID
		}
		delete(state.Pending, key)
		finished = append(finished, key)
		run.Logf("torsiondrive: grid point (%s) converged at %.8f", key, *child.Energy)
	}
	sort.Strings(finished)

	// Spread to unvisited neighbors, seeded from the finished geometry.
	for _, key := range finished {
		angles, err := tdParseKey(key)
		if err != nil {
			return false, qcerrors.NewInternal(err)
		}
		seed := state.Points[key].BestMoleculeID
		for _, nk := range tdNeighbors(angles, kw) {
			if state.Points[nk].BestEnergy != nil {
				continue
			}
			if _, busy := state.Pending[nk]; busy {
				continue
			}
			nAngles, err := tdParseKey(nk)
			if err != nil {
				return false, qcerrors.NewInternal(err)
			}
			id, err := run.SpawnOptimization(ctx, spec, seed, constraintsJSON(tdConstraints(kw, nAngles)))
			if err != nil {
				return false, err
			}
			state.Pending[nk] = id
			run.Logf("torsiondrive: spawned optimization at grid point (%s) seeded from (%s)", nk, key)
		}
	}

	remaining := 0
	for _, point := range state.Points {
		if point.BestEnergy == nil {
			remaining++
		}
	}
	if len(state.Pending) == 0 && remaining > 0 {
		return false, qcerrors.NewInternal(
			fmt.Errorf("torsiondrive stalled with %d unvisited grid points", remaining))
	}
	if err := run.SetState(&state); err != nil {
		return false, err
	}
	if remaining > 0 || len(state.Pending) > 0 {
		run.Logf("torsiondrive: %d grid points remaining, %d in flight", remaining, len(state.Pending))
		return false, nil
	}

	optimizations := make(map[string][]int64, len(state.Points))
	minimums := make(map[string]float64, len(state.Points))
	for key, point := range state.Points {
		optimizations[key] = point.Optimizations
		minimums[key] = *point.BestEnergy
	}
	if err := run.Finalizer.FinalizeTorsiondrive(ctx, run.Record.ID, optimizations, minimums); err != nil {
		return false, err
	}
	run.Logf("torsiondrive: complete, %d grid points", len(state.Points))
	return true, nil
}
