/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	qcerrors "github.com/MolSSI/QCFractal-sub000/pkg/errors"
	"github.com/MolSSI/QCFractal-sub000/pkg/models"
)

// NEBDriver relaxes a chain of images toward the minimum-energy path with a
// nudged elastic band. Every iteration evaluates gradients on the movable
// images, takes one steepest-descent step along the projected band force,
// and converges when the largest perpendicular force falls under the
// threshold. The endpoints never move; their energies come from the first
// iteration.
type NEBDriver struct{}

func (d *NEBDriver) RecordType() models.RecordType { return models.RecordNEB }

func (d *NEBDriver) ToleratesChildErrors() bool { return false }

type nebState struct {
	// Chain holds the current molecule id of every image, endpoints included.
	Chain []int64 `json:"chain"`
	// Energies carries the last evaluated energy per image; endpoint entries
	// are filled once in iteration one and kept.
	Energies  []float64 `json:"energies"`
	Iteration int       `json:"iteration"`
	// Pending maps image index to the in-flight gradient singlepoint.
	Pending map[int]int64 `json:"pending"`
}

type nebImage struct {
	mol      *models.Molecule
	energy   float64
	gradient []float64
}

func (d *NEBDriver) spec(ctx context.Context, run *Run) (*models.QCSpecification, *models.NEBKeywords, error) {
	var kw models.NEBKeywords
	if err := specKeywords(run.ServiceSpec, &kw); err != nil {
		return nil, nil, err
	}
	if err := kw.Validate(); err != nil {
		return nil, nil, qcerrors.NewInternal(fmt.Errorf("service specification %d: %w", run.ServiceSpec.ID, err))
	}
	if run.ServiceSpec.QCSpecificationID == nil {
		return nil, nil, qcerrors.NewInternal(fmt.Errorf("neb spec %d has no qc spec", run.ServiceSpec.ID))
	}
	spec, err := run.Submitter.LoadQCSpec(ctx, *run.ServiceSpec.QCSpecificationID)
	if err != nil {
		return nil, nil, err
	}
	return spec, &kw, nil
}

func (d *NEBDriver) Initialize(ctx context.Context, run *Run) error {
	spec, _, err := d.spec(ctx, run)
	if err != nil {
		return err
	}
	if len(run.InitialMoleculeIDs) < 3 {
		return qcerrors.NewInternal(
			fmt.Errorf("neb %d needs at least 3 images, found %d", run.Record.ID, len(run.InitialMoleculeIDs)))
	}
	state := &nebState{
		Chain:     append([]int64(nil), run.InitialMoleculeIDs...),
		Energies:  make([]float64, len(run.InitialMoleculeIDs)),
		Iteration: 1,
		Pending:   map[int]int64{},
	}
	// The first pass covers the endpoints too, so their energies are known.
	for i, molID := range state.Chain {
		id, err := run.SpawnSinglepoint(ctx, spec, molID)
		if err != nil {
			return err
		}
		state.Pending[i] = id
	}
	run.Logf("neb: iteration 1, evaluating gradients on all %d images", len(state.Chain))
	return run.SetState(state)
}

// nebGradient decodes a gradient return_result, a flat 3N array.
func nebGradient(raw json.RawMessage, atoms int) ([]float64, error) {
	var grad []float64
	if err := json.Unmarshal(raw, &grad); err != nil {
		return nil, fmt.Errorf("gradient unreadable: %w", err)
	}
	if len(grad) != 3*atoms {
		return nil, fmt.Errorf("gradient has %d components, want %d", len(grad), 3*atoms)
	}
	return grad, nil
}

func nebDisplacement(a, b *models.Molecule) []float64 {
	out := make([]float64, len(a.Geometry))
	for i := range out {
		out[i] = b.Geometry[i] - a.Geometry[i]
	}
	return out
}

func nebNorm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

func nebDot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// nebForces computes the perpendicular true force and the band force for one
// movable image using the central tangent.
func nebForces(prev, cur, next *nebImage, springConstant float64) (perp, band []float64) {
	tangent := nebDisplacement(prev.mol, next.mol)
	if n := nebNorm(tangent); n > 0 {
		for i := range tangent {
			tangent[i] /= n
		}
	}
	perp = make([]float64, len(cur.gradient))
	for i := range perp {
		perp[i] = -cur.gradient[i]
	}
	along := nebDot(perp, tangent)
	for i := range perp {
		perp[i] -= along * tangent[i]
	}
	spring := springConstant * (nebNorm(nebDisplacement(cur.mol, next.mol)) - nebNorm(nebDisplacement(prev.mol, cur.mol)))
	band = make([]float64, len(perp))
	for i := range band {
		band[i] = perp[i] + spring*tangent[i]
	}
	return perp, band
}

func (d *NEBDriver) Iterate(ctx context.Context, run *Run) (bool, error) {
	spec, kw, err := d.spec(ctx, run)
	if err != nil {
		return false, err
	}
	var state nebState
	if err := run.LoadState(&state); err != nil {
		return false, err
	}

	// Absorb the finished gradients.
	images := make([]*nebImage, len(state.Chain))
	for i, molID := range state.Chain {
		mol, err := run.Submitter.GetMoleculeValue(ctx, molID)
		if err != nil {
			return false, err
		}
		images[i] = &nebImage{mol: mol, energy: state.Energies[i]}
	}
	for i, childID := range state.Pending {
		child, err := run.child(childID)
		if err != nil {
			return false, err
		}
		if child.Energy == nil {
			return false, qcerrors.NewInternal(fmt.Errorf("singlepoint %d completed without an energy", childID))
		}
		images[i].energy = *child.Energy
		state.Energies[i] = *child.Energy
		grad, err := nebGradient(child.ReturnResult, len(images[i].mol.Symbols))
		if err != nil {
			return false, qcerrors.NewInternal(fmt.Errorf("singlepoint %d: %w", childID, err))
		}
		images[i].gradient = grad
	}
	state.Pending = map[int]int64{}

	// Projected-force step on the movable images.
	maxPerp := 0.0
	steps := make([][]float64, len(images))
	for i := 1; i < len(images)-1; i++ {
		perp, band := nebForces(images[i-1], images[i], images[i+1], kw.SpringConstant)
		if n := nebNorm(perp); n > maxPerp {
			maxPerp = n
		}
		steps[i] = band
	}
	run.Logf("neb: iteration %d, max perpendicular force %.6f (threshold %.6f)",
		state.Iteration, maxPerp, kw.MaximumForce)

	if maxPerp < kw.MaximumForce {
		tsIndex := 0
		for i := range state.Energies {
			if state.Energies[i] > state.Energies[tsIndex] {
				tsIndex = i
			}
		}
		if err := run.Finalizer.FinalizeNEB(ctx, run.Record.ID,
			state.Chain[tsIndex], state.Energies[tsIndex], state.Iteration); err != nil {
			return false, err
		}
		run.Logf("neb: converged after %d iterations, transition state image %d at %.8f",
			state.Iteration, tsIndex, state.Energies[tsIndex])
		return true, nil
	}
	if state.Iteration >= kw.MaximumIterations {
		return false, qcerrors.NewInternal(
			fmt.Errorf("neb did not converge in %d iterations (max perpendicular force %.6f)",
				kw.MaximumIterations, maxPerp))
	}

	// Move each interior image and evaluate the displaced geometries.
	state.Iteration++
	for i := 1; i < len(images)-1; i++ {
		moved := *images[i].mol
		moved.Geometry = append([]float64(nil), images[i].mol.Geometry...)
		for j := range moved.Geometry {
			moved.Geometry[j] += kw.StepSize * steps[i][j]
		}
		molID, err := run.Submitter.UpsertMolecule(ctx, &moved)
		if err != nil {
			return false, err
		}
		state.Chain[i] = molID
		childID, err := run.SpawnSinglepoint(ctx, spec, molID)
		if err != nil {
			return false, err
		}
		state.Pending[i] = childID
	}
	run.Logf("neb: iteration %d, displaced %d images", state.Iteration, len(images)-2)
	return false, run.SetState(&state)
}
