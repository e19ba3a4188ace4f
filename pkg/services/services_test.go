/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MolSSI/QCFractal-sub000/pkg/database/model"
	"github.com/MolSSI/QCFractal-sub000/pkg/jsonutil"
	"github.com/MolSSI/QCFractal-sub000/pkg/models"
)

// spawnedChild captures one Spawn* call made by a driver.
type spawnedChild struct {
	moleculeID  int64
	constraints json.RawMessage
	optimize    bool
}

// fakeStore implements Submitter and Finalizer in memory.
type fakeStore struct {
	nextMolID   int64
	nextChildID int64
	molecules   map[int64]*models.Molecule
	qcSpec      *models.QCSpecification
	optSpec     *models.OptimizationSpecification
	spawned     map[int64]*spawnedChild

	tdOptimizations map[string][]int64
	tdMinimums      map[string]float64
	goOptimizations map[string]int64
	goEnergies      map[string]float64
	nebTSMolecule   int64
	nebTSEnergy     float64
	nebIterations   int
	mbResults       map[string]interface{}
	rxTotal         float64
	rxSinglepoints  map[int64]int64
	finalized       bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nextMolID:   1000,
		nextChildID: 100,
		molecules:   map[int64]*models.Molecule{},
		spawned:     map[int64]*spawnedChild{},
		qcSpec:      &models.QCSpecification{Program: "psi4", Driver: models.DriverGradient, Method: "hf", Basis: "sto-3g"},
		optSpec: &models.OptimizationSpecification{
			Program:         "geometric",
			QCSpecification: models.QCSpecification{Program: "psi4", Driver: models.DriverGradient, Method: "hf", Basis: "sto-3g"},
		},
	}
}

func (f *fakeStore) addMolecule(mol *models.Molecule) int64 {
	f.nextMolID++
	f.molecules[f.nextMolID] = mol
	return f.nextMolID
}

func (f *fakeStore) UpsertMolecule(_ context.Context, mol *models.Molecule) (int64, error) {
	return f.addMolecule(mol), nil
}

func (f *fakeStore) GetMoleculeValue(_ context.Context, id int64) (*models.Molecule, error) {
	return f.molecules[id], nil
}

func (f *fakeStore) LoadQCSpec(_ context.Context, _ int64) (*models.QCSpecification, error) {
	return f.qcSpec, nil
}

func (f *fakeStore) LoadOptimizationSpec(_ context.Context, _ int64) (*models.OptimizationSpecification, error) {
	return f.optSpec, nil
}

func (f *fakeStore) SpawnOptimization(_ context.Context, _ int64, _ *models.OptimizationSpecification,
	moleculeID int64, constraints json.RawMessage, _ string, _ models.Priority, _ string, _ int) (int64, error) {
	f.nextChildID++
	f.spawned[f.nextChildID] = &spawnedChild{moleculeID: moleculeID, constraints: constraints, optimize: true}
	return f.nextChildID, nil
}

func (f *fakeStore) SpawnSinglepoint(_ context.Context, _ int64, _ *models.QCSpecification,
	moleculeID int64, _ string, _ models.Priority, _ string, _ int) (int64, error) {
	f.nextChildID++
	f.spawned[f.nextChildID] = &spawnedChild{moleculeID: moleculeID}
	return f.nextChildID, nil
}

func (f *fakeStore) FinalizeTorsiondrive(_ context.Context, _ int64, optimizations map[string][]int64, minimums map[string]float64) error {
	f.finalized = true
	f.tdOptimizations = optimizations
	f.tdMinimums = minimums
	return nil
}

func (f *fakeStore) FinalizeGridoptimization(_ context.Context, _ int64, optimizations map[string]int64, energies map[string]float64) error {
	f.finalized = true
	f.goOptimizations = optimizations
	f.goEnergies = energies
	return nil
}

func (f *fakeStore) FinalizeNEB(_ context.Context, _ int64, tsMoleculeID int64, tsEnergy float64, iterations int) error {
	f.finalized = true
	f.nebTSMolecule = tsMoleculeID
	f.nebTSEnergy = tsEnergy
	f.nebIterations = iterations
	return nil
}

func (f *fakeStore) FinalizeManybody(_ context.Context, _ int64, results interface{}) error {
	f.finalized = true
	f.mbResults = results.(map[string]interface{})
	return nil
}

func (f *fakeStore) FinalizeReaction(_ context.Context, _ int64, totalEnergy float64, singlepoints map[int64]int64) error {
	f.finalized = true
	f.rxTotal = totalEnergy
	f.rxSinglepoints = singlepoints
	return nil
}

// harness drives a service the way the runner does: carry state between
// iterations, deliver outcomes for the pending children.
type harness struct {
	t      *testing.T
	driver Driver
	fake   *fakeStore
	rec    *model.Record
	spec   *model.ServiceSpecification

	state   json.RawMessage
	pending []int64
	basePos int

	molecules     []int64
	stoichiometry []*model.ReactionComponent
}

func newHarness(t *testing.T, driver Driver, fake *fakeStore, keywords interface{}) *harness {
	qcID, optID := int64(1), int64(2)
	return &harness{
		t:      t,
		driver: driver,
		fake:   fake,
		rec:    &model.Record{ID: 1, Tag: "svc", Priority: 1},
		spec: &model.ServiceSpecification{
			ID:                          5,
			Keywords:                    jsonutil.MarshalSilently(keywords),
			QCSpecificationID:           &qcID,
			OptimizationSpecificationID: &optID,
		},
	}
}

func (h *harness) newRun() *Run {
	run := NewRun(h.rec, h.basePos)
	run.ServiceSpec = h.spec
	run.InitialMoleculeIDs = h.molecules
	run.Stoichiometry = h.stoichiometry
	run.State = h.state
	run.Submitter = h.fake
	run.Finalizer = h.fake
	return run
}

func (h *harness) absorb(run *Run) {
	if len(run.NewState) > 0 {
		h.state = run.NewState
	}
	h.pending = run.Pending
	h.basePos += len(run.Pending)
}

func (h *harness) initialize() {
	run := h.newRun()
	require.NoError(h.t, h.driver.Initialize(context.Background(), run))
	h.absorb(run)
}

// iterate delivers the given outcomes for the pending children and advances
// one iteration.
func (h *harness) iterate(outcomes map[int64]*Child) (bool, error) {
	run := h.newRun()
	run.Children = outcomes
	done, err := h.driver.Iterate(context.Background(), run)
	if err == nil {
		h.absorb(run)
	}
	return done, err
}

func completedOptimization(id int64, energy float64, finalMolID int64) *Child {
	return &Child{
		RecordID:        id,
		Status:          models.StatusComplete,
		Energy:          &energy,
		FinalMoleculeID: &finalMolID,
	}
}

func completedSinglepoint(id int64, energy float64) *Child {
	return &Child{RecordID: id, Status: models.StatusComplete, Energy: &energy}
}

func constraintValues(t *testing.T, raw json.RawMessage) []float64 {
	t.Helper()
	var envelope struct {
		Set []struct {
			Type    string  `json:"type"`
			Indices []int   `json:"indices"`
			Value   float64 `json:"value"`
		} `json:"set"`
	}
	require.NoError(t, json.Unmarshal(raw, &envelope))
	values := make([]float64, len(envelope.Set))
	for i, entry := range envelope.Set {
		values[i] = entry.Value
	}
	return values
}

// twistedButane is four atoms with a ~10 degree 0-1-2-3 torsion.
func twistedButane() *models.Molecule {
	return &models.Molecule{
		Symbols: []string{"C", "C", "C", "C"},
		Geometry: []float64{
			0, 1, 0,
			0, 0, 0,
			1, 0, 0,
			1, 0.9848, 0.1736,
		},
	}
}

func TestTorsiondriveMarchesAcrossGrid(t *testing.T) {
	fake := newFakeStore()
	driver := &TorsiondriveDriver{}
	h := newHarness(t, driver, fake, &models.TorsiondriveKeywords{
		Dihedrals:   [][4]int{{0, 1, 2, 3}},
		GridSpacing: []int{180},
	})
	h.molecules = []int64{fake.addMolecule(twistedButane())}

	// The starting torsion rounds to the 0 grid point.
	h.initialize()
	require.Len(t, h.pending, 1)
	first := h.pending[0]
	assert.Equal(t, []float64{0}, constraintValues(t, fake.spawned[first].constraints))

	// Finishing 0 spreads to -180 and 180, both seeded from its geometry.
	optimizedMol := fake.addMolecule(twistedButane())
	done, err := h.iterate(map[int64]*Child{first: completedOptimization(first, -10.0, optimizedMol)})
	require.NoError(t, err)
	assert.False(t, done)
	require.Len(t, h.pending, 2)
	values := []float64{}
	for _, id := range h.pending {
		assert.Equal(t, optimizedMol, fake.spawned[id].moleculeID)
		values = append(values, constraintValues(t, fake.spawned[id].constraints)...)
	}
	assert.ElementsMatch(t, []float64{-180, 180}, values)

	// Finishing the endpoints completes the scan.
	outcomes := map[int64]*Child{
		h.pending[0]: completedOptimization(h.pending[0], -9.5, fake.addMolecule(twistedButane())),
		h.pending[1]: completedOptimization(h.pending[1], -9.7, fake.addMolecule(twistedButane())),
	}
	done, err = h.iterate(outcomes)
	require.NoError(t, err)
	assert.True(t, done)
	require.True(t, fake.finalized)
	assert.Len(t, fake.tdMinimums, 3)
	assert.Equal(t, -10.0, fake.tdMinimums["0"])
	assert.Len(t, fake.tdOptimizations["0"], 1)
}

func TestTorsiondriveDeduplicatesStartingConformers(t *testing.T) {
	fake := newFakeStore()
	driver := &TorsiondriveDriver{}
	h := newHarness(t, driver, fake, &models.TorsiondriveKeywords{
		Dihedrals:   [][4]int{{0, 1, 2, 3}},
		GridSpacing: []int{180},
	})
	// Two starting conformers that both land on grid point 0: the second
	// arrival must not displace a better energy.
	h.molecules = []int64{fake.addMolecule(twistedButane()), fake.addMolecule(twistedButane())}

	h.initialize()
	// Duplicate grid points collapse to one in-flight optimization.
	require.Len(t, h.pending, 1)
}

func TestGridoptimizationPreoptimizationThenScan(t *testing.T) {
	fake := newFakeStore()
	driver := &GridoptimizationDriver{}
	h := newHarness(t, driver, fake, &models.GridoptimizationKeywords{
		Preoptimization: true,
		Scans: []models.ScanDimension{{
			Type:     models.ScanDistance,
			Indices:  []int{0, 1},
			Steps:    []float64{-0.1, 0, 0.1},
			StepType: models.StepRelative,
		}},
	})
	diatomic := &models.Molecule{
		Symbols:  []string{"H", "H"},
		Geometry: []float64{0, 0, 0, 2.0, 0, 0},
	}
	h.molecules = []int64{fake.addMolecule(diatomic)}

	// Preoptimization goes out unconstrained.
	h.initialize()
	require.Len(t, h.pending, 1)
	preopt := h.pending[0]
	assert.Nil(t, fake.spawned[preopt].constraints)

	// Its result seeds the scan: relative steps start nearest zero offset,
	// constrained to baseline + step.
	relaxed := fake.addMolecule(diatomic)
	done, err := h.iterate(map[int64]*Child{preopt: completedOptimization(preopt, -1.0, relaxed)})
	require.NoError(t, err)
	assert.False(t, done)
	require.Len(t, h.pending, 1)
	start := h.pending[0]
	assert.Equal(t, relaxed, fake.spawned[start].moleculeID)
	assert.InDelta(t, 2.0, constraintValues(t, fake.spawned[start].constraints)[0], 1e-9)

	// The start point finishes; both neighbors go out.
	done, err = h.iterate(map[int64]*Child{start: completedOptimization(start, -1.1, fake.addMolecule(diatomic))})
	require.NoError(t, err)
	assert.False(t, done)
	require.Len(t, h.pending, 2)
	values := []float64{}
	for _, id := range h.pending {
		values = append(values, constraintValues(t, fake.spawned[id].constraints)...)
	}
	assert.ElementsMatch(t, []float64{1.9, 2.1}, values)

	// Finishing them completes the scan with the preoptimization recorded.
	outcomes := map[int64]*Child{
		h.pending[0]: completedOptimization(h.pending[0], -1.05, fake.addMolecule(diatomic)),
		h.pending[1]: completedOptimization(h.pending[1], -1.02, fake.addMolecule(diatomic)),
	}
	done, err = h.iterate(outcomes)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Len(t, fake.goEnergies, 3)
	assert.Equal(t, preopt, fake.goOptimizations["preoptimization"])
	assert.Equal(t, -1.1, fake.goEnergies["1"])
}

func TestNEBConvergesToHighestImage(t *testing.T) {
	fake := newFakeStore()
	driver := &NEBDriver{}
	h := newHarness(t, driver, fake, &models.NEBKeywords{})

	atomAt := func(x float64) *models.Molecule {
		return &models.Molecule{Symbols: []string{"H"}, Geometry: []float64{x, 0, 0}}
	}
	chain := []int64{
		fake.addMolecule(atomAt(0)),
		fake.addMolecule(atomAt(1)),
		fake.addMolecule(atomAt(2)),
	}
	h.molecules = chain

	h.initialize()
	require.Len(t, h.pending, 3)

	// Zero gradient on the interior image: converged immediately; the
	// transition state is the highest-energy image, interior here.
	flat := json.RawMessage(`[0, 0, 0]`)
	outcomes := map[int64]*Child{}
	for i, id := range h.pending {
		energy := []float64{-5.0, -4.2, -5.1}[i]
		outcomes[id] = &Child{
			RecordID:     id,
			Status:       models.StatusComplete,
			Energy:       &energy,
			ReturnResult: flat,
		}
	}
	done, err := h.iterate(outcomes)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, chain[1], fake.nebTSMolecule)
	assert.Equal(t, -4.2, fake.nebTSEnergy)
	assert.Equal(t, 1, fake.nebIterations)
}

func TestNEBDisplacesInteriorImages(t *testing.T) {
	fake := newFakeStore()
	driver := &NEBDriver{}
	h := newHarness(t, driver, fake, &models.NEBKeywords{StepSize: 0.5})

	atomAt := func(x float64) *models.Molecule {
		return &models.Molecule{Symbols: []string{"H"}, Geometry: []float64{x, 0, 0}}
	}
	h.molecules = []int64{
		fake.addMolecule(atomAt(0)),
		fake.addMolecule(atomAt(1)),
		fake.addMolecule(atomAt(2)),
	}

	h.initialize()
	// A gradient perpendicular to the band pushes the interior image off
	// axis: one new singlepoint on a displaced geometry.
	outcomes := map[int64]*Child{}
	for i, id := range h.pending {
		energy := float64(-5 + i)
		grad := json.RawMessage(`[0, 0, 0]`)
		if i == 1 {
			grad = json.RawMessage(`[0, -1, 0]`)
		}
		outcomes[id] = &Child{RecordID: id, Status: models.StatusComplete, Energy: &energy, ReturnResult: grad}
	}
	done, err := h.iterate(outcomes)
	require.NoError(t, err)
	assert.False(t, done)
	require.Len(t, h.pending, 1)

	moved := fake.molecules[fake.spawned[h.pending[0]].moleculeID]
	// Force is -gradient = +y; the image moves by step_size along it.
	assert.InDelta(t, 0.5, moved.Geometry[1], 1e-9)
	assert.InDelta(t, 1.0, moved.Geometry[0], 1e-9)
}

func TestManybodyCounterpoiseExpansion(t *testing.T) {
	fake := newFakeStore()
	driver := &ManybodyDriver{}
	h := newHarness(t, driver, fake, &models.ManybodyKeywords{BSSECorrection: models.BSSECP})

	dimer := &models.Molecule{
		Symbols:                []string{"He", "He"},
		Geometry:               []float64{0, 0, 0, 5, 0, 0},
		Fragments:              [][]int{{0}, {1}},
		FragmentCharges:        []float64{0, 0},
		FragmentMultiplicities: []int{1, 1},
	}
	h.molecules = []int64{fake.addMolecule(dimer)}

	// Subsets {0}, {1}, {0,1}: three singlepoints, all on the full basis.
	h.initialize()
	require.Len(t, h.pending, 3)
	ghostCounts := map[int]int{}
	for _, id := range h.pending {
		mol := fake.molecules[fake.spawned[id].moleculeID]
		require.Len(t, mol.Symbols, 2, "counterpoise keeps the full geometry")
		ghosts := 0
		for _, real := range mol.Real {
			if !real {
				ghosts++
			}
		}
		ghostCounts[ghosts]++
	}
	assert.Equal(t, map[int]int{0: 1, 1: 2}, ghostCounts)

	// Monomers at -2.9 each, dimer at -5.9: interaction -0.1.
	outcomes := map[int64]*Child{}
	for _, id := range h.pending {
		mol := fake.molecules[fake.spawned[id].moleculeID]
		ghosts := 0
		for _, real := range mol.Real {
			if !real {
				ghosts++
			}
		}
		energy := -2.9
		if ghosts == 0 {
			energy = -5.9
		}
		outcomes[id] = completedSinglepoint(id, energy)
	}
	done, err := h.iterate(outcomes)
	require.NoError(t, err)
	assert.True(t, done)
	assert.InDelta(t, -5.9, fake.mbResults["total_energy"].(float64), 1e-9)
	assert.InDelta(t, -0.1, fake.mbResults["interaction_energy"].(float64), 1e-9)
	nbody := fake.mbResults["nbody_energies"].(map[string]float64)
	assert.InDelta(t, -5.8, nbody["1"], 1e-9)
	assert.InDelta(t, -0.1, nbody["2"], 1e-9)
}

func TestManybodyCarvesFragmentsWithoutCounterpoise(t *testing.T) {
	trimer := &models.Molecule{
		Symbols:                []string{"O", "H", "H", "O", "H", "H"},
		Geometry:               make([]float64, 18),
		Fragments:              [][]int{{0, 1, 2}, {3, 4, 5}},
		FragmentCharges:        []float64{0, 0},
		FragmentMultiplicities: []int{1, 1},
	}
	frag := mbFragmentMolecule(trimer, []int{1}, false)
	assert.Equal(t, []string{"O", "H", "H"}, frag.Symbols)
	assert.Len(t, frag.Geometry, 9)
	assert.Nil(t, frag.Real)
}

func TestReactionWeightedTotal(t *testing.T) {
	fake := newFakeStore()
	driver := &ReactionDriver{}
	h := newHarness(t, driver, fake, map[string]interface{}{})

	water := fake.addMolecule(&models.Molecule{Symbols: []string{"O"}})
	dimerMol := fake.addMolecule(&models.Molecule{Symbols: []string{"O", "O"}})
	h.stoichiometry = []*model.ReactionComponent{
		{MoleculeID: water, Coefficient: -2},
		{MoleculeID: dimerMol, Coefficient: 1},
	}

	h.initialize()
	require.Len(t, h.pending, 2)

	outcomes := map[int64]*Child{}
	for _, id := range h.pending {
		energy := -76.0
		if fake.spawned[id].moleculeID == dimerMol {
			energy = -152.1
		}
		outcomes[id] = completedSinglepoint(id, energy)
	}
	done, err := h.iterate(outcomes)
	require.NoError(t, err)
	assert.True(t, done)
	assert.InDelta(t, -0.1, fake.rxTotal, 1e-9)
	assert.Equal(t, fake.spawned[fake.rxSinglepoints[dimerMol]].moleculeID, dimerMol)
}

func TestGridSubsetHelpers(t *testing.T) {
	assert.Len(t, mbSubsets(3, 3), 7)
	assert.Len(t, mbSubsets(3, 2), 6)
	assert.Nil(t, mbSubsets(1, 0))

	assert.Equal(t, []int{-180, 0, 180}, gridAxis(180))
	assert.Equal(t, []int{-180, -90, 0, 90, 180}, gridAxis(90))
	assert.Equal(t, 0, roundToGrid(10, 180))
	assert.Equal(t, 180, roundToGrid(175, 90))
	assert.Equal(t, -90, roundToGrid(-100, 90))
}
