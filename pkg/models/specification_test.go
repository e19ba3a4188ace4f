/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hfSpec() QCSpecification {
	return QCSpecification{
		Program: "Psi4",
		Driver:  DriverEnergy,
		Method:  "HF",
		Basis:   "STO-3G",
	}
}

func TestQCSpecificationCaseFolding(t *testing.T) {
	s := hfSpec()
	require.NoError(t, s.Validate())
	assert.Equal(t, "psi4", s.Program)
	assert.Equal(t, "hf", s.Method)
	assert.Equal(t, "sto-3g", s.Basis)
	assert.Equal(t, WavefunctionNone, s.Protocols.Wavefunction)
	assert.True(t, s.Protocols.KeepStdout())
}

func TestQCSpecificationHashCaseInsensitive(t *testing.T) {
	s1 := hfSpec()
	require.NoError(t, s1.Validate())

	s2 := QCSpecification{Program: "PSI4", Driver: DriverEnergy, Method: "hf", Basis: "sto-3g"}
	require.NoError(t, s2.Validate())

	h1, err := s1.Hash()
	require.NoError(t, err)
	h2, err := s2.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestQCSpecificationEmptyBasisSentinel(t *testing.T) {
	s1 := QCSpecification{Program: "xtb", Driver: DriverEnergy, Method: "gfn2"}
	require.NoError(t, s1.Validate())

	s2 := QCSpecification{Program: "xtb", Driver: DriverEnergy, Method: "gfn2", Basis: "  "}
	require.NoError(t, s2.Validate())

	h1, _ := s1.Hash()
	h2, _ := s2.Hash()
	assert.Equal(t, h1, h2)

	s3 := QCSpecification{Program: "xtb", Driver: DriverEnergy, Method: "gfn2", Basis: "sto-3g"}
	require.NoError(t, s3.Validate())
	h3, _ := s3.Hash()
	assert.NotEqual(t, h1, h3)
}

func TestQCSpecificationKeywordsAffectHash(t *testing.T) {
	s1 := hfSpec()
	require.NoError(t, s1.Validate())
	s2 := hfSpec()
	s2.Keywords = map[string]interface{}{"maxiter": 50}
	require.NoError(t, s2.Validate())

	h1, _ := s1.Hash()
	h2, _ := s2.Hash()
	assert.NotEqual(t, h1, h2)
}

func TestQCSpecificationValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		spec QCSpecification
	}{
		{"missing program", QCSpecification{Driver: DriverEnergy, Method: "hf"}},
		{"missing method", QCSpecification{Program: "psi4", Driver: DriverEnergy}},
		{"bad driver", QCSpecification{Program: "psi4", Driver: "banana", Method: "hf"}},
		{"bad wavefunction protocol", QCSpecification{
			Program: "psi4", Driver: DriverEnergy, Method: "hf",
			Protocols: SinglepointProtocols{Wavefunction: "some"},
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := tc.spec
			assert.Error(t, s.Validate())
		})
	}
}

func TestOptimizationSpecificationDefaultsDriver(t *testing.T) {
	o := OptimizationSpecification{
		Program:         "geomeTRIC",
		QCSpecification: QCSpecification{Program: "psi4", Method: "b3lyp", Basis: "def2-svp"},
	}
	require.NoError(t, o.Validate())
	assert.Equal(t, "geometric", o.Program)
	assert.Equal(t, DriverGradient, o.QCSpecification.Driver)
	assert.Equal(t, TrajectoryAll, o.Protocols.Trajectory)

	o2 := o
	o2.QCSpecification.Driver = DriverEnergy
	assert.Error(t, o2.Validate())
}

func TestServiceSpecificationHashRecursion(t *testing.T) {
	base := OptimizationSpecification{
		Program:         "geometric",
		QCSpecification: QCSpecification{Program: "psi4", Method: "hf", Basis: "sto-3g"},
	}

	td1 := TorsiondriveSpecification{
		Keywords:     TorsiondriveKeywords{Dihedrals: [][4]int{{0, 1, 2, 3}}, GridSpacing: []int{90}},
		Optimization: base,
	}
	require.NoError(t, td1.Validate())
	h1, err := td1.Hash()
	require.NoError(t, err)

	// A change to the innermost spec must ripple into the service hash.
	td2 := td1
	td2.Optimization.QCSpecification.Method = "mp2"
	require.NoError(t, td2.Validate())
	h2, err := td2.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestTorsiondriveKeywordsValidate(t *testing.T) {
	k := TorsiondriveKeywords{Dihedrals: [][4]int{{0, 1, 2, 3}}, GridSpacing: []int{15}}
	require.NoError(t, k.Validate())

	bad := []TorsiondriveKeywords{
		{},
		{Dihedrals: [][4]int{{0, 1, 2, 3}}, GridSpacing: []int{}},
		{Dihedrals: [][4]int{{0, 1, 2, 3}}, GridSpacing: []int{7}},
		{Dihedrals: [][4]int{{0, 1, 2, 3}}, GridSpacing: []int{0}},
	}
	for i := range bad {
		assert.Error(t, bad[i].Validate(), "case %d", i)
	}
}

func TestScanDimensionValidate(t *testing.T) {
	d := ScanDimension{Type: ScanDistance, Indices: []int{0, 1}, Steps: []float64{1.0, 1.5, 2.0}, StepType: StepAbsolute}
	require.NoError(t, d.Validate())

	bad := []ScanDimension{
		{Type: "torsion", Indices: []int{0, 1}, Steps: []float64{1}, StepType: StepAbsolute},
		{Type: ScanDistance, Indices: []int{0}, Steps: []float64{1}, StepType: StepAbsolute},
		{Type: ScanDistance, Indices: []int{0, 1}, Steps: nil, StepType: StepAbsolute},
		{Type: ScanDistance, Indices: []int{0, 1}, Steps: []float64{2, 1}, StepType: StepAbsolute},
		{Type: ScanDistance, Indices: []int{0, 1}, Steps: []float64{1, 2}, StepType: "steps"},
	}
	for i := range bad {
		assert.Error(t, bad[i].Validate(), "case %d", i)
	}
}

func TestNEBKeywordsDefaults(t *testing.T) {
	k := NEBKeywords{}
	require.NoError(t, k.Validate())
	assert.Equal(t, 0.1, k.SpringConstant)
	assert.Equal(t, 0.005, k.MaximumForce)
	assert.Equal(t, 50, k.MaximumIterations)
}

func TestManybodyKeywords(t *testing.T) {
	k := ManybodyKeywords{}
	require.NoError(t, k.Validate())
	assert.Equal(t, BSSENone, k.BSSECorrection)

	k2 := ManybodyKeywords{BSSECorrection: "vmfc"}
	assert.Error(t, k2.Validate())
}
