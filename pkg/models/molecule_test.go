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

func water() *Molecule {
	return &Molecule{
		Symbols: []string{"O", "H", "H"},
		Geometry: []float64{
			0.0, 0.0, -0.1294,
			0.0, -1.4941, 1.0274,
			0.0, 1.4941, 1.0274,
		},
	}
}

func TestMoleculeValidateDefaults(t *testing.T) {
	m := water()
	require.NoError(t, m.Validate())

	assert.Equal(t, 1, m.MolecularMultiplicity)
	assert.Equal(t, []bool{true, true, true}, m.Real)
	require.Len(t, m.Masses, 3)
	assert.InDelta(t, 15.999, m.Masses[0], 1e-6)
	assert.Equal(t, [][]int{{0, 1, 2}}, m.Fragments)
	assert.Equal(t, []float64{0}, m.FragmentCharges)
	assert.Equal(t, []int{1}, m.FragmentMultiplicities)
	require.NotNil(t, m.Identifiers)
	assert.Equal(t, "H2O", m.Identifiers.MolecularFormula)
	assert.Len(t, m.Identifiers.MoleculeHash, 64)
}

func TestMoleculeValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Molecule)
	}{
		{"no atoms", func(m *Molecule) { m.Symbols = nil; m.Geometry = nil }},
		{"geometry mismatch", func(m *Molecule) { m.Geometry = m.Geometry[:6] }},
		{"unknown element", func(m *Molecule) { m.Symbols[0] = "Xx" }},
		{"bad multiplicity", func(m *Molecule) { m.MolecularMultiplicity = -1 }},
		{"masses mismatch", func(m *Molecule) { m.Masses = []float64{1.0} }},
		{"fragment out of range", func(m *Molecule) { m.Fragments = [][]int{{0, 1, 5}} }},
		{"fragment overlap", func(m *Molecule) { m.Fragments = [][]int{{0, 1}, {1, 2}} }},
		{"fragment not covering", func(m *Molecule) { m.Fragments = [][]int{{0, 1}} }},
		{"self bond", func(m *Molecule) { m.Connectivity = []Bond{{0, 0, 1}} }},
		{"duplicate bond", func(m *Molecule) {
			m.Connectivity = []Bond{{0, 1, 1}, {1, 0, 2}}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := water()
			tc.mut(m)
			assert.Error(t, m.Validate())
		})
	}
}

func TestMoleculeSymbolNormalization(t *testing.T) {
	m := water()
	m.Symbols = []string{"o", "h", "H"}
	require.NoError(t, m.Validate())
	assert.Equal(t, []string{"O", "H", "H"}, m.Symbols)
}

func TestMoleculeHashStableUnderNoise(t *testing.T) {
	m1 := water()
	require.NoError(t, m1.Validate())

	m2 := water()
	for i := range m2.Geometry {
		m2.Geometry[i] += 1e-10 // below the 1e-8 bohr tolerance
	}
	require.NoError(t, m2.Validate())

	h1, err := m1.Hash()
	require.NoError(t, err)
	h2, err := m2.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestMoleculeHashDistinguishesGeometry(t *testing.T) {
	m1 := water()
	require.NoError(t, m1.Validate())

	m2 := water()
	m2.Geometry[0] += 0.5
	require.NoError(t, m2.Validate())

	h1, _ := m1.Hash()
	h2, _ := m2.Hash()
	assert.NotEqual(t, h1, h2)
}

func TestMoleculeHashAtomOrderSignificant(t *testing.T) {
	m1 := &Molecule{
		Symbols:  []string{"H", "O"},
		Geometry: []float64{0, 0, 0, 0, 0, 1.8},
	}
	m2 := &Molecule{
		Symbols:  []string{"O", "H"},
		Geometry: []float64{0, 0, 1.8, 0, 0, 0},
	}
	require.NoError(t, m1.Validate())
	require.NoError(t, m2.Validate())

	h1, _ := m1.Hash()
	h2, _ := m2.Hash()
	assert.NotEqual(t, h1, h2)
}

func TestMoleculeHashExplicitDefaultMassesEqual(t *testing.T) {
	m1 := water()
	require.NoError(t, m1.Validate())

	m2 := water()
	m2.Masses = []float64{15.999, 1.008, 1.008}
	require.NoError(t, m2.Validate())

	h1, _ := m1.Hash()
	h2, _ := m2.Hash()
	assert.Equal(t, h1, h2)
}

func TestConnectivityNormalization(t *testing.T) {
	m := water()
	m.Connectivity = []Bond{{2, 0, 1}, {1, 0, 1}}
	require.NoError(t, m.Validate())

	assert.Equal(t, []Bond{{0, 1, 1}, {0, 2, 1}}, m.Connectivity)
}

func TestFormulaHillOrder(t *testing.T) {
	tests := []struct {
		symbols []string
		want    string
	}{
		{[]string{"O", "H", "H"}, "H2O"},
		{[]string{"C", "H", "H", "H", "H"}, "CH4"},
		{[]string{"C", "C", "H", "H", "H", "H", "H", "H", "O"}, "C2H6O"},
		{[]string{"Na", "Cl"}, "ClNa"},
		{[]string{"C", "Cl", "Cl", "Cl", "Cl"}, "CCl4"},
	}
	for _, tc := range tests {
		m := &Molecule{Symbols: tc.symbols, Geometry: make([]float64, 3*len(tc.symbols))}
		for i := range m.Geometry {
			m.Geometry[i] = float64(i) // keep atoms distinct
		}
		require.NoError(t, m.Validate())
		assert.Equal(t, tc.want, m.Formula())
	}
}

func TestBondJSONRoundTrip(t *testing.T) {
	b := Bond{Atom1: 0, Atom2: 3, BondOrder: 1.5}
	data, err := b.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `[0, 3, 1.5]`, string(data))

	var back Bond
	require.NoError(t, back.UnmarshalJSON(data))
	assert.Equal(t, b, back)

	var bad Bond
	assert.Error(t, bad.UnmarshalJSON([]byte(`[0.5, 1, 1]`)))
}
