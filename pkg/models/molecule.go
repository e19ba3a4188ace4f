/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

// Package models holds the validated value types of the QC domain: molecules,
// keyword sets, computation specifications, and the record enums. Each type
// owns its canonical projection for the hasher, so identical submissions
// collapse to identical digests.
package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/MolSSI/QCFractal-sub000/pkg/hash"
)

// Rounding tolerances applied before hashing, in decimal places.
const (
	geometryNoise = 8 // 1e-8 bohr
	massNoise     = 6
	chargeNoise   = 4
)

// Bond is one connectivity entry. It marshals as the conventional
// [atom1, atom2, bond_order] triple.
type Bond struct {
	Atom1     int
	Atom2     int
	BondOrder float64
}

func (b Bond) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]float64{float64(b.Atom1), float64(b.Atom2), b.BondOrder})
}

func (b *Bond) UnmarshalJSON(data []byte) error {
	var arr [3]float64
	if err := json.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("connectivity entry must be [atom1, atom2, bond_order]: %w", err)
	}
	if arr[0] != float64(int(arr[0])) || arr[1] != float64(int(arr[1])) {
		return fmt.Errorf("connectivity atom indices must be integers")
	}
	b.Atom1 = int(arr[0])
	b.Atom2 = int(arr[1])
	b.BondOrder = arr[2]
	return nil
}

// MoleculeIdentifiers are derived or user-supplied lookup handles. The
// formula and hash are always recomputed by Validate; the rest pass through.
type MoleculeIdentifiers struct {
	MolecularFormula string `json:"molecular_formula,omitempty"`
	MoleculeHash     string `json:"molecule_hash,omitempty"`
	InChI            string `json:"inchi,omitempty"`
	InChIKey         string `json:"inchikey,omitempty"`
	SMILES           string `json:"smiles,omitempty"`
}

// Molecule is an immutable geometry plus its chemical framing. Geometry is a
// flat 3N slice in bohr; atom order is significant and never canonicalized.
type Molecule struct {
	Name                   string               `json:"name,omitempty"`
	Symbols                []string             `json:"symbols"`
	Geometry               []float64            `json:"geometry"`
	Masses                 []float64            `json:"masses,omitempty"`
	Real                   []bool               `json:"real,omitempty"`
	MolecularCharge        float64              `json:"molecular_charge"`
	MolecularMultiplicity  int                  `json:"molecular_multiplicity"`
	Fragments              [][]int              `json:"fragments,omitempty"`
	FragmentCharges        []float64            `json:"fragment_charges,omitempty"`
	FragmentMultiplicities []int                `json:"fragment_multiplicities,omitempty"`
	Connectivity           []Bond               `json:"connectivity,omitempty"`
	Identifiers            *MoleculeIdentifiers `json:"identifiers,omitempty"`
	Comment                string               `json:"comment,omitempty"`
}

// Validate normalizes the molecule in place and fills every defaultable
// field, so that semantically identical submissions reach the hasher in one
// shape. It must be called before Hash or Formula.
func (m *Molecule) Validate() error {
	n := len(m.Symbols)
	if n == 0 {
		return fmt.Errorf("molecule has no atoms")
	}
	for i, s := range m.Symbols {
		norm, err := NormalizeSymbol(s)
		if err != nil {
			return err
		}
		m.Symbols[i] = norm
	}
	if len(m.Geometry) != 3*n {
		return fmt.Errorf("geometry length %d does not match 3*%d atoms", len(m.Geometry), n)
	}

	if m.MolecularMultiplicity == 0 {
		m.MolecularMultiplicity = 1
	}
	if m.MolecularMultiplicity < 1 {
		return fmt.Errorf("molecular_multiplicity must be >= 1, got %d", m.MolecularMultiplicity)
	}

	if m.Masses == nil {
		m.Masses = make([]float64, n)
		for i, s := range m.Symbols {
			mass, _ := ElementMass(s)
			m.Masses[i] = mass
		}
	} else if len(m.Masses) != n {
		return fmt.Errorf("masses length %d does not match %d atoms", len(m.Masses), n)
	}

	if m.Real == nil {
		m.Real = make([]bool, n)
		for i := range m.Real {
			m.Real[i] = true
		}
	} else if len(m.Real) != n {
		return fmt.Errorf("real flags length %d does not match %d atoms", len(m.Real), n)
	}

	if err := m.validateFragments(n); err != nil {
		return err
	}
	if err := m.normalizeConnectivity(n); err != nil {
		return err
	}

	h, err := m.computeHash()
	if err != nil {
		return err
	}
	if m.Identifiers == nil {
		m.Identifiers = &MoleculeIdentifiers{}
	}
	m.Identifiers.MolecularFormula = m.Formula()
	m.Identifiers.MoleculeHash = h
	return nil
}

func (m *Molecule) validateFragments(n int) error {
	if m.Fragments == nil {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		m.Fragments = [][]int{all}
		if m.FragmentCharges == nil {
			m.FragmentCharges = []float64{m.MolecularCharge}
		}
		if m.FragmentMultiplicities == nil {
			m.FragmentMultiplicities = []int{m.MolecularMultiplicity}
		}
	}

	seen := make(map[int]bool, n)
	for fi, frag := range m.Fragments {
		if len(frag) == 0 {
			return fmt.Errorf("fragment %d is empty", fi)
		}
		for _, idx := range frag {
			if idx < 0 || idx >= n {
				return fmt.Errorf("fragment %d references atom %d out of range", fi, idx)
			}
			if seen[idx] {
				return fmt.Errorf("atom %d assigned to more than one fragment", idx)
			}
			seen[idx] = true
		}
	}
	if len(seen) != n {
		return fmt.Errorf("fragments cover %d of %d atoms", len(seen), n)
	}

	nf := len(m.Fragments)
	if m.FragmentCharges == nil {
		m.FragmentCharges = make([]float64, nf)
	}
	if len(m.FragmentCharges) != nf {
		return fmt.Errorf("fragment_charges length %d does not match %d fragments", len(m.FragmentCharges), nf)
	}
	if m.FragmentMultiplicities == nil {
		m.FragmentMultiplicities = make([]int, nf)
		for i := range m.FragmentMultiplicities {
			m.FragmentMultiplicities[i] = 1
		}
	}
	if len(m.FragmentMultiplicities) != nf {
		return fmt.Errorf("fragment_multiplicities length %d does not match %d fragments", len(m.FragmentMultiplicities), nf)
	}
	return nil
}

func (m *Molecule) normalizeConnectivity(n int) error {
	for i := range m.Connectivity {
		b := &m.Connectivity[i]
		if b.Atom1 == b.Atom2 {
			return fmt.Errorf("connectivity entry %d bonds atom %d to itself", i, b.Atom1)
		}
		if b.Atom1 < 0 || b.Atom1 >= n || b.Atom2 < 0 || b.Atom2 >= n {
			return fmt.Errorf("connectivity entry %d references atom out of range", i)
		}
		if b.Atom1 > b.Atom2 {
			b.Atom1, b.Atom2 = b.Atom2, b.Atom1
		}
	}
	sort.Slice(m.Connectivity, func(i, j int) bool {
		a, b := m.Connectivity[i], m.Connectivity[j]
		if a.Atom1 != b.Atom1 {
			return a.Atom1 < b.Atom1
		}
		if a.Atom2 != b.Atom2 {
			return a.Atom2 < b.Atom2
		}
		return a.BondOrder < b.BondOrder
	})
	for i := 1; i < len(m.Connectivity); i++ {
		if m.Connectivity[i].Atom1 == m.Connectivity[i-1].Atom1 &&
			m.Connectivity[i].Atom2 == m.Connectivity[i-1].Atom2 {
			return fmt.Errorf("duplicate bond between atoms %d and %d",
				m.Connectivity[i].Atom1, m.Connectivity[i].Atom2)
		}
	}
	return nil
}

// Hash returns the molecule hash, computing identifiers if needed.
func (m *Molecule) Hash() (string, error) {
	if m.Identifiers != nil && m.Identifiers.MoleculeHash != "" {
		return m.Identifiers.MoleculeHash, nil
	}
	return m.computeHash()
}

// computeHash digests the canonical projection. Geometry is rounded to 1e-8
// bohr, masses to 1e-6, charges to 1e-4; connectivity endpoints are already
// sorted by Validate. Atom order is preserved.
func (m *Molecule) computeHash() (string, error) {
	return hash.Digest(map[string]interface{}{
		"symbols":                 m.Symbols,
		"geometry":                hash.RoundSlice(m.Geometry, geometryNoise),
		"masses":                  hash.RoundSlice(m.Masses, massNoise),
		"molecular_charge":        hash.Round(m.MolecularCharge, chargeNoise),
		"molecular_multiplicity":  m.MolecularMultiplicity,
		"real":                    m.Real,
		"fragments":               m.Fragments,
		"fragment_charges":        hash.RoundSlice(m.FragmentCharges, chargeNoise),
		"fragment_multiplicities": m.FragmentMultiplicities,
		"connectivity":            m.Connectivity,
	})
}

// Formula renders the Hill-order molecular formula: carbon first, hydrogen
// second, remaining elements alphabetical; alphabetical throughout when no
// carbon is present.
func (m *Molecule) Formula() string {
	counts := map[string]int{}
	for _, s := range m.Symbols {
		counts[s]++
	}

	var order []string
	if counts["C"] > 0 {
		order = append(order, "C")
		if counts["H"] > 0 {
			order = append(order, "H")
		}
		var rest []string
		for s := range counts {
			if s != "C" && s != "H" {
				rest = append(rest, s)
			}
		}
		sort.Strings(rest)
		order = append(order, rest...)
	} else {
		for s := range counts {
			order = append(order, s)
		}
		sort.Strings(order)
	}

	var sb strings.Builder
	for _, s := range order {
		sb.WriteString(s)
		if counts[s] > 1 {
			fmt.Fprintf(&sb, "%d", counts[s])
		}
	}
	return sb.String()
}

// NumAtoms returns the atom count.
func (m *Molecule) NumAtoms() int { return len(m.Symbols) }

// AtomCoords returns the xyz coordinates of atom i.
func (m *Molecule) AtomCoords(i int) [3]float64 {
	return [3]float64{m.Geometry[3*i], m.Geometry[3*i+1], m.Geometry[3*i+2]}
}
