/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/MolSSI/QCFractal-sub000/pkg/models"
)

func TestInternalCoordinates(t *testing.T) {
	mol := &models.Molecule{
		Symbols: []string{"C", "C", "C", "C"},
		Geometry: []float64{
			0, 1, 0,
			0, 0, 0,
			1, 0, 0,
			1, 0, 1,
		},
	}

	assert.InDelta(t, 1.0, Distance(mol, 0, 1), 1e-12)
	assert.InDelta(t, 90.0, Angle(mol, 0, 1, 2), 1e-9)

	// 0-1-2-3 is a clean quarter turn; the torsion angle is unchanged when
	// the atom order is reversed.
	assert.InDelta(t, 90.0, Dihedral(mol, 0, 1, 2, 3), 1e-9)
	assert.InDelta(t, 90.0, Dihedral(mol, 3, 2, 1, 0), 1e-9)

	// Mirroring the geometry through the xy plane flips the sign.
	mirrored := &models.Molecule{
		Symbols: []string{"C", "C", "C", "C"},
		Geometry: []float64{
			0, 1, 0,
			0, 0, 0,
			1, 0, 0,
			1, 0, -1,
		},
	}
	assert.InDelta(t, -90.0, Dihedral(mirrored, 0, 1, 2, 3), 1e-9)

	planar := &models.Molecule{
		Symbols: []string{"C", "C", "C", "C"},
		Geometry: []float64{
			0, 1, 0,
			0, 0, 0,
			1, 0, 0,
			1, -1, 0,
		},
	}
	assert.InDelta(t, 180.0, Dihedral(planar, 0, 1, 2, 3), 1e-9)

	cis := &models.Molecule{
		Symbols: []string{"C", "C", "C", "C"},
		Geometry: []float64{
			0, 1, 0,
			0, 0, 0,
			1, 0, 0,
			1, 1, 0,
		},
	}
	assert.InDelta(t, 0.0, Dihedral(cis, 0, 1, 2, 3), 1e-9)
}

func TestWrapAngle(t *testing.T) {
	assert.Equal(t, 180.0, wrapAngle(180))
	assert.Equal(t, 180.0, wrapAngle(-180))
	assert.Equal(t, -170.0, wrapAngle(190))
	assert.Equal(t, 10.0, wrapAngle(370))
	assert.Equal(t, -10.0, wrapAngle(-370))
}

func TestConstraintsJSON(t *testing.T) {
	raw := constraintsJSON([]constraint{
		{Type: "dihedral", Indices: []int{0, 1, 2, 3}, Value: -180},
	})
	assert.JSONEq(t,
		`{"set":[{"type":"dihedral","indices":[0,1,2,3],"value":-180}]}`,
		string(raw))
}
