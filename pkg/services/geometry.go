/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package services

import (
	"encoding/json"
	"math"

	"github.com/MolSSI/QCFractal-sub000/pkg/jsonutil"
	"github.com/MolSSI/QCFractal-sub000/pkg/models"
)

// Internal-coordinate measurement on stored geometries. Angles are in
// degrees; distances in bohr, matching the stored geometry units.

type vec3 [3]float64

func atomVec(mol *models.Molecule, i int) vec3 {
	return vec3(mol.AtomCoords(i))
}

func sub(a, b vec3) vec3 {
	return vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

func dot(a, b vec3) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func cross(a, b vec3) vec3 {
	return vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func norm(a vec3) float64 {
	return math.Sqrt(dot(a, a))
}

// Distance returns the separation of atoms i and j.
func Distance(mol *models.Molecule, i, j int) float64 {
	return norm(sub(atomVec(mol, i), atomVec(mol, j)))
}

// Angle returns the i-j-k angle in degrees.
func Angle(mol *models.Molecule, i, j, k int) float64 {
	a := sub(atomVec(mol, i), atomVec(mol, j))
	b := sub(atomVec(mol, k), atomVec(mol, j))
	cosTheta := dot(a, b) / (norm(a) * norm(b))
	cosTheta = math.Max(-1, math.Min(1, cosTheta))
	return math.Acos(cosTheta) * 180 / math.Pi
}

// Dihedral returns the i-j-k-l torsion angle in degrees, in (-180, 180].
func Dihedral(mol *models.Molecule, i, j, k, l int) float64 {
	b1 := sub(atomVec(mol, j), atomVec(mol, i))
	b2 := sub(atomVec(mol, k), atomVec(mol, j))
	b3 := sub(atomVec(mol, l), atomVec(mol, k))
	n1 := cross(b1, b2)
	n2 := cross(b2, b3)
	y := dot(cross(n1, n2), b2) / norm(b2)
	x := dot(n1, n2)
	return math.Atan2(y, x) * 180 / math.Pi
}

// wrapAngle folds an angle into (-180, 180].
func wrapAngle(a float64) float64 {
	for a > 180 {
		a -= 360
	}
	for a <= -180 {
		a += 360
	}
	return a
}

// constraint is one frozen internal coordinate passed to the optimizer.
type constraint struct {
	Type    string  `json:"type"`
	Indices []int   `json:"indices"`
	Value   float64 `json:"value"`
}

// constraintsJSON renders the optimizer constraint envelope.
func constraintsJSON(entries []constraint) json.RawMessage {
	return jsonutil.MarshalSilently(map[string]interface{}{"set": entries})
}
