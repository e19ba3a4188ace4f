/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package models

import (
	"fmt"
	"sort"
	"strings"

	"github.com/MolSSI/QCFractal-sub000/pkg/hash"
)

// Driver selects what a singlepoint computation returns.
type Driver string

const (
	DriverEnergy     Driver = "energy"
	DriverGradient   Driver = "gradient"
	DriverHessian    Driver = "hessian"
	DriverProperties Driver = "properties"
)

func (d Driver) Valid() bool {
	switch d {
	case DriverEnergy, DriverGradient, DriverHessian, DriverProperties:
		return true
	}
	return false
}

// Wavefunction storage protocol values. Only singlepoint records interpret
// these; service records carry stdout/error outputs only.
const (
	WavefunctionNone     = "none"
	WavefunctionOrbitals = "orbitals_and_eigenvalues"
	WavefunctionAll      = "all"
)

// Native-files storage protocol values.
const (
	NativeFilesNone  = "none"
	NativeFilesInput = "input"
	NativeFilesAll   = "all"
)

// Trajectory storage protocol values for optimizations.
const (
	TrajectoryAll             = "all"
	TrajectoryInitialAndFinal = "initial_and_final"
	TrajectoryFinal           = "final"
	TrajectoryNone            = "none"
)

// SinglepointProtocols controls which large outputs the server persists when
// a result is returned.
type SinglepointProtocols struct {
	Wavefunction string `json:"wavefunction,omitempty"`
	Stdout       *bool  `json:"stdout,omitempty"`
	NativeFiles  string `json:"native_files,omitempty"`
}

func (p *SinglepointProtocols) normalize() error {
	if p.Wavefunction == "" {
		p.Wavefunction = WavefunctionNone
	}
	switch p.Wavefunction {
	case WavefunctionNone, WavefunctionOrbitals, WavefunctionAll:
	default:
		return fmt.Errorf("invalid wavefunction protocol %q", p.Wavefunction)
	}
	if p.Stdout == nil {
		v := true
		p.Stdout = &v
	}
	if p.NativeFiles == "" {
		p.NativeFiles = NativeFilesNone
	}
	switch p.NativeFiles {
	case NativeFilesNone, NativeFilesInput, NativeFilesAll:
	default:
		return fmt.Errorf("invalid native_files protocol %q", p.NativeFiles)
	}
	return nil
}

// KeepStdout reports whether stdout should be persisted.
func (p SinglepointProtocols) KeepStdout() bool {
	return p.Stdout == nil || *p.Stdout
}

// QCSpecification describes how a singlepoint is computed. program, method
// and basis are case-insensitive and fold to lower case; an absent basis
// normalizes to the empty sentinel so "no basis" matches across submissions.
type QCSpecification struct {
	Program   string                 `json:"program"`
	Driver    Driver                 `json:"driver"`
	Method    string                 `json:"method"`
	Basis     string                 `json:"basis,omitempty"`
	Keywords  map[string]interface{} `json:"keywords,omitempty"`
	Protocols SinglepointProtocols   `json:"protocols,omitempty"`
}

func (s *QCSpecification) Validate() error {
	s.Program = strings.ToLower(strings.TrimSpace(s.Program))
	s.Method = strings.ToLower(strings.TrimSpace(s.Method))
	s.Basis = strings.ToLower(strings.TrimSpace(s.Basis))
	if s.Program == "" {
		return fmt.Errorf("specification program is required")
	}
	if s.Method == "" {
		return fmt.Errorf("specification method is required")
	}
	if !s.Driver.Valid() {
		return fmt.Errorf("invalid driver %q", s.Driver)
	}
	if s.Keywords == nil {
		s.Keywords = map[string]interface{}{}
	}
	return s.Protocols.normalize()
}

// Hash digests the canonical spec form. Keywords enter through their own
// keyword-set hash, so the spec digest composes recursively.
func (s *QCSpecification) Hash() (string, error) {
	kw := KeywordSet{Values: s.Keywords}
	kwHash, err := kw.Hash()
	if err != nil {
		return "", err
	}
	return hash.Digest(map[string]interface{}{
		"spec_type": "singlepoint",
		"program":   s.Program,
		"driver":    string(s.Driver),
		"method":    s.Method,
		"basis":     s.Basis,
		"keywords":  kwHash,
		"protocols": s.Protocols,
	})
}

// OptimizationProtocols controls trajectory persistence.
type OptimizationProtocols struct {
	Trajectory string `json:"trajectory,omitempty"`
}

func (p *OptimizationProtocols) normalize() error {
	if p.Trajectory == "" {
		p.Trajectory = TrajectoryAll
	}
	switch p.Trajectory {
	case TrajectoryAll, TrajectoryInitialAndFinal, TrajectoryFinal, TrajectoryNone:
		return nil
	}
	return fmt.Errorf("invalid trajectory protocol %q", p.Trajectory)
}

// OptimizationSpecification wraps a gradient singlepoint spec with the
// optimizer program and its keywords.
type OptimizationSpecification struct {
	Program         string                 `json:"program"`
	Keywords        map[string]interface{} `json:"keywords,omitempty"`
	Protocols       OptimizationProtocols  `json:"protocols,omitempty"`
	QCSpecification QCSpecification        `json:"qc_specification"`
}

func (s *OptimizationSpecification) Validate() error {
	s.Program = strings.ToLower(strings.TrimSpace(s.Program))
	if s.Program == "" {
		return fmt.Errorf("optimization program is required")
	}
	if s.Keywords == nil {
		s.Keywords = map[string]interface{}{}
	}
	if err := s.Protocols.normalize(); err != nil {
		return err
	}
	if s.QCSpecification.Driver == "" {
		s.QCSpecification.Driver = DriverGradient
	}
	if s.QCSpecification.Driver != DriverGradient {
		return fmt.Errorf("optimization qc_specification driver must be gradient, got %q", s.QCSpecification.Driver)
	}
	return s.QCSpecification.Validate()
}

func (s *OptimizationSpecification) Hash() (string, error) {
	inner, err := s.QCSpecification.Hash()
	if err != nil {
		return "", err
	}
	return hash.Digest(map[string]interface{}{
		"spec_type":        "optimization",
		"program":          s.Program,
		"keywords":         s.Keywords,
		"protocols":        s.Protocols,
		"qc_specification": inner,
	})
}

// TorsiondriveKeywords configure a dihedral scan. The grid for each dihedral
// is every multiple of its spacing in [-180, 180] inclusive.
type TorsiondriveKeywords struct {
	Dihedrals   [][4]int `json:"dihedrals"`
	GridSpacing []int    `json:"grid_spacing"`
}

func (k *TorsiondriveKeywords) Validate() error {
	if len(k.Dihedrals) == 0 {
		return fmt.Errorf("torsiondrive requires at least one dihedral")
	}
	if len(k.GridSpacing) != len(k.Dihedrals) {
		return fmt.Errorf("grid_spacing length %d does not match %d dihedrals", len(k.GridSpacing), len(k.Dihedrals))
	}
	for i, sp := range k.GridSpacing {
		if sp <= 0 || sp > 360 || 360%sp != 0 {
			return fmt.Errorf("grid_spacing[%d] = %d must be a positive divisor of 360", i, sp)
		}
	}
	return nil
}

// TorsiondriveSpecification wraps the optimization spec used at each grid
// point.
type TorsiondriveSpecification struct {
	Keywords     TorsiondriveKeywords      `json:"keywords"`
	Optimization OptimizationSpecification `json:"optimization_specification"`
}

func (s *TorsiondriveSpecification) Validate() error {
	if err := s.Keywords.Validate(); err != nil {
		return err
	}
	return s.Optimization.Validate()
}

func (s *TorsiondriveSpecification) Hash() (string, error) {
	inner, err := s.Optimization.Hash()
	if err != nil {
		return "", err
	}
	return hash.Digest(map[string]interface{}{
		"spec_type":                  "torsiondrive",
		"keywords":                   s.Keywords,
		"optimization_specification": inner,
	})
}

// Scan dimension types for grid optimizations.
const (
	ScanDistance = "distance"
	ScanAngle    = "angle"
	ScanDihedral = "dihedral"
)

// Step interpretation for grid optimizations.
const (
	StepAbsolute = "absolute"
	StepRelative = "relative"
)

// ScanDimension is one scanned internal coordinate with its explicit step
// values, sorted ascending.
type ScanDimension struct {
	Type     string    `json:"type"`
	Indices  []int     `json:"indices"`
	Steps    []float64 `json:"steps"`
	StepType string    `json:"step_type"`
}

func (d *ScanDimension) Validate() error {
	want := map[string]int{ScanDistance: 2, ScanAngle: 3, ScanDihedral: 4}
	n, ok := want[d.Type]
	if !ok {
		return fmt.Errorf("invalid scan type %q", d.Type)
	}
	if len(d.Indices) != n {
		return fmt.Errorf("scan type %q requires %d atom indices, got %d", d.Type, n, len(d.Indices))
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("scan dimension has no steps")
	}
	if !sort.Float64sAreSorted(d.Steps) {
		return fmt.Errorf("scan steps must be sorted ascending")
	}
	if d.StepType != StepAbsolute && d.StepType != StepRelative {
		return fmt.Errorf("invalid step_type %q", d.StepType)
	}
	return nil
}

// GridoptimizationKeywords configure a scan over linear combinations of
// constrained internal coordinates.
type GridoptimizationKeywords struct {
	Scans           []ScanDimension `json:"scans"`
	Preoptimization bool            `json:"preoptimization"`
}

func (k *GridoptimizationKeywords) Validate() error {
	if len(k.Scans) == 0 {
		return fmt.Errorf("gridoptimization requires at least one scan dimension")
	}
	for i := range k.Scans {
		if err := k.Scans[i].Validate(); err != nil {
			return fmt.Errorf("scan %d: %w", i, err)
		}
	}
	return nil
}

type GridoptimizationSpecification struct {
	Keywords     GridoptimizationKeywords  `json:"keywords"`
	Optimization OptimizationSpecification `json:"optimization_specification"`
}

func (s *GridoptimizationSpecification) Validate() error {
	if err := s.Keywords.Validate(); err != nil {
		return err
	}
	return s.Optimization.Validate()
}

func (s *GridoptimizationSpecification) Hash() (string, error) {
	inner, err := s.Optimization.Hash()
	if err != nil {
		return "", err
	}
	return hash.Digest(map[string]interface{}{
		"spec_type":                  "gridoptimization",
		"keywords":                   s.Keywords,
		"optimization_specification": inner,
	})
}

// NEBKeywords tune the nudged-elastic-band iteration.
type NEBKeywords struct {
	SpringConstant    float64 `json:"spring_constant,omitempty"`
	MaximumForce      float64 `json:"maximum_force,omitempty"`
	StepSize          float64 `json:"step_size,omitempty"`
	MaximumIterations int     `json:"maximum_iterations,omitempty"`
}

func (k *NEBKeywords) Validate() error {
	if k.SpringConstant == 0 {
		k.SpringConstant = 0.1
	}
	if k.SpringConstant < 0 {
		return fmt.Errorf("spring_constant must be positive")
	}
	if k.MaximumForce == 0 {
		k.MaximumForce = 0.005
	}
	if k.MaximumForce < 0 {
		return fmt.Errorf("maximum_force must be positive")
	}
	if k.StepSize == 0 {
		k.StepSize = 0.1
	}
	if k.StepSize < 0 {
		return fmt.Errorf("step_size must be positive")
	}
	if k.MaximumIterations == 0 {
		k.MaximumIterations = 50
	}
	if k.MaximumIterations < 1 {
		return fmt.Errorf("maximum_iterations must be >= 1")
	}
	return nil
}

// NEBSpecification wraps the gradient singlepoint spec evaluated on every
// movable image each iteration.
type NEBSpecification struct {
	Program         string          `json:"program"`
	Keywords        NEBKeywords     `json:"keywords"`
	QCSpecification QCSpecification `json:"qc_specification"`
}

func (s *NEBSpecification) Validate() error {
	s.Program = strings.ToLower(strings.TrimSpace(s.Program))
	if s.Program == "" {
		s.Program = "geometric"
	}
	if err := s.Keywords.Validate(); err != nil {
		return err
	}
	if s.QCSpecification.Driver == "" {
		s.QCSpecification.Driver = DriverGradient
	}
	if s.QCSpecification.Driver != DriverGradient {
		return fmt.Errorf("neb qc_specification driver must be gradient, got %q", s.QCSpecification.Driver)
	}
	return s.QCSpecification.Validate()
}

func (s *NEBSpecification) Hash() (string, error) {
	inner, err := s.QCSpecification.Hash()
	if err != nil {
		return "", err
	}
	return hash.Digest(map[string]interface{}{
		"spec_type":        "neb",
		"program":          s.Program,
		"keywords":         s.Keywords,
		"qc_specification": inner,
	})
}

// BSSE correction schemes for manybody expansions.
const (
	BSSENone = "none"
	BSSECP   = "cp"
)

// ManybodyKeywords configure the fragment expansion. MaxNbody of zero means
// every subset size up to the full fragment count.
type ManybodyKeywords struct {
	MaxNbody       int    `json:"max_nbody,omitempty"`
	BSSECorrection string `json:"bsse_correction,omitempty"`
}

func (k *ManybodyKeywords) Validate() error {
	if k.MaxNbody < 0 {
		return fmt.Errorf("max_nbody must be >= 0")
	}
	if k.BSSECorrection == "" {
		k.BSSECorrection = BSSENone
	}
	if k.BSSECorrection != BSSENone && k.BSSECorrection != BSSECP {
		return fmt.Errorf("invalid bsse_correction %q", k.BSSECorrection)
	}
	return nil
}

type ManybodySpecification struct {
	Keywords        ManybodyKeywords `json:"keywords"`
	QCSpecification QCSpecification  `json:"qc_specification"`
}

func (s *ManybodySpecification) Validate() error {
	if err := s.Keywords.Validate(); err != nil {
		return err
	}
	if s.QCSpecification.Driver == "" {
		s.QCSpecification.Driver = DriverEnergy
	}
	if s.QCSpecification.Driver != DriverEnergy {
		return fmt.Errorf("manybody qc_specification driver must be energy, got %q", s.QCSpecification.Driver)
	}
	return s.QCSpecification.Validate()
}

func (s *ManybodySpecification) Hash() (string, error) {
	inner, err := s.QCSpecification.Hash()
	if err != nil {
		return "", err
	}
	return hash.Digest(map[string]interface{}{
		"spec_type":        "manybody",
		"keywords":         s.Keywords,
		"qc_specification": inner,
	})
}

// ReactionSpecification wraps the singlepoint spec evaluated on every
// stoichiometry component.
type ReactionSpecification struct {
	Keywords        map[string]interface{} `json:"keywords,omitempty"`
	QCSpecification QCSpecification        `json:"qc_specification"`
}

func (s *ReactionSpecification) Validate() error {
	if s.Keywords == nil {
		s.Keywords = map[string]interface{}{}
	}
	if s.QCSpecification.Driver == "" {
		s.QCSpecification.Driver = DriverEnergy
	}
	if s.QCSpecification.Driver != DriverEnergy {
		return fmt.Errorf("reaction qc_specification driver must be energy, got %q", s.QCSpecification.Driver)
	}
	return s.QCSpecification.Validate()
}

func (s *ReactionSpecification) Hash() (string, error) {
	inner, err := s.QCSpecification.Hash()
	if err != nil {
		return "", err
	}
	return hash.Digest(map[string]interface{}{
		"spec_type":        "reaction",
		"keywords":         s.Keywords,
		"qc_specification": inner,
	})
}

// ReactionComponent is one stoichiometry entry: a molecule reference with its
// coefficient in the overall reaction energy.
type ReactionComponent struct {
	Coefficient float64 `json:"coefficient"`
	MoleculeID  int64   `json:"molecule_id"`
}
