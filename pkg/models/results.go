/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package models

import (
	"encoding/json"
	"fmt"
)

// Result payloads arrive from managers following the external QC payload
// schema. The server treats them as opaque except for the fields below,
// which the record store and the service drivers inspect.

// SinglepointResult is the inspected surface of a singlepoint return.
// Trajectory entries inside an optimization return carry the molecule they
// were evaluated at.
type SinglepointResult struct {
	Molecule     *Molecule              `json:"molecule,omitempty"`
	ReturnResult json.RawMessage        `json:"return_result,omitempty"`
	Properties   map[string]interface{} `json:"properties,omitempty"`
	Stdout       string                 `json:"stdout,omitempty"`
	Stderr       string                 `json:"stderr,omitempty"`
	Wavefunction json.RawMessage        `json:"wavefunction,omitempty"`
	NativeFiles  map[string]string      `json:"native_files,omitempty"`
	Provenance   map[string]interface{} `json:"provenance,omitempty"`
}

// EnergyValue decodes return_result as a scalar energy.
func (r *SinglepointResult) EnergyValue() (float64, error) {
	var e float64
	if err := json.Unmarshal(r.ReturnResult, &e); err != nil {
		return 0, fmt.Errorf("return_result is not a scalar energy: %w", err)
	}
	return e, nil
}

// GradientValue decodes return_result as a flat 3N gradient.
func (r *SinglepointResult) GradientValue() ([]float64, error) {
	var g []float64
	if err := json.Unmarshal(r.ReturnResult, &g); err == nil {
		return g, nil
	}
	// Some programs emit the gradient as an Nx3 nested array.
	var rows [][]float64
	if err := json.Unmarshal(r.ReturnResult, &rows); err != nil {
		return nil, fmt.Errorf("return_result is not a gradient: %w", err)
	}
	flat := make([]float64, 0, 3*len(rows))
	for _, row := range rows {
		if len(row) != 3 {
			return nil, fmt.Errorf("gradient row has %d components", len(row))
		}
		flat = append(flat, row...)
	}
	return flat, nil
}

// OptimizationResult is the inspected surface of an optimization return.
type OptimizationResult struct {
	FinalMolecule *Molecule              `json:"final_molecule"`
	Energies      []float64              `json:"energies,omitempty"`
	Trajectory    []SinglepointResult    `json:"trajectory,omitempty"`
	Stdout        string                 `json:"stdout,omitempty"`
	Stderr        string                 `json:"stderr,omitempty"`
	Provenance    map[string]interface{} `json:"provenance,omitempty"`
}

// FinalEnergy returns the last trajectory energy.
func (r *OptimizationResult) FinalEnergy() (float64, bool) {
	if len(r.Energies) == 0 {
		return 0, false
	}
	return r.Energies[len(r.Energies)-1], true
}

// ErrorPayload is the failure half of a manager return.
type ErrorPayload struct {
	ErrorType    string                 `json:"error_type"`
	ErrorMessage string                 `json:"error_message"`
	Extras       map[string]interface{} `json:"extras,omitempty"`
}

func (e *ErrorPayload) Validate() error {
	if e.ErrorType == "" {
		e.ErrorType = "unknown_error"
	}
	if e.ErrorMessage == "" {
		return fmt.Errorf("error payload has no message")
	}
	return nil
}
