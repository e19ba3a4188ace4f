/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

// Package hash produces the deterministic digests that de-duplicate
// molecules, keyword sets and computation specifications. Every digest is
// the hex SHA-256 of a canonical JSON form: object keys sorted bytewise at
// every level, integral floats emitted without a trailing ".0", no
// insignificant whitespace.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
)

// Canonicalize renders v in canonical JSON. The value is first flattened
// through encoding/json, so struct tags apply and map iteration order is
// irrelevant; the re-encode sorts keys and collapses numeric spellings
// ("1e2", "100.0" and "100" all emit as "100"). NaN and infinities are
// rejected.
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	var tree interface{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	out, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// Digest returns the hex SHA-256 of the canonical form of v.
func Digest(v interface{}) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Round quantizes x to the given number of decimal places. Negative zero
// normalizes to zero so that values straddling 0 from either side hash
// identically.
func Round(x float64, decimals int) float64 {
	scale := math.Pow10(decimals)
	r := math.Round(x*scale) / scale
	if r == 0 {
		return 0
	}
	return r
}

// RoundSlice applies Round to every element, returning a new slice.
func RoundSlice(xs []float64, decimals int) []float64 {
	if xs == nil {
		return nil
	}
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = Round(x, decimals)
	}
	return out
}
