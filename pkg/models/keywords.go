/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package models

import (
	"fmt"

	"github.com/MolSSI/QCFractal-sub000/pkg/hash"
)

// KeywordSet is an immutable, hash-deduplicated bag of program options.
// Keys and string values are preserved byte-exact; case folding applies only
// to the spec-level program/method/basis fields, never inside keywords.
type KeywordSet struct {
	Values  map[string]interface{} `json:"values"`
	Comment string                 `json:"comment,omitempty"`
}

// Validate normalizes a nil map to empty so that "no keywords" has a single
// canonical form.
func (k *KeywordSet) Validate() error {
	if k.Values == nil {
		k.Values = map[string]interface{}{}
	}
	if _, err := hash.Canonicalize(k.Values); err != nil {
		return fmt.Errorf("keyword values are not canonicalizable: %w", err)
	}
	return nil
}

// Hash digests the canonical JSON of the values. The comment is metadata and
// does not participate.
func (k *KeywordSet) Hash() (string, error) {
	values := k.Values
	if values == nil {
		values = map[string]interface{}{}
	}
	return hash.Digest(values)
}
