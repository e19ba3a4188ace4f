/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package jsonutil

import (
	"bytes"
	"encoding/json"

	"k8s.io/klog/v2"
)

// UnmarshalStrict decodes data into v, rejecting unknown fields so client
// typos surface as invalid_input instead of silently dropped options.
func UnmarshalStrict(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// MarshalSilently renders v, logging instead of failing; callers use it for
// values already known to be marshalable.
func MarshalSilently(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		klog.ErrorS(err, "failed to marshal value")
		return nil
	}
	return data
}
