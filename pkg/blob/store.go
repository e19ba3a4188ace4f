/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

// Package blob stores the large opaque payloads that ride alongside records:
// stdout, stderr, error payloads, wavefunctions and native files. Payloads
// over a small threshold are gzip-compressed; every payload carries an
// xxhash64 checksum computed on the uncompressed bytes and verified on read.
// The database backend keeps the bytes in the kvstore table; the S3 backend
// keeps only metadata there and the bytes at kvstore/<id>.
package blob

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/MolSSI/QCFractal-sub000/pkg/database/model"
	qcerrors "github.com/MolSSI/QCFractal-sub000/pkg/errors"
)

// Content types used across the server.
const (
	ContentTypeText         = "text/plain"
	ContentTypeJSON         = "application/json"
	ContentTypeWavefunction = "application/json+wavefunction"
	ContentTypeNativeFiles  = "application/json+native_files"
)

// Compression markers stored on the row.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
)

// compressThreshold is the payload size above which gzip is applied.
const compressThreshold = 512

// Store is the blob interface the record store and service engine use.
type Store interface {
	// Put persists data under a fresh id.
	Put(ctx context.Context, contentType string, data []byte) (int64, error)
	// Get returns the uncompressed bytes and content type of a blob.
	Get(ctx context.Context, id int64) ([]byte, string, error)
	// AppendText appends text to an existing text blob, or creates one when
	// id is nil, returning the blob id either way.
	AppendText(ctx context.Context, id *int64, text string) (int64, error)
	// Delete removes a blob.
	Delete(ctx context.Context, id int64) error
}

// PutJSON marshals v and stores it as a JSON blob.
func PutJSON(ctx context.Context, s Store, contentType string, v interface{}) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal blob payload: %w", err)
	}
	return s.Put(ctx, contentType, data)
}

// GetText fetches a blob and returns it as a string.
func GetText(ctx context.Context, s Store, id int64) (string, error) {
	data, _, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func checksum(data []byte) string {
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

// encode fills a kvstore row's payload metadata from raw bytes, compressing
// when worthwhile.
func encode(row *model.KVStore, contentType string, data []byte) error {
	row.ContentType = contentType
	row.Checksum = checksum(data)
	row.Size = int64(len(data))
	if len(data) <= compressThreshold {
		row.Compression = CompressionNone
		row.Data = data
		return nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	row.Compression = CompressionGzip
	row.Data = buf.Bytes()
	return nil
}

// decode reverses encode and verifies the checksum.
func decode(row *model.KVStore, raw []byte) ([]byte, error) {
	data := raw
	if row.Compression == CompressionGzip {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("blob %d is not valid gzip: %w", row.ID, err)
		}
		defer zr.Close()
		if data, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("failed to decompress blob %d: %w", row.ID, err)
		}
	}
	if sum := checksum(data); sum != row.Checksum {
		return nil, qcerrors.NewInternal(
			fmt.Errorf("blob %d checksum mismatch: stored %s computed %s", row.ID, row.Checksum, sum))
	}
	return data, nil
}
