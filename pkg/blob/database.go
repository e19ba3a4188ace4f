/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package blob

import (
	"context"

	"github.com/MolSSI/QCFractal-sub000/pkg/database"
	"github.com/MolSSI/QCFractal-sub000/pkg/database/model"
)

// DatabaseStore keeps blob bytes inline in the kvstore table. The default
// backend; no extra infrastructure needed.
type DatabaseStore struct {
	db *database.Client
}

// NewDatabaseStore builds the database-backed store.
func NewDatabaseStore(db *database.Client) *DatabaseStore {
	return &DatabaseStore{db: db}
}

func (s *DatabaseStore) Put(ctx context.Context, contentType string, data []byte) (int64, error) {
	row := &model.KVStore{}
	if err := encode(row, contentType, data); err != nil {
		return 0, err
	}
	return s.db.CreateBlob(ctx, row)
}

func (s *DatabaseStore) Get(ctx context.Context, id int64) ([]byte, string, error) {
	row, err := s.db.GetBlob(ctx, id)
	if err != nil {
		return nil, "", err
	}
	data, err := decode(row, row.Data)
	if err != nil {
		return nil, "", err
	}
	return data, row.ContentType, nil
}

func (s *DatabaseStore) AppendText(ctx context.Context, id *int64, text string) (int64, error) {
	if id == nil {
		return s.Put(ctx, ContentTypeText, []byte(text))
	}
	row, err := s.db.GetBlob(ctx, *id)
	if err != nil {
		return 0, err
	}
	existing, err := decode(row, row.Data)
	if err != nil {
		return 0, err
	}
	if err := encode(row, ContentTypeText, append(existing, text...)); err != nil {
		return 0, err
	}
	return row.ID, s.db.UpdateBlob(ctx, row)
}

func (s *DatabaseStore) Delete(ctx context.Context, id int64) error {
	return s.db.DeleteBlob(ctx, id)
}
