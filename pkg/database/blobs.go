/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package database

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/MolSSI/QCFractal-sub000/pkg/database/model"
	qcerrors "github.com/MolSSI/QCFractal-sub000/pkg/errors"
)

// CreateBlob inserts one kvstore row and returns its id. The blob package
// owns compression and checksumming; this facade only persists rows.
func (c *Client) CreateBlob(ctx context.Context, row *model.KVStore) (int64, error) {
	if row.CreatedOn.IsZero() {
		row.CreatedOn = time.Now().UTC()
	}
	if err := c.gorm.WithContext(ctx).Create(row).Error; err != nil {
		return 0, err
	}
	return row.ID, nil
}

// GetBlob loads one kvstore row.
func (c *Client) GetBlob(ctx context.Context, id int64) (*model.KVStore, error) {
	var row model.KVStore
	err := c.gorm.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, qcerrors.NewNotFound("blob %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// UpdateBlob replaces a row's payload metadata and bytes; used by the
// append path for service iteration logs.
func (c *Client) UpdateBlob(ctx context.Context, row *model.KVStore) error {
	return c.gorm.WithContext(ctx).Model(&model.KVStore{}).
		Where("id = ?", row.ID).
		Updates(map[string]interface{}{
			"content_type": row.ContentType,
			"compression":  row.Compression,
			"checksum":     row.Checksum,
			"size":         row.Size,
			"external":     row.External,
			"data":         row.Data,
		}).Error
}

// DeleteBlob removes one kvstore row.
func (c *Client) DeleteBlob(ctx context.Context, id int64) error {
	return c.gorm.WithContext(ctx).Where("id = ?", id).Delete(&model.KVStore{}).Error
}
