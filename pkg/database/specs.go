/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package database

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/MolSSI/QCFractal-sub000/pkg/database/model"
	qcerrors "github.com/MolSSI/QCFractal-sub000/pkg/errors"
)

// Specification rows are deduplicated by hash inside the same transaction
// that inserts the record referencing them, so a record never points at a
// spec that failed to materialize.

// GetOrCreateQCSpec resolves the row id for a stored singlepoint spec.
func GetOrCreateQCSpec(tx *gorm.DB, row *model.QCSpecification) (int64, error) {
	id, _, err := upsertByHash(tx, row, row.SpecHash)
	return id, err
}

// GetOrCreateOptimizationSpec resolves the row id for a stored optimization
// spec; the inner QC spec must already be resolved.
func GetOrCreateOptimizationSpec(tx *gorm.DB, row *model.OptimizationSpecification) (int64, error) {
	id, _, err := upsertByHash(tx, row, row.SpecHash)
	return id, err
}

// GetOrCreateServiceSpec resolves the row id for a stored service spec.
func GetOrCreateServiceSpec(tx *gorm.DB, row *model.ServiceSpecification) (int64, error) {
	id, _, err := upsertByHash(tx, row, row.SpecHash)
	return id, err
}

// GetQCSpec loads one stored singlepoint spec.
func (c *Client) GetQCSpec(ctx context.Context, id int64) (*model.QCSpecification, error) {
	var row model.QCSpecification
	if err := c.gorm.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, qcerrors.NewNotFound("qc specification %d not found", id)
		}
		return nil, err
	}
	return &row, nil
}

// GetOptimizationSpec loads one stored optimization spec.
func (c *Client) GetOptimizationSpec(ctx context.Context, id int64) (*model.OptimizationSpecification, error) {
	var row model.OptimizationSpecification
	if err := c.gorm.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, qcerrors.NewNotFound("optimization specification %d not found", id)
		}
		return nil, err
	}
	return &row, nil
}

// GetServiceSpec loads one stored service spec.
func (c *Client) GetServiceSpec(ctx context.Context, id int64) (*model.ServiceSpecification, error) {
	var row model.ServiceSpecification
	if err := c.gorm.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, qcerrors.NewNotFound("service specification %d not found", id)
		}
		return nil, err
	}
	return &row, nil
}
