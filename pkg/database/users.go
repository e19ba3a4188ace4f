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

// CreateUser inserts one user row; duplicate usernames surface as
// duplicate_rejected.
func (c *Client) CreateUser(ctx context.Context, row *model.User) error {
	if row.CreatedOn.IsZero() {
		row.CreatedOn = time.Now().UTC()
	}
	if err := c.gorm.WithContext(ctx).Create(row).Error; err != nil {
		if IsUniqueViolation(err) {
			return qcerrors.NewDuplicateRejected("user %q already exists", row.Username)
		}
		return err
	}
	return nil
}

// GetUser loads one user by name.
func (c *Client) GetUser(ctx context.Context, username string) (*model.User, error) {
	var row model.User
	err := c.gorm.WithContext(ctx).Where("username = ?", username).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, qcerrors.NewNotFound("user %q not found", username)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListUsers returns every user ordered by name.
func (c *Client) ListUsers(ctx context.Context) ([]*model.User, error) {
	var rows []*model.User
	err := c.gorm.WithContext(ctx).Order("username ASC").Find(&rows).Error
	return rows, err
}

// UpdateUser applies the given column updates to one user.
func (c *Client) UpdateUser(ctx context.Context, username string, updates map[string]interface{}) error {
	res := c.gorm.WithContext(ctx).Model(&model.User{}).
		Where("username = ?", username).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return qcerrors.NewNotFound("user %q not found", username)
	}
	return nil
}

// DeleteUser removes one user row.
func (c *Client) DeleteUser(ctx context.Context, username string) error {
	res := c.gorm.WithContext(ctx).Where("username = ?", username).Delete(&model.User{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return qcerrors.NewNotFound("user %q not found", username)
	}
	return nil
}
