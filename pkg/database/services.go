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
	"github.com/MolSSI/QCFractal-sub000/pkg/models"
)

// CreateService creates the service row backing a waiting service record.
// IterateState stays null until the driver's first iteration initializes it.
func CreateService(tx *gorm.DB, row *model.ServiceQueue) error {
	if row.NextIterationDue.IsZero() {
		row.NextIterationDue = time.Now().UTC()
	}
	return tx.Create(row).Error
}

// DeleteServiceByRecord removes the service row and its pending-children
// rows; completion, error and cancel all end here.
func DeleteServiceByRecord(tx *gorm.DB, recordID int64) error {
	var svc model.ServiceQueue
	err := tx.Where("record_id = ?", recordID).Take(&svc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := tx.Where("service_id = ?", svc.ID).Delete(&model.ServiceDependency{}).Error; err != nil {
		return err
	}
	return tx.Where("id = ?", svc.ID).Delete(&model.ServiceQueue{}).Error
}

// GetServiceByRecord loads the service row for a record, nil when absent.
func (c *Client) GetServiceByRecord(ctx context.Context, recordID int64) (*model.ServiceQueue, error) {
	var row model.ServiceQueue
	err := c.gorm.WithContext(ctx).Where("record_id = ?", recordID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ServiceQueueDepth counts live service rows.
func (c *Client) ServiceQueueDepth(ctx context.Context) (int64, error) {
	var count int64
	err := c.gorm.WithContext(ctx).Model(&model.ServiceQueue{}).Count(&count).Error
	return count, err
}

// DueServiceIDs returns record ids of services whose next iteration is due
// and not currently locked by a runner, oldest due first, bounded by limit.
func (c *Client) DueServiceIDs(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	var rows []model.ServiceQueue
	err := c.gorm.WithContext(ctx).
		Where("next_iteration_due <= ? AND (lock_expires IS NULL OR lock_expires < ?)", now, now).
		Order("next_iteration_due ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(rows))
	for i, row := range rows {
		ids[i] = row.RecordID
	}
	return ids, nil
}

// TryClaimService takes the iteration lock for one service row via a
// compare-and-set on lock_owner/lock_expires. Returns false when another
// runner holds a live lock. At most one iteration per service is in flight
// across replicated runners.
func (c *Client) TryClaimService(ctx context.Context, recordID int64, owner string, hold time.Duration) (bool, error) {
	now := time.Now().UTC()
	res := c.gorm.WithContext(ctx).Model(&model.ServiceQueue{}).
		Where("record_id = ? AND (lock_expires IS NULL OR lock_expires < ? OR lock_owner = ?)",
			recordID, now, owner).
		Updates(map[string]interface{}{
			"lock_owner":   owner,
			"lock_expires": now.Add(hold),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ReleaseService drops the iteration lock if still held by owner.
func (c *Client) ReleaseService(ctx context.Context, recordID int64, owner string) error {
	return c.gorm.WithContext(ctx).Model(&model.ServiceQueue{}).
		Where("record_id = ? AND lock_owner = ?", recordID, owner).
		Updates(map[string]interface{}{
			"lock_owner":   "",
			"lock_expires": nil,
		}).Error
}

// UpdateServiceIteration persists one iteration's outcome: the new opaque
// state, the bumped counter, the next due time, and the replaced pending
// children set.
func UpdateServiceIteration(tx *gorm.DB, svc *model.ServiceQueue, pendingChildren []int64) error {
	res := tx.Model(&model.ServiceQueue{}).
		Where("id = ?", svc.ID).
		Updates(map[string]interface{}{
			"iterate_state":      svc.IterateState,
			"counter":            svc.Counter,
			"next_iteration_due": svc.NextIterationDue,
			"stdout_blob_id":     svc.StdoutBlob,
		})
	if res.Error != nil {
		return res.Error
	}
	if err := tx.Where("service_id = ?", svc.ID).Delete(&model.ServiceDependency{}).Error; err != nil {
		return err
	}
	for _, childID := range pendingChildren {
		dep := &model.ServiceDependency{ServiceID: svc.ID, RecordID: childID}
		if err := tx.Create(dep).Error; err != nil && !IsUniqueViolation(err) {
			return err
		}
	}
	return nil
}

// PendingChildren returns the current pending child records of a service
// with their statuses.
func (c *Client) PendingChildren(ctx context.Context, serviceID int64) ([]*model.Record, error) {
	var deps []model.ServiceDependency
	if err := c.gorm.WithContext(ctx).Where("service_id = ?", serviceID).Find(&deps).Error; err != nil {
		return nil, err
	}
	if len(deps) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(deps))
	for i, d := range deps {
		ids[i] = d.RecordID
	}
	return c.GetRecords(ctx, ids, false)
}

// NudgeParents makes every waiting/running service parent of a record due
// immediately; called when a child settles so the parent iterates without
// waiting out its schedule.
func NudgeParents(tx *gorm.DB, childID int64) error {
	var edges []model.RecordDependency
	if err := tx.Where("child_id = ?", childID).Find(&edges).Error; err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, edge := range edges {
		if err := tx.Model(&model.ServiceQueue{}).
			Where("record_id = ?", edge.ParentID).
			Update("next_iteration_due", now).Error; err != nil {
			return err
		}
	}
	return nil
}

// allChildrenSettled reports whether no pending child of the service can
// still progress without user action.
func (c *Client) AllChildrenSettled(ctx context.Context, serviceID int64) (bool, error) {
	children, err := c.PendingChildren(ctx, serviceID)
	if err != nil {
		return false, err
	}
	for _, child := range children {
		if !models.RecordStatus(child.Status).Settled() {
			return false, nil
		}
	}
	return true, nil
}
