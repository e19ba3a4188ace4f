/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package database

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	utilversion "k8s.io/apimachinery/pkg/util/version"
	"k8s.io/klog/v2"

	"github.com/MolSSI/QCFractal-sub000/pkg/database/model"
	qcerrors "github.com/MolSSI/QCFractal-sub000/pkg/errors"
	"github.com/MolSSI/QCFractal-sub000/pkg/models"
)

func lockingClause() clause.Locking {
	return clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}
}

// CreateTask enqueues the task row backing a waiting record.
func CreateTask(tx *gorm.DB, row *model.TaskQueue) error {
	if row.CreatedOn.IsZero() {
		row.CreatedOn = time.Now().UTC()
	}
	return tx.Create(row).Error
}

// DeleteTaskByRecord removes the task row; returns, cancels and completions
// all end here.
func DeleteTaskByRecord(tx *gorm.DB, recordID int64) error {
	return tx.Where("record_id = ?", recordID).Delete(&model.TaskQueue{}).Error
}

// GetTaskByRecord loads the queue row for a record, nil when absent.
func (c *Client) GetTaskByRecord(ctx context.Context, recordID int64) (*model.TaskQueue, error) {
	var row model.TaskQueue
	err := c.gorm.WithContext(ctx).Where("record_id = ?", recordID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// GetTask loads a task row by id.
func (c *Client) GetTask(ctx context.Context, id int64) (*model.TaskQueue, error) {
	var row model.TaskQueue
	err := c.gorm.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, qcerrors.NewNotFound("task %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// TaskQueueDepth counts unleased waiting tasks.
func (c *Client) TaskQueueDepth(ctx context.Context) (int64, error) {
	var count int64
	err := c.gorm.WithContext(ctx).Model(&model.TaskQueue{}).
		Where("manager_name IS NULL").Count(&count).Error
	return count, err
}

// programsSatisfy reports whether the declared program set covers every
// required entry: name present and declared version >= the required minimum
// (an empty minimum matches any declared version).
func programsSatisfy(declared, required map[string]string) bool {
	for name, minimum := range required {
		have, ok := declared[name]
		if !ok {
			return false
		}
		if minimum == "" {
			continue
		}
		min, err := utilversion.ParseGeneric(minimum)
		if err != nil {
			return false
		}
		if have == "" {
			// Declared without a version: treat as satisfying only a zero
			// minimum.
			if min.Major() == 0 && min.Minor() == 0 && min.Patch() == 0 {
				continue
			}
			return false
		}
		got, err := utilversion.ParseGeneric(have)
		if err != nil {
			return false
		}
		if got.LessThan(min) {
			return false
		}
	}
	return true
}

// ClaimTasks atomically leases up to limit claimable tasks for a manager.
// The manager's declared tags are walked in order; within one tag bucket
// claims go priority-descending then FIFO. A task tagged with the wildcard
// is visible only through an explicit wildcard entry in the manager's list.
// Program requirements are filtered in Go after the row lock. Claimed tasks
// get the lease and their records flip waiting -> running.
func (c *Client) ClaimTasks(ctx context.Context, mgr *model.Manager, limit int, lease time.Duration) ([]*model.TaskQueue, error) {
	var tags []string
	if err := json.Unmarshal(mgr.Tags, &tags); err != nil {
		return nil, qcerrors.NewInvalidInput("manager %q has malformed tags", mgr.Name)
	}
	var declared map[string]string
	if err := json.Unmarshal(mgr.Programs, &declared); err != nil {
		return nil, qcerrors.NewInvalidInput("manager %q has malformed programs", mgr.Name)
	}

	deadline := time.Now().UTC().Add(lease)
	var claimed []*model.TaskQueue
	err := c.RetryTxn(ctx, func(tx *gorm.DB) error {
		claimed = claimed[:0]
		for _, tag := range tags {
			remaining := limit - len(claimed)
			if remaining <= 0 {
				break
			}
			query := c.lockForUpdate(tx).
				Where("manager_name IS NULL")
			if tag != models.TagWildcard {
				query = query.Where("tag = ?", tag)
			}
			var candidates []*model.TaskQueue
			// Over-fetch so program filtering does not starve the claim.
			err := query.Order("priority DESC, created_on ASC").
				Limit(remaining*2 + 10).
				Find(&candidates).Error
			if err != nil {
				return err
			}
			for _, task := range candidates {
				if len(claimed) >= limit {
					break
				}
				var required map[string]string
				if err := json.Unmarshal(task.RequiredPrograms, &required); err != nil {
					klog.ErrorS(err, "task has malformed required programs", "task", task.ID)
					continue
				}
				if !programsSatisfy(declared, required) {
					continue
				}
				res := tx.Model(&model.TaskQueue{}).
					Where("id = ? AND manager_name IS NULL", task.ID).
					Updates(map[string]interface{}{
						"manager_name":  mgr.Name,
						"lease_expires": deadline,
					})
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected == 0 {
					continue
				}
				ok, err := UpdateStatusGuarded(tx, task.RecordID,
					[]models.RecordStatus{models.StatusWaiting}, models.StatusRunning,
					map[string]interface{}{"manager_name": mgr.Name})
				if err != nil {
					return err
				}
				if !ok {
					// Record left waiting under us (cancelled mid-claim);
					// release the row again.
					if err := tx.Model(&model.TaskQueue{}).Where("id = ?", task.ID).
						Updates(map[string]interface{}{
							"manager_name":  nil,
							"lease_expires": nil,
						}).Error; err != nil {
						return err
					}
					continue
				}
				name := mgr.Name
				task.ManagerName = &name
				task.LeaseExpires = &deadline
				claimed = append(claimed, task)
			}
		}
		if len(claimed) > 0 {
			return tx.Model(&model.Manager{}).
				Where("name = ?", mgr.Name).
				Update("claimed", gorm.Expr("claimed + ?", len(claimed))).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ExtendLeases pushes every lease held by a manager out to the new deadline.
// Called on each heartbeat.
func (c *Client) ExtendLeases(ctx context.Context, managerName string, lease time.Duration) (int64, error) {
	deadline := time.Now().UTC().Add(lease)
	res := c.gorm.WithContext(ctx).Model(&model.TaskQueue{}).
		Where("manager_name = ?", managerName).
		Update("lease_expires", deadline)
	return res.RowsAffected, res.Error
}

// RequeueManagerTasks releases every task leased by a manager: lease
// cleared, record back to waiting. The record keeps manager_name as history.
// Used for both heartbeat expiry and explicit manager shutdown.
func (c *Client) RequeueManagerTasks(ctx context.Context, managerName string) (int, error) {
	var requeued int
	err := c.RetryTxn(ctx, func(tx *gorm.DB) error {
		requeued = 0
		var tasks []*model.TaskQueue
		if err := c.lockForUpdate(tx).
			Where("manager_name = ?", managerName).
			Find(&tasks).Error; err != nil {
			return err
		}
		for _, task := range tasks {
			if err := tx.Model(&model.TaskQueue{}).Where("id = ?", task.ID).
				Updates(map[string]interface{}{
					"manager_name":  nil,
					"lease_expires": nil,
				}).Error; err != nil {
				return err
			}
			if _, err := UpdateStatusGuarded(tx, task.RecordID,
				[]models.RecordStatus{models.StatusRunning}, models.StatusWaiting, nil); err != nil {
				return err
			}
			requeued++
		}
		return nil
	})
	return requeued, err
}

// RequeueExpiredTasks releases every task whose lease deadline passed
// without a heartbeat, regardless of manager status. Safety net under the
// manager reap.
func (c *Client) RequeueExpiredTasks(ctx context.Context, now time.Time) (int, error) {
	var requeued int
	err := c.RetryTxn(ctx, func(tx *gorm.DB) error {
		requeued = 0
		var tasks []*model.TaskQueue
		if err := c.lockForUpdate(tx).
			Where("manager_name IS NOT NULL AND lease_expires < ?", now).
			Find(&tasks).Error; err != nil {
			return err
		}
		for _, task := range tasks {
			if err := tx.Model(&model.TaskQueue{}).Where("id = ?", task.ID).
				Updates(map[string]interface{}{
					"manager_name":  nil,
					"lease_expires": nil,
				}).Error; err != nil {
				return err
			}
			if _, err := UpdateStatusGuarded(tx, task.RecordID,
				[]models.RecordStatus{models.StatusRunning}, models.StatusWaiting, nil); err != nil {
				return err
			}
			requeued++
		}
		return nil
	})
	return requeued, err
}
