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
)

// EnqueueInternalJob inserts a waiting job row. When the job carries a
// unique name, a still-pending duplicate is left in place and no new row is
// created; the losing insert observes a no-op.
func (c *Client) EnqueueInternalJob(ctx context.Context, row *model.InternalJob) error {
	row.Status = model.JobWaiting
	if row.ScheduledAt.IsZero() {
		row.ScheduledAt = time.Now().UTC()
	}
	err := c.gorm.WithContext(ctx).Create(row).Error
	if err != nil && row.UniqueName != "" && IsUniqueViolation(err) {
		return nil
	}
	return err
}

// ClaimInternalJobs atomically takes up to limit due jobs for a runner:
// row-locked select, status flip to running, runner uuid stamped.
func (c *Client) ClaimInternalJobs(ctx context.Context, runnerUUID string, now time.Time, limit int) ([]*model.InternalJob, error) {
	var claimed []*model.InternalJob
	err := c.RetryTxn(ctx, func(tx *gorm.DB) error {
		claimed = claimed[:0]
		var due []*model.InternalJob
		if err := c.lockForUpdate(tx).
			Where("status = ? AND scheduled_at <= ?", model.JobWaiting, now).
			Order("scheduled_at ASC").
			Limit(limit).
			Find(&due).Error; err != nil {
			return err
		}
		for _, job := range due {
			res := tx.Model(&model.InternalJob{}).
				Where("id = ? AND status = ?", job.ID, model.JobWaiting).
				Updates(map[string]interface{}{
					"status":      model.JobRunning,
					"started_at":  now,
					"runner_uuid": runnerUUID,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				job.Status = model.JobRunning
				job.RunnerUUID = runnerUUID
				claimed = append(claimed, job)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// FinishInternalJob records a job outcome. Repeating jobs clear their unique
// name on the finished row so the follow-up enqueue can reuse it.
func (c *Client) FinishInternalJob(ctx context.Context, id int64, jobErr error, result []byte) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"ended_at":    now,
		"unique_name": nil,
	}
	if jobErr != nil {
		updates["status"] = model.JobError
		updates["last_error"] = jobErr.Error()
	} else {
		updates["status"] = model.JobComplete
		if result != nil {
			updates["result"] = result
		}
	}
	return c.gorm.WithContext(ctx).Model(&model.InternalJob{}).
		Where("id = ?", id).Updates(updates).Error
}

// PruneInternalJobs removes finished jobs older than the cutoff.
func (c *Client) PruneInternalJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res := c.gorm.WithContext(ctx).
		Where("status IN ? AND ended_at < ?", []string{model.JobComplete, model.JobError}, cutoff).
		Delete(&model.InternalJob{})
	return res.RowsAffected, res.Error
}

// InsertServerStats appends one stats snapshot.
func (c *Client) InsertServerStats(ctx context.Context, row *model.ServerStats) error {
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now().UTC()
	}
	return c.gorm.WithContext(ctx).Create(row).Error
}

// GetServerStats returns the newest snapshots, most recent first.
func (c *Client) GetServerStats(ctx context.Context, limit int) ([]*model.ServerStats, error) {
	var rows []*model.ServerStats
	err := c.gorm.WithContext(ctx).Order("timestamp DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// InsertAccessLogs batch-inserts flushed access log rows.
func (c *Client) InsertAccessLogs(ctx context.Context, rows []*model.AccessLog) error {
	if len(rows) == 0 {
		return nil
	}
	return c.gorm.WithContext(ctx).Create(rows).Error
}

// QueryAccessLog returns the newest access-log rows, most recent first.
func (c *Client) QueryAccessLog(ctx context.Context, limit, skip int) ([]*model.AccessLog, error) {
	var rows []*model.AccessLog
	err := c.gorm.WithContext(ctx).Order("id DESC").Limit(limit).Offset(skip).Find(&rows).Error
	return rows, err
}

// PruneAccessLog removes access-log rows older than the cutoff.
func (c *Client) PruneAccessLog(ctx context.Context, cutoff time.Time) (int64, error) {
	res := c.gorm.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&model.AccessLog{})
	return res.RowsAffected, res.Error
}

// SchemaVersion reads the stored schema version; zero when uninitialized.
func (c *Client) SchemaVersion(ctx context.Context) (int, error) {
	var row model.SchemaMeta
	err := c.gorm.WithContext(ctx).Where("id = 1").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.Version, nil
}

// SetSchemaVersion writes the schema version marker row.
func (c *Client) SetSchemaVersion(ctx context.Context, version int) error {
	row := &model.SchemaMeta{ID: 1, Version: version}
	return c.gorm.WithContext(ctx).Save(row).Error
}
