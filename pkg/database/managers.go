/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package database

import (
	"context"
	"errors"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"gorm.io/gorm"

	"github.com/MolSSI/QCFractal-sub000/pkg/database/model"
	qcerrors "github.com/MolSSI/QCFractal-sub000/pkg/errors"
)

// RegisterManager creates or reactivates a manager row. Re-registration
// under the same name refreshes the declared capabilities and heartbeat.
func (c *Client) RegisterManager(ctx context.Context, row *model.Manager) error {
	now := time.Now().UTC()
	row.Status = model.ManagerActive
	row.LastHeartbeat = now
	return c.RetryTxn(ctx, func(tx *gorm.DB) error {
		var existing model.Manager
		err := tx.Where("name = ?", row.Name).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row.CreatedOn = now
			return tx.Create(row).Error
		}
		if err != nil {
			return err
		}
		row.ID = existing.ID
		return tx.Model(&model.Manager{}).Where("id = ?", existing.ID).
			Updates(map[string]interface{}{
				"cluster":        row.Cluster,
				"hostname":       row.Hostname,
				"version":        row.Version,
				"tags":           row.Tags,
				"programs":       row.Programs,
				"status":         model.ManagerActive,
				"last_heartbeat": now,
			}).Error
	})
}

// GetManager loads a manager by name.
func (c *Client) GetManager(ctx context.Context, name string) (*model.Manager, error) {
	var row model.Manager
	err := c.gorm.WithContext(ctx).Where("name = ?", name).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, qcerrors.NewManagerUnknown(name)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// TouchManagerHeartbeat stamps the heartbeat time and reactivates the row.
func (c *Client) TouchManagerHeartbeat(ctx context.Context, name string) error {
	res := c.gorm.WithContext(ctx).Model(&model.Manager{}).
		Where("name = ?", name).
		Updates(map[string]interface{}{
			"last_heartbeat": time.Now().UTC(),
			"status":         model.ManagerActive,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return qcerrors.NewManagerUnknown(name)
	}
	return nil
}

// BumpManagerCounters adds deltas to the outcome counters.
func (c *Client) BumpManagerCounters(ctx context.Context, name string, successes, failures, rejected int) error {
	if successes == 0 && failures == 0 && rejected == 0 {
		return nil
	}
	return c.gorm.WithContext(ctx).Model(&model.Manager{}).
		Where("name = ?", name).
		Updates(map[string]interface{}{
			"successes": gorm.Expr("successes + ?", successes),
			"failures":  gorm.Expr("failures + ?", failures),
			"rejected":  gorm.Expr("rejected + ?", rejected),
		}).Error
}

// DeactivateStaleManagers marks every active manager silent past the cutoff
// as inactive, returning their names so the reaper can requeue their tasks.
func (c *Client) DeactivateStaleManagers(ctx context.Context, cutoff time.Time) ([]string, error) {
	var names []string
	err := c.RetryTxn(ctx, func(tx *gorm.DB) error {
		names = names[:0]
		var stale []model.Manager
		if err := c.lockForUpdate(tx).
			Where("status = ? AND last_heartbeat < ?", model.ManagerActive, cutoff).
			Find(&stale).Error; err != nil {
			return err
		}
		for _, mgr := range stale {
			res := tx.Model(&model.Manager{}).
				Where("id = ? AND status = ?", mgr.ID, model.ManagerActive).
				Update("status", model.ManagerInactive)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				names = append(names, mgr.Name)
			}
		}
		return nil
	})
	return names, err
}

// ManagerFilter narrows manager queries.
type ManagerFilter struct {
	Names   []string
	Status  []string
	Cluster string
	Limit   int
	Skip    int
}

// QueryManagers returns one page of manager rows plus the total count.
func (c *Client) QueryManagers(ctx context.Context, filter *ManagerFilter) ([]*model.Manager, int, error) {
	var cond sqrl.And
	if len(filter.Names) > 0 {
		cond = append(cond, sqrl.Eq{"name": filter.Names})
	}
	if len(filter.Status) > 0 {
		cond = append(cond, sqrl.Eq{"status": filter.Status})
	}
	if filter.Cluster != "" {
		cond = append(cond, sqrl.Eq{"cluster": filter.Cluster})
	}
	total, err := c.countRows(ctx, model.TableNameManager, cond)
	if err != nil {
		return nil, 0, err
	}
	sql, args, err := c.selectBuilder("*").
		From(model.TableNameManager).
		Where(cond).
		OrderBy("name ASC").
		Limit(uint64(filter.Limit)).
		Offset(uint64(filter.Skip)).ToSql()
	if err != nil {
		return nil, 0, err
	}
	var rows []*model.Manager
	if err := c.getDB().SelectContext(ctx, &rows, sql, args...); err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// CountManagersByStatus returns status -> count over all managers.
func (c *Client) CountManagersByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := c.gorm.WithContext(ctx).Model(&model.Manager{}).
		Select("status, COUNT(*) AS count").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}
