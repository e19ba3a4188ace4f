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
	"k8s.io/klog/v2"

	"github.com/MolSSI/QCFractal-sub000/pkg/database/model"
	qcerrors "github.com/MolSSI/QCFractal-sub000/pkg/errors"
	"github.com/MolSSI/QCFractal-sub000/pkg/models"
)

// InsertRecord inserts a base record row unless an identical
// (type, spec_hash, inputs_hash) row exists, in which case the existing id
// is returned and the detail callback is skipped. The callback creates the
// per-type detail row and the task or service row in the same transaction.
// A pre-set status is kept; otherwise the row starts waiting. Born-complete
// rows (optimization trajectory points) use this to skip the queue entirely.
func InsertRecord(tx *gorm.DB, rec *model.Record, detail func(tx *gorm.DB, recordID int64) error) (int64, bool, error) {
	find := func() (int64, error) {
		var existing struct{ ID int64 }
		err := tx.Model(&model.Record{}).Select("id").
			Where("record_type = ? AND spec_hash = ? AND inputs_hash = ?",
				rec.RecordType, rec.SpecHash, rec.InputsHash).
			Take(&existing).Error
		return existing.ID, err
	}
	id, err := find()
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, err
	}
	now := time.Now().UTC()
	if rec.Status == "" {
		rec.Status = string(models.StatusWaiting)
	}
	rec.CreatedOn = now
	rec.ModifiedOn = now
	if err := tx.Create(rec).Error; err != nil {
		if IsUniqueViolation(err) {
			id, err = find()
			return id, false, err
		}
		return 0, false, err
	}
	if err := detail(tx, rec.ID); err != nil {
		return 0, false, err
	}
	return rec.ID, true, nil
}

// GetRecord loads one base row.
func (c *Client) GetRecord(ctx context.Context, id int64) (*model.Record, error) {
	var row model.Record
	if err := c.gorm.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, qcerrors.NewNotFound("record %d not found", id)
		}
		return nil, err
	}
	return &row, nil
}

// GetRecords returns base rows in request order with missing_ok semantics.
func (c *Client) GetRecords(ctx context.Context, ids []int64, missingOK bool) ([]*model.Record, error) {
	var rows []*model.Record
	if err := c.gorm.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	byID := make(map[int64]*model.Record, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}
	out := make([]*model.Record, len(ids))
	for i, id := range ids {
		row, ok := byID[id]
		if !ok && !missingOK {
			return nil, qcerrors.NewNotFound("record %d not found", id)
		}
		out[i] = row
	}
	return out, nil
}

// RecordFilter narrows record queries; zero fields do not constrain.
type RecordFilter struct {
	IDs            []int64
	Status         []string
	RecordType     []string
	ManagerName    string
	Tag            string
	OwnerUser      string
	CreatedBefore  *time.Time
	CreatedAfter   *time.Time
	ModifiedBefore *time.Time
	ModifiedAfter  *time.Time
	Limit          int
	Skip           int
}

func (f *RecordFilter) conditions() sqrl.And {
	var cond sqrl.And
	if len(f.IDs) > 0 {
		cond = append(cond, sqrl.Eq{"id": f.IDs})
	}
	if len(f.Status) > 0 {
		cond = append(cond, sqrl.Eq{"status": f.Status})
	}
	if len(f.RecordType) > 0 {
		cond = append(cond, sqrl.Eq{"record_type": f.RecordType})
	}
	if f.ManagerName != "" {
		cond = append(cond, sqrl.Eq{"manager_name": f.ManagerName})
	}
	if f.Tag != "" {
		cond = append(cond, sqrl.Eq{"tag": f.Tag})
	}
	if f.OwnerUser != "" {
		cond = append(cond, sqrl.Eq{"owner_user": f.OwnerUser})
	}
	if f.CreatedBefore != nil {
		cond = append(cond, sqrl.Lt{"created_on": *f.CreatedBefore})
	}
	if f.CreatedAfter != nil {
		cond = append(cond, sqrl.Gt{"created_on": *f.CreatedAfter})
	}
	if f.ModifiedBefore != nil {
		cond = append(cond, sqrl.Lt{"modified_on": *f.ModifiedBefore})
	}
	if f.ModifiedAfter != nil {
		cond = append(cond, sqrl.Gt{"modified_on": *f.ModifiedAfter})
	}
	return cond
}

// QueryRecords returns one page of base rows plus the total match count.
func (c *Client) QueryRecords(ctx context.Context, filter *RecordFilter) ([]*model.Record, int, error) {
	start := time.Now()
	cond := filter.conditions()
	total, err := c.countRows(ctx, model.TableNameRecord, cond)
	if err != nil {
		return nil, 0, err
	}
	sql, args, err := c.selectBuilder("*").
		From(model.TableNameRecord).
		Where(cond).
		OrderBy("id ASC").
		Limit(uint64(filter.Limit)).
		Offset(uint64(filter.Skip)).ToSql()
	if err != nil {
		return nil, 0, err
	}
	var rows []*model.Record
	if err := c.getDB().SelectContext(ctx, &rows, sql, args...); err != nil {
		return nil, 0, err
	}
	klog.V(4).InfoS("queried records", "matched", total, "returned", len(rows), "cost", time.Since(start))
	return rows, total, nil
}

// CountRecordsByStatus returns status -> count over all records.
func (c *Client) CountRecordsByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := c.gorm.WithContext(ctx).Model(&model.Record{}).
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

// UpdateStatusGuarded flips a record's status only when the current status
// is one of from, returning whether the guard matched. extra columns ride
// along in the same UPDATE.
func UpdateStatusGuarded(tx *gorm.DB, id int64, from []models.RecordStatus, to models.RecordStatus, extra map[string]interface{}) (bool, error) {
	sources := make([]string, len(from))
	for i, s := range from {
		sources[i] = string(s)
	}
	updates := map[string]interface{}{
		"status":      string(to),
		"modified_on": time.Now().UTC(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := tx.Model(&model.Record{}).
		Where("id = ? AND status IN ?", id, sources).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Per-type detail getters. Each returns not_found when the record exists but
// the detail row does not match the requested type.

func (c *Client) GetSinglepointRecord(ctx context.Context, recordID int64) (*model.SinglepointRecord, error) {
	var row model.SinglepointRecord
	if err := c.gorm.WithContext(ctx).Where("record_id = ?", recordID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, qcerrors.NewNotFound("singlepoint record %d not found", recordID)
		}
		return nil, err
	}
	return &row, nil
}

func (c *Client) GetOptimizationRecord(ctx context.Context, recordID int64) (*model.OptimizationRecord, error) {
	var row model.OptimizationRecord
	if err := c.gorm.WithContext(ctx).Where("record_id = ?", recordID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, qcerrors.NewNotFound("optimization record %d not found", recordID)
		}
		return nil, err
	}
	return &row, nil
}

func (c *Client) GetTorsiondriveRecord(ctx context.Context, recordID int64) (*model.TorsiondriveRecord, error) {
	var row model.TorsiondriveRecord
	if err := c.gorm.WithContext(ctx).Where("record_id = ?", recordID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, qcerrors.NewNotFound("torsiondrive record %d not found", recordID)
		}
		return nil, err
	}
	return &row, nil
}

func (c *Client) GetGridoptimizationRecord(ctx context.Context, recordID int64) (*model.GridoptimizationRecord, error) {
	var row model.GridoptimizationRecord
	if err := c.gorm.WithContext(ctx).Where("record_id = ?", recordID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, qcerrors.NewNotFound("gridoptimization record %d not found", recordID)
		}
		return nil, err
	}
	return &row, nil
}

func (c *Client) GetNEBRecord(ctx context.Context, recordID int64) (*model.NEBRecord, error) {
	var row model.NEBRecord
	if err := c.gorm.WithContext(ctx).Where("record_id = ?", recordID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, qcerrors.NewNotFound("neb record %d not found", recordID)
		}
		return nil, err
	}
	return &row, nil
}

func (c *Client) GetManybodyRecord(ctx context.Context, recordID int64) (*model.ManybodyRecord, error) {
	var row model.ManybodyRecord
	if err := c.gorm.WithContext(ctx).Where("record_id = ?", recordID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, qcerrors.NewNotFound("manybody record %d not found", recordID)
		}
		return nil, err
	}
	return &row, nil
}

func (c *Client) GetReactionRecord(ctx context.Context, recordID int64) (*model.ReactionRecord, error) {
	var row model.ReactionRecord
	if err := c.gorm.WithContext(ctx).Where("record_id = ?", recordID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, qcerrors.NewNotFound("reaction record %d not found", recordID)
		}
		return nil, err
	}
	return &row, nil
}

// GetReactionComponents returns the stoichiometry of a reaction record.
func (c *Client) GetReactionComponents(ctx context.Context, recordID int64) ([]*model.ReactionComponent, error) {
	var rows []*model.ReactionComponent
	err := c.gorm.WithContext(ctx).Where("record_id = ?", recordID).Find(&rows).Error
	return rows, err
}

// AddDependencies links ordered parent-to-child edges, ignoring duplicates
// so re-iterations that resubmit a deduplicated child stay idempotent.
func AddDependencies(tx *gorm.DB, parentID int64, childIDs []int64, startPosition int) error {
	for i, childID := range childIDs {
		edge := &model.RecordDependency{
			ParentID: parentID,
			ChildID:  childID,
			Position: startPosition + i,
		}
		if err := tx.Create(edge).Error; err != nil {
			if IsUniqueViolation(err) {
				continue
			}
			return err
		}
	}
	return nil
}

// GetChildIDs returns a parent's children in position order.
func (c *Client) GetChildIDs(ctx context.Context, parentID int64) ([]int64, error) {
	var edges []model.RecordDependency
	err := c.gorm.WithContext(ctx).
		Where("parent_id = ?", parentID).
		Order("position ASC").
		Find(&edges).Error
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(edges))
	for i, e := range edges {
		ids[i] = e.ChildID
	}
	return ids, nil
}

// GetParentIDs returns every parent of a child record.
func (c *Client) GetParentIDs(ctx context.Context, childID int64) ([]int64, error) {
	var edges []model.RecordDependency
	err := c.gorm.WithContext(ctx).Where("child_id = ?", childID).Find(&edges).Error
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(edges))
	for i, e := range edges {
		ids[i] = e.ParentID
	}
	return ids, nil
}

// IsReferenced reports whether another record holds an edge to this one;
// hard delete is blocked while one does. Outgoing edges do not count: the
// record owns those and takes them along when it goes.
func IsReferenced(tx *gorm.DB, id int64) (bool, error) {
	var count int64
	err := tx.Model(&model.RecordDependency{}).
		Where("child_id = ?", id).
		Count(&count).Error
	return count > 0, err
}

// HardDeleteRecord removes the base row, detail rows, edges owned by the
// record, history and comments. Callers verify the reference check first.
func HardDeleteRecord(tx *gorm.DB, id int64) error {
	detailModels := []interface{}{
		&model.SinglepointRecord{}, &model.OptimizationRecord{},
		&model.TorsiondriveRecord{}, &model.GridoptimizationRecord{},
		&model.NEBRecord{}, &model.ManybodyRecord{}, &model.ReactionRecord{},
	}
	for _, m := range detailModels {
		if err := tx.Where("record_id = ?", id).Delete(m).Error; err != nil {
			return err
		}
	}
	joinModels := []interface{}{
		&model.TorsiondriveInitialMolecule{}, &model.NEBInitialChain{},
		&model.ReactionComponent{}, &model.RecordComputeHistory{},
		&model.RecordComment{}, &model.TaskQueue{}, &model.ServiceQueue{},
	}
	for _, m := range joinModels {
		if err := tx.Where("record_id = ?", id).Delete(m).Error; err != nil {
			return err
		}
	}
	if err := tx.Where("parent_id = ?", id).Delete(&model.RecordDependency{}).Error; err != nil {
		return err
	}
	return tx.Where("id = ?", id).Delete(&model.Record{}).Error
}

// AddComputeHistory appends one attempt entry.
func AddComputeHistory(tx *gorm.DB, row *model.RecordComputeHistory) error {
	if row.ModifiedOn.IsZero() {
		row.ModifiedOn = time.Now().UTC()
	}
	return tx.Create(row).Error
}

// GetComputeHistory returns a record's attempts oldest first.
func (c *Client) GetComputeHistory(ctx context.Context, recordID int64) ([]*model.RecordComputeHistory, error) {
	var rows []*model.RecordComputeHistory
	err := c.gorm.WithContext(ctx).
		Where("record_id = ?", recordID).
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

// AddComment appends one user comment.
func (c *Client) AddComment(ctx context.Context, row *model.RecordComment) error {
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now().UTC()
	}
	return c.gorm.WithContext(ctx).Create(row).Error
}

// GetComments returns a record's comments oldest first.
func (c *Client) GetComments(ctx context.Context, recordID int64) ([]*model.RecordComment, error) {
	var rows []*model.RecordComment
	err := c.gorm.WithContext(ctx).
		Where("record_id = ?", recordID).
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}
