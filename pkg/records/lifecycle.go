/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package records

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"gorm.io/gorm"
	"k8s.io/klog/v2"

	"github.com/MolSSI/QCFractal-sub000/pkg/database"
	"github.com/MolSSI/QCFractal-sub000/pkg/database/model"
	qcerrors "github.com/MolSSI/QCFractal-sub000/pkg/errors"
	"github.com/MolSSI/QCFractal-sub000/pkg/models"
)

// prepareRequeue builds the queue-row recreation for a record returning to
// waiting. Task payloads are rebuilt from the stored spec and molecule, so a
// reset task is indistinguishable from a fresh submission.
func (s *Store) prepareRequeue(ctx context.Context, rec *model.Record) (func(tx *gorm.DB) error, error) {
	if rec.IsService {
		return func(tx *gorm.DB) error {
			return database.CreateService(tx, &model.ServiceQueue{
				RecordID: rec.ID,
				Tag:      rec.Tag,
				Priority: rec.Priority,
			})
		}, nil
	}

	var payload, required json.RawMessage
	switch models.RecordType(rec.RecordType) {
	case models.RecordSinglepoint:
		detail, err := s.db.GetSinglepointRecord(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		spec, err := s.LoadQCSpec(ctx, detail.QCSpecificationID)
		if err != nil {
			return nil, err
		}
		mols, err := s.moleculePayloads(ctx, []int64{detail.MoleculeID})
		if err != nil {
			return nil, err
		}
		payload = singlepointTaskPayload(spec, mols[detail.MoleculeID])
		required = requiredPrograms(spec.Program)
	case models.RecordOptimization:
		detail, err := s.db.GetOptimizationRecord(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		spec, err := s.LoadOptimizationSpec(ctx, detail.OptimizationSpecificationID)
		if err != nil {
			return nil, err
		}
		mols, err := s.moleculePayloads(ctx, []int64{detail.InitialMoleculeID})
		if err != nil {
			return nil, err
		}
		payload = optimizationTaskPayload(spec, mols[detail.InitialMoleculeID], detail.Constraints)
		required = requiredPrograms(spec.Program, spec.QCSpecification.Program)
	default:
		return nil, qcerrors.NewInternal(nil).WithContext("record_type", rec.RecordType)
	}

	return func(tx *gorm.DB) error {
		return database.CreateTask(tx, &model.TaskQueue{
			RecordID:         rec.ID,
			Tag:              rec.Tag,
			Priority:         rec.Priority,
			RequiredPrograms: required,
			Payload:          payload,
		})
	}, nil
}

// Reset sends an errored record back to waiting with a fresh queue row.
func (s *Store) Reset(ctx context.Context, id int64) error {
	return s.reset(ctx, id, false)
}

func (s *Store) reset(ctx context.Context, id int64, autoReset bool) error {
	rec, err := s.db.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if models.RecordStatus(rec.Status) != models.StatusError {
		return qcerrors.NewInvalidTransition("cannot reset record %d in status %s", id, rec.Status)
	}
	requeue, err := s.prepareRequeue(ctx, rec)
	if err != nil {
		return err
	}
	return s.db.RetryTxn(ctx, func(tx *gorm.DB) error {
		extra := map[string]interface{}{"manager_name": ""}
		if autoReset {
			extra["auto_reset_count"] = gorm.Expr("auto_reset_count + 1")
		}
		ok, err := database.UpdateStatusGuarded(tx, id,
			[]models.RecordStatus{models.StatusError}, models.StatusWaiting, extra)
		if err != nil {
			return err
		}
		if !ok {
			return qcerrors.NewInvalidTransition("cannot reset record %d, status changed concurrently", id)
		}
		return requeue(tx)
	})
}

// Cancel stops a waiting or running record and cascades upward: any service
// parent still waiting or running cannot finish without the child, so it is
// cancelled too.
func (s *Store) Cancel(ctx context.Context, id int64) error {
	return s.db.RetryTxn(ctx, func(tx *gorm.DB) error {
		cancelled, err := cancelTx(tx, id)
		if err != nil {
			return err
		}
		if !cancelled {
			var rec model.Record
			if err := tx.Where("id = ?", id).Take(&rec).Error; err != nil {
				return qcerrors.NewNotFound("record %d not found", id)
			}
			return qcerrors.NewInvalidTransition("cannot cancel record %d in status %s", id, rec.Status)
		}
		return nil
	})
}

// cancelTx cancels one record inside tx and walks the parent edges upward.
// Returns false when the root record was not in a cancellable status.
func cancelTx(tx *gorm.DB, id int64) (bool, error) {
	pending := []int64{id}
	seen := map[int64]bool{}
	cancelledRoot := false
	for len(pending) > 0 {
		cur := pending[0]
		pending = pending[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true

		ok, err := database.UpdateStatusGuarded(tx, cur,
			[]models.RecordStatus{models.StatusWaiting, models.StatusRunning},
			models.StatusCancelled, nil)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		if cur == id {
			cancelledRoot = true
		}
		if err := database.DeleteTaskByRecord(tx, cur); err != nil {
			return false, err
		}
		if err := database.DeleteServiceByRecord(tx, cur); err != nil {
			return false, err
		}
		var edges []model.RecordDependency
		if err := tx.Where("child_id = ?", cur).Find(&edges).Error; err != nil {
			return false, err
		}
		for _, edge := range edges {
			pending = append(pending, edge.ParentID)
		}
	}
	return cancelledRoot, nil
}

// Uncancel returns a cancelled record to waiting, rebuilding its queue row
// from the persisted tag and priority.
func (s *Store) Uncancel(ctx context.Context, id int64) error {
	rec, err := s.db.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if models.RecordStatus(rec.Status) != models.StatusCancelled {
		return qcerrors.NewInvalidTransition("cannot uncancel record %d in status %s", id, rec.Status)
	}
	requeue, err := s.prepareRequeue(ctx, rec)
	if err != nil {
		return err
	}
	return s.db.RetryTxn(ctx, func(tx *gorm.DB) error {
		ok, err := database.UpdateStatusGuarded(tx, id,
			[]models.RecordStatus{models.StatusCancelled}, models.StatusWaiting,
			map[string]interface{}{"manager_name": ""})
		if err != nil {
			return err
		}
		if !ok {
			return qcerrors.NewInvalidTransition("cannot uncancel record %d, status changed concurrently", id)
		}
		return requeue(tx)
	})
}

// Invalidate marks a completed record's results as untrusted. Outputs and
// children stay in place.
func (s *Store) Invalidate(ctx context.Context, id int64) error {
	return s.guardedFlip(ctx, id, models.StatusComplete, models.StatusInvalid, "invalidate")
}

// Uninvalidate restores an invalidated record to complete.
func (s *Store) Uninvalidate(ctx context.Context, id int64) error {
	return s.guardedFlip(ctx, id, models.StatusInvalid, models.StatusComplete, "uninvalidate")
}

func (s *Store) guardedFlip(ctx context.Context, id int64, from, to models.RecordStatus, verb string) error {
	return s.db.RetryTxn(ctx, func(tx *gorm.DB) error {
		ok, err := database.UpdateStatusGuarded(tx, id, []models.RecordStatus{from}, to, nil)
		if err != nil {
			return err
		}
		if !ok {
			var rec model.Record
			if err := tx.Where("id = ?", id).Take(&rec).Error; err != nil {
				return qcerrors.NewNotFound("record %d not found", id)
			}
			return qcerrors.NewInvalidTransition("cannot %s record %d in status %s", verb, id, rec.Status)
		}
		return nil
	})
}

// SoftDelete hides a record, remembering its status for undelete. Queue rows
// are removed; a running task's manager learns through the vanished lease.
func (s *Store) SoftDelete(ctx context.Context, id int64) error {
	return s.db.RetryTxn(ctx, func(tx *gorm.DB) error {
		var rec model.Record
		if err := tx.Where("id = ?", id).Take(&rec).Error; err != nil {
			return qcerrors.NewNotFound("record %d not found", id)
		}
		if models.RecordStatus(rec.Status) == models.StatusDeleted {
			return qcerrors.NewInvalidTransition("record %d is already deleted", id)
		}
		ok, err := database.UpdateStatusGuarded(tx, id,
			[]models.RecordStatus{models.RecordStatus(rec.Status)}, models.StatusDeleted,
			map[string]interface{}{"status_before_delete": rec.Status})
		if err != nil {
			return err
		}
		if !ok {
			return qcerrors.NewConflict("record %d changed concurrently", id)
		}
		if err := database.DeleteTaskByRecord(tx, id); err != nil {
			return err
		}
		return database.DeleteServiceByRecord(tx, id)
	})
}

// Undelete restores a soft-deleted record to its remembered status. Records
// that were queued come back as waiting with a rebuilt queue row; a lease
// held at delete time is not restored.
func (s *Store) Undelete(ctx context.Context, id int64) error {
	rec, err := s.db.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if models.RecordStatus(rec.Status) != models.StatusDeleted {
		return qcerrors.NewInvalidTransition("cannot undelete record %d in status %s", id, rec.Status)
	}
	restored := models.RecordStatus(rec.StatusBeforeDelete)
	if !restored.Valid() || restored == models.StatusDeleted {
		return qcerrors.NewInternal(nil).WithContext("record_id", id).
			WithContext("status_before_delete", rec.StatusBeforeDelete)
	}
	var requeue func(tx *gorm.DB) error
	if restored.HasQueueRow() {
		restored = models.StatusWaiting
		requeue, err = s.prepareRequeue(ctx, rec)
		if err != nil {
			return err
		}
	}
	return s.db.RetryTxn(ctx, func(tx *gorm.DB) error {
		ok, err := database.UpdateStatusGuarded(tx, id,
			[]models.RecordStatus{models.StatusDeleted}, restored,
			map[string]interface{}{"status_before_delete": "", "manager_name": ""})
		if err != nil {
			return err
		}
		if !ok {
			return qcerrors.NewInvalidTransition("cannot undelete record %d, status changed concurrently", id)
		}
		if requeue != nil {
			return requeue(tx)
		}
		return nil
	})
}

// HardDelete permanently removes a record and its detail rows. Blocked while
// any dependency edge references the record.
func (s *Store) HardDelete(ctx context.Context, id int64) error {
	return s.db.RetryTxn(ctx, func(tx *gorm.DB) error {
		var rec model.Record
		if err := tx.Where("id = ?", id).Take(&rec).Error; err != nil {
			return qcerrors.NewNotFound("record %d not found", id)
		}
		referenced, err := database.IsReferenced(tx, id)
		if err != nil {
			return err
		}
		if referenced {
			return qcerrors.NewConflict("record %d is referenced by other records", id).
				WithContext("record_id", id)
		}
		return database.HardDeleteRecord(tx, id)
	})
}

// Modify changes a record's tag and/or priority, mirrored onto its live
// queue row so the change affects claim ordering immediately.
func (s *Store) Modify(ctx context.Context, id int64, newTag *string, newPriority *models.Priority) error {
	if newTag == nil && newPriority == nil {
		return qcerrors.NewInvalidInput("nothing to modify")
	}
	updates := map[string]interface{}{"modified_on": time.Now().UTC()}
	queueUpdates := map[string]interface{}{}
	if newTag != nil {
		tag := models.NormalizeTag(*newTag)
		updates["tag"] = tag
		queueUpdates["tag"] = tag
	}
	if newPriority != nil {
		if !newPriority.Valid() {
			return qcerrors.NewInvalidInput("invalid priority %d", *newPriority)
		}
		updates["priority"] = int16(*newPriority)
		queueUpdates["priority"] = int16(*newPriority)
	}
	return s.db.RetryTxn(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&model.Record{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return qcerrors.NewNotFound("record %d not found", id)
		}
		if err := tx.Model(&model.TaskQueue{}).
			Where("record_id = ?", id).Updates(queueUpdates).Error; err != nil {
			return err
		}
		return tx.Model(&model.ServiceQueue{}).
			Where("record_id = ?", id).Updates(queueUpdates).Error
	})
}

// Comment appends a user note to a record.
func (s *Store) Comment(ctx context.Context, id int64, username, comment string) error {
	if strings.TrimSpace(comment) == "" {
		return qcerrors.NewInvalidInput("comment is empty")
	}
	if _, err := s.db.GetRecord(ctx, id); err != nil {
		return err
	}
	return s.db.AddComment(ctx, &model.RecordComment{
		RecordID: id,
		Username: username,
		Comment:  comment,
	})
}

// AutoResetErrored resets errored records whose latest error message matches
// one of the configured substrings, up to maxResets attempts per record.
// Returns how many records went back to waiting.
func (s *Store) AutoResetErrored(ctx context.Context, patterns []string, maxResets int) (int, error) {
	if len(patterns) == 0 || maxResets <= 0 {
		return 0, nil
	}
	var candidates []*model.Record
	err := s.db.Gorm().WithContext(ctx).
		Where("status = ? AND auto_reset_count < ?", string(models.StatusError), maxResets).
		Find(&candidates).Error
	if err != nil {
		return 0, err
	}
	resets := 0
	for _, rec := range candidates {
		msg, err := s.latestErrorMessage(ctx, rec.ID)
		if err != nil {
			klog.ErrorS(err, "failed to read error payload", "record", rec.ID)
			continue
		}
		if !matchesAny(msg, patterns) {
			continue
		}
		if err := s.reset(ctx, rec.ID, true); err != nil {
			klog.ErrorS(err, "auto-reset failed", "record", rec.ID)
			continue
		}
		klog.InfoS("auto-reset errored record", "record", rec.ID, "attempt", rec.AutoResetCount+1)
		resets++
	}
	return resets, nil
}

func (s *Store) latestErrorMessage(ctx context.Context, recordID int64) (string, error) {
	history, err := s.db.GetComputeHistory(ctx, recordID)
	if err != nil {
		return "", err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].ErrorBlob == nil {
			continue
		}
		data, _, err := s.blobs.Get(ctx, *history[i].ErrorBlob)
		if err != nil {
			return "", err
		}
		var payload models.ErrorPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return "", err
		}
		return payload.ErrorMessage, nil
	}
	return "", nil
}

func matchesAny(msg string, patterns []string) bool {
	if msg == "" {
		return false
	}
	for _, p := range patterns {
		if p != "" && strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
