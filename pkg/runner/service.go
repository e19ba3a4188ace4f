/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"k8s.io/klog/v2"

	"github.com/MolSSI/QCFractal-sub000/pkg/config"
	"github.com/MolSSI/QCFractal-sub000/pkg/database"
	"github.com/MolSSI/QCFractal-sub000/pkg/database/model"
	"github.com/MolSSI/QCFractal-sub000/pkg/models"
	"github.com/MolSSI/QCFractal-sub000/pkg/services"
)

func (r *Runner) serviceWorker(ctx context.Context) {
	for {
		recordID, shutdown := r.queue.Get()
		if shutdown {
			return
		}
		func() {
			defer r.queue.Done(recordID)
			if err := r.iterateService(ctx, recordID); err != nil {
				klog.ErrorS(err, "service iteration failed", "record", recordID)
				r.queue.AddRateLimited(recordID)
				return
			}
			r.queue.Forget(recordID)
		}()
	}
}

// iterateService advances one service under the database iteration lock. A
// lost claim means another runner is already on it.
func (r *Runner) iterateService(ctx context.Context, recordID int64) error {
	claimed, err := r.db.TryClaimService(ctx, recordID, r.id, serviceLockHold)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	defer func() {
		if err := r.db.ReleaseService(context.WithoutCancel(ctx), recordID, r.id); err != nil {
			klog.ErrorS(err, "failed to release service lock", "record", recordID)
		}
	}()
	return r.iterateLocked(ctx, recordID)
}

func (r *Runner) iterateLocked(ctx context.Context, recordID int64) error {
	rec, err := r.db.GetRecord(ctx, recordID)
	if err != nil {
		return err
	}
	status := models.RecordStatus(rec.Status)
	if status != models.StatusWaiting && status != models.StatusRunning {
		return nil
	}
	svc, err := r.db.GetServiceByRecord(ctx, recordID)
	if err != nil || svc == nil {
		return err
	}
	driver, ok := r.registry[models.RecordType(rec.RecordType)]
	if !ok {
		return r.failService(ctx, recordID, fmt.Errorf("no driver for record type %q", rec.RecordType))
	}

	children, err := r.db.PendingChildren(ctx, svc.ID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if !models.RecordStatus(child.Status).Settled() {
			return r.postpone(ctx, svc)
		}
	}
	for _, child := range children {
		childStatus := models.RecordStatus(child.Status)
		if childStatus != models.StatusComplete && !driver.ToleratesChildErrors() {
			return r.failService(ctx, recordID,
				fmt.Errorf("child record %d finished as %s", child.ID, child.Status))
		}
	}

	existing, err := r.db.GetChildIDs(ctx, recordID)
	if err != nil {
		return err
	}
	run := services.NewRun(rec, len(existing))
	run.Submitter = r.store
	run.Finalizer = r.store
	run.State = svc.IterateState
	if err := r.loadServiceInputs(ctx, rec, run); err != nil {
		return err
	}
	for _, child := range children {
		outcome, err := r.childOutcome(ctx, child)
		if err != nil {
			return err
		}
		run.Children[child.ID] = outcome
	}

	initialized := len(svc.IterateState) > 0
	var done bool
	if initialized {
		done, err = driver.Iterate(ctx, run)
	} else {
		err = driver.Initialize(ctx, run)
	}
	if err != nil {
		klog.ErrorS(err, "service driver failed", "record", recordID, "type", rec.RecordType)
		return r.failService(ctx, recordID, err)
	}
	if !initialized {
		if err := r.store.MarkServiceRunning(ctx, recordID); err != nil {
			return err
		}
	}

	if text := run.LogText(); text != "" {
		blobID, err := r.store.Blobs().AppendText(ctx, svc.StdoutBlob, text)
		if err != nil {
			return err
		}
		svc.StdoutBlob = &blobID
	}

	if done {
		// The service row disappears on completion, so the accumulated
		// stdout moves into the compute history first.
		err := r.db.RetryTxn(ctx, func(tx *gorm.DB) error {
			return database.AddComputeHistory(tx, &model.RecordComputeHistory{
				RecordID:   recordID,
				Status:     string(models.StatusComplete),
				StdoutBlob: svc.StdoutBlob,
			})
		})
		if err != nil {
			return err
		}
		if err := r.store.CompleteService(ctx, recordID); err != nil {
			return err
		}
		klog.InfoS("service completed", "record", recordID, "type", rec.RecordType, "iterations", svc.Counter+1)
		return nil
	}

	if len(run.NewState) > 0 {
		svc.IterateState = run.NewState
	}
	svc.Counter++
	svc.NextIterationDue = time.Now().UTC().Add(config.GetServiceFrequency())
	return r.db.RetryTxn(ctx, func(tx *gorm.DB) error {
		return database.UpdateServiceIteration(tx, svc, run.Pending)
	})
}

// postpone pushes the next due time out while children are still in flight;
// settling children nudge it back to now.
func (r *Runner) postpone(ctx context.Context, svc *model.ServiceQueue) error {
	due := time.Now().UTC().Add(config.GetServiceFrequency())
	return r.db.Gorm().WithContext(ctx).Model(&model.ServiceQueue{}).
		Where("id = ?", svc.ID).
		Update("next_iteration_due", due).Error
}

func (r *Runner) failService(ctx context.Context, recordID int64, cause error) error {
	return r.store.FailService(ctx, recordID, &models.ErrorPayload{
		ErrorType:    "service_iteration_error",
		ErrorMessage: cause.Error(),
	})
}

// loadServiceInputs fills the per-variant run inputs from the detail and
// join tables.
func (r *Runner) loadServiceInputs(ctx context.Context, rec *model.Record, run *services.Run) error {
	gdb := r.db.Gorm().WithContext(ctx)
	var specID int64
	switch models.RecordType(rec.RecordType) {
	case models.RecordTorsiondrive:
		detail, err := r.db.GetTorsiondriveRecord(ctx, rec.ID)
		if err != nil {
			return err
		}
		specID = detail.ServiceSpecificationID
		var joins []model.TorsiondriveInitialMolecule
		if err := gdb.Where("record_id = ?", rec.ID).Order("position ASC").Find(&joins).Error; err != nil {
			return err
		}
		for _, join := range joins {
			run.InitialMoleculeIDs = append(run.InitialMoleculeIDs, join.MoleculeID)
		}
	case models.RecordGridoptimization:
		detail, err := r.db.GetGridoptimizationRecord(ctx, rec.ID)
		if err != nil {
			return err
		}
		specID = detail.ServiceSpecificationID
		run.InitialMoleculeIDs = []int64{detail.StartingMoleculeID}
	case models.RecordNEB:
		detail, err := r.db.GetNEBRecord(ctx, rec.ID)
		if err != nil {
			return err
		}
		specID = detail.ServiceSpecificationID
		var joins []model.NEBInitialChain
		if err := gdb.Where("record_id = ?", rec.ID).Order("position ASC").Find(&joins).Error; err != nil {
			return err
		}
		for _, join := range joins {
			run.InitialMoleculeIDs = append(run.InitialMoleculeIDs, join.MoleculeID)
		}
	case models.RecordManybody:
		detail, err := r.db.GetManybodyRecord(ctx, rec.ID)
		if err != nil {
			return err
		}
		specID = detail.ServiceSpecificationID
		run.InitialMoleculeIDs = []int64{detail.InitialMoleculeID}
	case models.RecordReaction:
		detail, err := r.db.GetReactionRecord(ctx, rec.ID)
		if err != nil {
			return err
		}
		specID = detail.ServiceSpecificationID
		components, err := r.db.GetReactionComponents(ctx, rec.ID)
		if err != nil {
			return err
		}
		run.Stoichiometry = components
	default:
		return fmt.Errorf("record %d type %q is not a service", rec.ID, rec.RecordType)
	}
	spec, err := r.db.GetServiceSpec(ctx, specID)
	if err != nil {
		return err
	}
	run.ServiceSpec = spec
	return nil
}

// childOutcome condenses one settled child into the driver-facing form.
func (r *Runner) childOutcome(ctx context.Context, child *model.Record) (*services.Child, error) {
	out := &services.Child{
		RecordID: child.ID,
		Status:   models.RecordStatus(child.Status),
	}
	if out.Status != models.StatusComplete {
		return out, nil
	}
	switch models.RecordType(child.RecordType) {
	case models.RecordOptimization:
		detail, err := r.db.GetOptimizationRecord(ctx, child.ID)
		if err != nil {
			return nil, err
		}
		out.FinalMoleculeID = detail.FinalMoleculeID
		out.Energy = lastEnergy(detail.Energies)
	case models.RecordSinglepoint:
		detail, err := r.db.GetSinglepointRecord(ctx, child.ID)
		if err != nil {
			return nil, err
		}
		out.ReturnResult = detail.ReturnResult
		out.Energy = singlepointEnergy(detail)
	}
	return out, nil
}

// lastEnergy picks the final entry of an optimization's energy trace.
func lastEnergy(raw json.RawMessage) *float64 {
	if len(raw) == 0 {
		return nil
	}
	var energies []float64
	if err := json.Unmarshal(raw, &energies); err != nil || len(energies) == 0 {
		return nil
	}
	return &energies[len(energies)-1]
}

// singlepointEnergy reads return_energy from the properties, falling back to
// a scalar return_result for energy-driver records.
func singlepointEnergy(detail *model.SinglepointRecord) *float64 {
	if len(detail.Properties) > 0 {
		var props map[string]json.RawMessage
		if err := json.Unmarshal(detail.Properties, &props); err == nil {
			if raw, ok := props["return_energy"]; ok {
				var energy float64
				if err := json.Unmarshal(raw, &energy); err == nil {
					return &energy
				}
			}
		}
	}
	if len(detail.ReturnResult) > 0 {
		var energy float64
		if err := json.Unmarshal(detail.ReturnResult, &energy); err == nil {
			return &energy
		}
	}
	return nil
}
