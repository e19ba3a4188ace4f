/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package records

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"gorm.io/gorm"
	"k8s.io/klog/v2"

	"github.com/MolSSI/QCFractal-sub000/pkg/blob"
	"github.com/MolSSI/QCFractal-sub000/pkg/database"
	"github.com/MolSSI/QCFractal-sub000/pkg/database/model"
	qcerrors "github.com/MolSSI/QCFractal-sub000/pkg/errors"
	"github.com/MolSSI/QCFractal-sub000/pkg/hash"
	"github.com/MolSSI/QCFractal-sub000/pkg/models"
)

// TaskResult is one entry of a manager return: the computation outcome for
// one claimed task. RecordID lets a late return be archived after the task
// row is gone (cancelled mid-flight).
type TaskResult struct {
	Success  bool            `json:"success"`
	RecordID int64           `json:"record_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// ReturnSummary reports which task ids a return call accepted.
type ReturnSummary struct {
	Accepted []int64 `json:"accepted"`
	Rejected []int64 `json:"rejected"`
}

// ReturnTasks ingests a manager's batch of finished tasks. Each task is
// processed independently: a bad entry is rejected and counted against the
// manager without disturbing the rest of the batch.
func (s *Store) ReturnTasks(ctx context.Context, managerName string, results map[int64]TaskResult) (*ReturnSummary, error) {
	mgr, err := s.db.GetManager(ctx, managerName)
	if err != nil {
		return nil, err
	}
	if mgr.Status != model.ManagerActive {
		return nil, qcerrors.NewManagerUnknown(managerName)
	}

	taskIDs := make([]int64, 0, len(results))
	for id := range results {
		taskIDs = append(taskIDs, id)
	}
	sort.Slice(taskIDs, func(i, j int) bool { return taskIDs[i] < taskIDs[j] })

	summary := &ReturnSummary{}
	var successes, failures, rejected int
	for _, taskID := range taskIDs {
		res := results[taskID]
		if err := s.returnOne(ctx, managerName, taskID, res); err != nil {
			klog.V(4).InfoS("rejected task return", "task", taskID, "manager", managerName, "reason", err)
			summary.Rejected = append(summary.Rejected, taskID)
			rejected++
			continue
		}
		summary.Accepted = append(summary.Accepted, taskID)
		if res.Success {
			successes++
		} else {
			failures++
		}
	}
	if err := s.db.BumpManagerCounters(ctx, managerName, successes, failures, rejected); err != nil {
		klog.ErrorS(err, "failed to update manager counters", "manager", managerName)
	}
	return summary, nil
}

func (s *Store) returnOne(ctx context.Context, managerName string, taskID int64, res TaskResult) error {
	task, err := s.db.GetTask(ctx, taskID)
	if qcerrors.IsKind(err, qcerrors.KindNotFound) {
		// The task row is gone; if the record was cancelled mid-flight the
		// outcome is still worth archiving.
		if res.RecordID != 0 {
			return s.archiveLateReturn(ctx, managerName, res)
		}
		return qcerrors.NewTaskNotLeased(taskID, managerName)
	}
	if err != nil {
		return err
	}
	if task.ManagerName == nil || *task.ManagerName != managerName {
		return qcerrors.NewTaskNotLeased(taskID, managerName)
	}

	rec, err := s.db.GetRecord(ctx, task.RecordID)
	if err != nil {
		return err
	}
	if !res.Success {
		return s.returnFailure(ctx, managerName, rec, res.Payload)
	}
	switch models.RecordType(rec.RecordType) {
	case models.RecordSinglepoint:
		return s.returnSinglepoint(ctx, managerName, rec, res.Payload)
	case models.RecordOptimization:
		return s.returnOptimization(ctx, managerName, rec, res.Payload)
	default:
		return qcerrors.NewInvalidInput("record %d of type %s is not task-based", rec.ID, rec.RecordType)
	}
}

// archiveLateReturn appends a compute-history entry for a record whose task
// disappeared under the manager, without touching record status.
func (s *Store) archiveLateReturn(ctx context.Context, managerName string, res TaskResult) error {
	rec, err := s.db.GetRecord(ctx, res.RecordID)
	if err != nil {
		return err
	}
	if models.RecordStatus(rec.Status) != models.StatusCancelled &&
		models.RecordStatus(rec.Status) != models.StatusDeleted {
		return qcerrors.NewTaskNotLeased(0, managerName)
	}
	entry := &model.RecordComputeHistory{
		RecordID:    rec.ID,
		ManagerName: managerName,
	}
	if res.Success {
		entry.Status = string(models.StatusComplete)
	} else {
		entry.Status = string(models.StatusError)
		blobID, err := s.blobs.Put(ctx, blob.ContentTypeJSON, res.Payload)
		if err != nil {
			return err
		}
		entry.ErrorBlob = &blobID
	}
	klog.V(4).InfoS("archived late return", "record", rec.ID, "status", rec.Status, "manager", managerName)
	return s.db.RetryTxn(ctx, func(tx *gorm.DB) error {
		return database.AddComputeHistory(tx, entry)
	})
}

// outputBlobs persists stdout/stderr text per the protocols, returning blob
// ids for the history entry.
func (s *Store) outputBlobs(ctx context.Context, keepStdout bool, stdout, stderr string) (stdoutID, stderrID *int64, err error) {
	if keepStdout && stdout != "" {
		id, err := s.blobs.Put(ctx, blob.ContentTypeText, []byte(stdout))
		if err != nil {
			return nil, nil, err
		}
		stdoutID = &id
	}
	if stderr != "" {
		id, err := s.blobs.Put(ctx, blob.ContentTypeText, []byte(stderr))
		if err != nil {
			return nil, nil, err
		}
		stderrID = &id
	}
	return stdoutID, stderrID, nil
}

func (s *Store) returnSinglepoint(ctx context.Context, managerName string, rec *model.Record, payload json.RawMessage) error {
	var result models.SinglepointResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return qcerrors.NewInvalidInput("malformed singlepoint result for record %d: %v", rec.ID, err)
	}
	detail, err := s.db.GetSinglepointRecord(ctx, rec.ID)
	if err != nil {
		return err
	}
	spec, err := s.LoadQCSpec(ctx, detail.QCSpecificationID)
	if err != nil {
		return err
	}

	stdoutID, stderrID, err := s.outputBlobs(ctx, spec.Protocols.KeepStdout(), result.Stdout, result.Stderr)
	if err != nil {
		return err
	}
	var wfnID, nativeID *int64
	if spec.Protocols.Wavefunction != models.WavefunctionNone && len(result.Wavefunction) > 0 {
		id, err := s.blobs.Put(ctx, blob.ContentTypeWavefunction, result.Wavefunction)
		if err != nil {
			return err
		}
		wfnID = &id
	}
	if files := filterNativeFiles(spec.Protocols.NativeFiles, result.NativeFiles); len(files) > 0 {
		id, err := blob.PutJSON(ctx, s.blobs, blob.ContentTypeNativeFiles, files)
		if err != nil {
			return err
		}
		nativeID = &id
	}

	return s.db.RetryTxn(ctx, func(tx *gorm.DB) error {
		ok, err := database.UpdateStatusGuarded(tx, rec.ID,
			[]models.RecordStatus{models.StatusRunning}, models.StatusComplete,
			map[string]interface{}{"manager_name": managerName})
		if err != nil {
			return err
		}
		if err := database.AddComputeHistory(tx, &model.RecordComputeHistory{
			RecordID:    rec.ID,
			Status:      string(models.StatusComplete),
			ManagerName: managerName,
			StdoutBlob:  stdoutID,
			StderrBlob:  stderrID,
		}); err != nil {
			return err
		}
		if !ok {
			// Status moved under the return (cancel raced it); the history
			// entry is the archive, the record stays as it is.
			return nil
		}
		if err := tx.Model(&model.SinglepointRecord{}).
			Where("record_id = ?", rec.ID).
			Updates(map[string]interface{}{
				"return_result":        result.ReturnResult,
				"properties":           jsonRaw(result.Properties),
				"wavefunction_blob_id": wfnID,
				"native_files_blob_id": nativeID,
			}).Error; err != nil {
			return err
		}
		if err := database.DeleteTaskByRecord(tx, rec.ID); err != nil {
			return err
		}
		return database.NudgeParents(tx, rec.ID)
	})
}

// filterNativeFiles applies the native_files protocol: none drops all, input
// keeps only the generated input file, all keeps everything.
func filterNativeFiles(protocol string, files map[string]string) map[string]string {
	switch protocol {
	case models.NativeFilesAll:
		return files
	case models.NativeFilesInput:
		out := map[string]string{}
		for name, content := range files {
			if strings.Contains(strings.ToLower(name), "input") {
				out[name] = content
			}
		}
		return out
	default:
		return nil
	}
}

func jsonRaw(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		klog.ErrorS(err, "failed to marshal result field")
		return nil
	}
	return data
}

func (s *Store) returnOptimization(ctx context.Context, managerName string, rec *model.Record, payload json.RawMessage) error {
	var result models.OptimizationResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return qcerrors.NewInvalidInput("malformed optimization result for record %d: %v", rec.ID, err)
	}
	if result.FinalMolecule == nil {
		return qcerrors.NewInvalidInput("optimization result for record %d has no final molecule", rec.ID)
	}
	detail, err := s.db.GetOptimizationRecord(ctx, rec.ID)
	if err != nil {
		return err
	}
	spec, err := s.LoadOptimizationSpec(ctx, detail.OptimizationSpecificationID)
	if err != nil {
		return err
	}

	finalMolID, err := s.UpsertMolecule(ctx, result.FinalMolecule)
	if err != nil {
		return err
	}
	stdoutID, stderrID, err := s.outputBlobs(ctx, true, result.Stdout, result.Stderr)
	if err != nil {
		return err
	}
	trajectory, err := s.prepareTrajectory(ctx, spec, result.Trajectory)
	if err != nil {
		return err
	}

	return s.db.RetryTxn(ctx, func(tx *gorm.DB) error {
		ok, err := database.UpdateStatusGuarded(tx, rec.ID,
			[]models.RecordStatus{models.StatusRunning}, models.StatusComplete,
			map[string]interface{}{"manager_name": managerName})
		if err != nil {
			return err
		}
		if err := database.AddComputeHistory(tx, &model.RecordComputeHistory{
			RecordID:    rec.ID,
			Status:      string(models.StatusComplete),
			ManagerName: managerName,
			StdoutBlob:  stdoutID,
			StderrBlob:  stderrID,
		}); err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := tx.Model(&model.OptimizationRecord{}).
			Where("record_id = ?", rec.ID).
			Updates(map[string]interface{}{
				"final_molecule_id": finalMolID,
				"energies":          jsonRaw(result.Energies),
			}).Error; err != nil {
			return err
		}
		if err := s.insertTrajectory(tx, rec, trajectory); err != nil {
			return err
		}
		if err := database.DeleteTaskByRecord(tx, rec.ID); err != nil {
			return err
		}
		return database.NudgeParents(tx, rec.ID)
	})
}

// trajectoryPoint is one prepared trajectory entry: molecule resolved,
// hashes precomputed, ready for transactional insert as a born-complete
// singlepoint child.
type trajectoryPoint struct {
	moleculeID   int64
	specHash     string
	inputsHash   string
	returnResult json.RawMessage
	properties   json.RawMessage
}

// prepareTrajectory selects the entries the trajectory protocol keeps and
// resolves their molecules outside the record transaction.
func (s *Store) prepareTrajectory(ctx context.Context, spec *models.OptimizationSpecification,
	trajectory []models.SinglepointResult) ([]trajectoryPoint, error) {
	var selected []models.SinglepointResult
	switch spec.Protocols.Trajectory {
	case models.TrajectoryNone:
	case models.TrajectoryFinal:
		if len(trajectory) > 0 {
			selected = trajectory[len(trajectory)-1:]
		}
	case models.TrajectoryInitialAndFinal:
		if len(trajectory) > 1 {
			selected = []models.SinglepointResult{trajectory[0], trajectory[len(trajectory)-1]}
		} else {
			selected = trajectory
		}
	default: // all
		selected = trajectory
	}

	specHash, err := spec.QCSpecification.Hash()
	if err != nil {
		return nil, err
	}
	var points []trajectoryPoint
	for i, entry := range selected {
		if entry.Molecule == nil {
			klog.V(4).InfoS("skipping trajectory entry without molecule", "index", i)
			continue
		}
		molID, err := s.UpsertMolecule(ctx, entry.Molecule)
		if err != nil {
			return nil, err
		}
		inputsHash, err := hash.Digest(map[string]interface{}{"molecule": molID})
		if err != nil {
			return nil, err
		}
		points = append(points, trajectoryPoint{
			moleculeID:   molID,
			specHash:     specHash,
			inputsHash:   inputsHash,
			returnResult: entry.ReturnResult,
			properties:   jsonRaw(entry.Properties),
		})
	}
	return points, nil
}

// insertTrajectory stores trajectory points as born-complete singlepoint
// children of the optimization, deduplicated like any other record.
func (s *Store) insertTrajectory(tx *gorm.DB, rec *model.Record, points []trajectoryPoint) error {
	if len(points) == 0 {
		return nil
	}
	detail, err := txOptimizationDetail(tx, rec.ID)
	if err != nil {
		return err
	}
	optSpec, err := txOptimizationSpec(tx, detail.OptimizationSpecificationID)
	if err != nil {
		return err
	}
	childIDs := make([]int64, 0, len(points))
	for i := range points {
		point := &points[i]
		childRec := &model.Record{
			RecordType: string(models.RecordSinglepoint),
			SpecHash:   point.specHash,
			InputsHash: point.inputsHash,
			Status:     string(models.StatusComplete),
			Tag:        rec.Tag,
			Priority:   rec.Priority,
			OwnerUser:  rec.OwnerUser,
		}
		id, _, err := database.InsertRecord(tx, childRec, func(tx *gorm.DB, recordID int64) error {
			return tx.Create(&model.SinglepointRecord{
				RecordID:          recordID,
				QCSpecificationID: optSpec.QCSpecificationID,
				MoleculeID:        point.moleculeID,
				ReturnResult:      point.returnResult,
				Properties:        point.properties,
			}).Error
		})
		if err != nil {
			return err
		}
		childIDs = append(childIDs, id)
	}
	return database.AddDependencies(tx, rec.ID, childIDs, 0)
}

func txOptimizationDetail(tx *gorm.DB, recordID int64) (*model.OptimizationRecord, error) {
	var row model.OptimizationRecord
	err := tx.Where("record_id = ?", recordID).Take(&row).Error
	return &row, err
}

func txOptimizationSpec(tx *gorm.DB, id int64) (*model.OptimizationSpecification, error) {
	var row model.OptimizationSpecification
	err := tx.Where("id = ?", id).Take(&row).Error
	return &row, err
}

// returnFailure settles a failed task return: error blob, history entry,
// record to error, task row removed.
func (s *Store) returnFailure(ctx context.Context, managerName string, rec *model.Record, payload json.RawMessage) error {
	var errPayload models.ErrorPayload
	if err := json.Unmarshal(payload, &errPayload); err != nil {
		return qcerrors.NewInvalidInput("malformed error payload for record %d: %v", rec.ID, err)
	}
	if err := errPayload.Validate(); err != nil {
		return qcerrors.NewInvalidInput("invalid error payload for record %d: %v", rec.ID, err)
	}
	blobID, err := blob.PutJSON(ctx, s.blobs, blob.ContentTypeJSON, &errPayload)
	if err != nil {
		return err
	}
	return s.failTask(ctx, managerName, rec, &blobID)
}

func (s *Store) failTask(ctx context.Context, managerName string, rec *model.Record, errBlobID *int64) error {
	return s.db.RetryTxn(ctx, func(tx *gorm.DB) error {
		ok, err := database.UpdateStatusGuarded(tx, rec.ID,
			[]models.RecordStatus{models.StatusRunning}, models.StatusError,
			map[string]interface{}{"manager_name": managerName})
		if err != nil {
			return err
		}
		if err := database.AddComputeHistory(tx, &model.RecordComputeHistory{
			RecordID:    rec.ID,
			Status:      string(models.StatusError),
			ManagerName: managerName,
			ErrorBlob:   errBlobID,
		}); err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := database.DeleteTaskByRecord(tx, rec.ID); err != nil {
			return err
		}
		return database.NudgeParents(tx, rec.ID)
	})
}
