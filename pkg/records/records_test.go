/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package records

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MolSSI/QCFractal-sub000/pkg/blob"
	"github.com/MolSSI/QCFractal-sub000/pkg/database"
	"github.com/MolSSI/QCFractal-sub000/pkg/database/model"
	qcerrors "github.com/MolSSI/QCFractal-sub000/pkg/errors"
	"github.com/MolSSI/QCFractal-sub000/pkg/jsonutil"
	"github.com/MolSSI/QCFractal-sub000/pkg/models"
)

func newTestStore(t *testing.T) (*Store, *database.Client) {
	t.Helper()
	db := database.NewTestClient(t)
	return NewStore(db, blob.NewDatabaseStore(db)), db
}

func registerManager(t *testing.T, ctx context.Context, db *database.Client, name string,
	programs map[string]string) *model.Manager {
	t.Helper()
	mgr := &model.Manager{
		Name:     name,
		Tags:     jsonutil.MarshalSilently([]string{"*"}),
		Programs: jsonutil.MarshalSilently(programs),
	}
	require.NoError(t, db.RegisterManager(ctx, mgr))
	return mgr
}

func hydrogenPair(x float64) *models.Molecule {
	return &models.Molecule{
		Symbols:  []string{"H", "H"},
		Geometry: []float64{0, 0, 0, x, 0, 0},
	}
}

func addMolecule(t *testing.T, ctx context.Context, s *Store, x float64) int64 {
	t.Helper()
	ids, _, err := s.AddMolecules(ctx, []*models.Molecule{hydrogenPair(x)})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	return ids[0]
}

func submitEnergy(t *testing.T, ctx context.Context, s *Store, molID int64) int64 {
	t.Helper()
	ids, _, err := s.AddSinglepoints(ctx, &models.QCSpecification{
		Program: "psi4", Driver: models.DriverEnergy, Method: "hf", Basis: "sto-3g",
	}, []int64{molID}, "", models.PriorityNormal, "tester")
	require.NoError(t, err)
	require.Len(t, ids, 1)
	return ids[0]
}

func claimOne(t *testing.T, ctx context.Context, db *database.Client, mgr *model.Manager) *model.TaskQueue {
	t.Helper()
	tasks, err := db.ClaimTasks(ctx, mgr, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	return tasks[0]
}

func energyResult(energy float64, stdout string) json.RawMessage {
	return jsonutil.MarshalSilently(models.SinglepointResult{
		ReturnResult: jsonutil.MarshalSilently(energy),
		Stdout:       stdout,
	})
}

func TestReturnRejectsForeignLease(t *testing.T) {
	ctx := t.Context()
	s, db := newTestStore(t)
	recID := submitEnergy(t, ctx, s, addMolecule(t, ctx, s, 1.4))

	holder := registerManager(t, ctx, db, "holder", map[string]string{"psi4": "1.9"})
	intruder := registerManager(t, ctx, db, "intruder", map[string]string{"psi4": "1.9"})
	task := claimOne(t, ctx, db, holder)

	summary, err := s.ReturnTasks(ctx, intruder.Name, map[int64]TaskResult{
		task.ID: {Success: true, RecordID: recID, Payload: energyResult(-1.1, "")},
	})
	require.NoError(t, err)
	assert.Empty(t, summary.Accepted)
	assert.Equal(t, []int64{task.ID}, summary.Rejected)

	rec, err := db.GetRecord(ctx, recID)
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusRunning), rec.Status)

	counted, err := db.GetManager(ctx, intruder.Name)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counted.Rejected)

	_, err = s.ReturnTasks(ctx, "never-registered", map[int64]TaskResult{})
	assert.Error(t, err)
}

func TestLateReturnArchivedAfterCancel(t *testing.T) {
	ctx := t.Context()
	s, db := newTestStore(t)
	recID := submitEnergy(t, ctx, s, addMolecule(t, ctx, s, 1.4))

	mgr := registerManager(t, ctx, db, "late-mgr", map[string]string{"psi4": "1.9"})
	task := claimOne(t, ctx, db, mgr)

	require.NoError(t, s.Cancel(ctx, recID))
	gone, err := db.GetTaskByRecord(ctx, recID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	// Without the record id there is nothing to attach the outcome to.
	summary, err := s.ReturnTasks(ctx, mgr.Name, map[int64]TaskResult{
		task.ID: {Success: true, Payload: energyResult(-1.1, "")},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{task.ID}, summary.Rejected)

	summary, err = s.ReturnTasks(ctx, mgr.Name, map[int64]TaskResult{
		task.ID: {Success: true, RecordID: recID, Payload: energyResult(-1.1, "")},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{task.ID}, summary.Accepted)

	rec, err := db.GetRecord(ctx, recID)
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusCancelled), rec.Status)

	history, err := db.GetComputeHistory(ctx, recID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, string(models.StatusComplete), history[0].Status)
	assert.Equal(t, mgr.Name, history[0].ManagerName)
}

func TestFailedReturnStoresErrorPayload(t *testing.T) {
	ctx := t.Context()
	s, db := newTestStore(t)
	recID := submitEnergy(t, ctx, s, addMolecule(t, ctx, s, 1.4))

	mgr := registerManager(t, ctx, db, "fail-mgr", map[string]string{"psi4": "1.9"})
	task := claimOne(t, ctx, db, mgr)

	// A payload without a message is not a usable failure report.
	summary, err := s.ReturnTasks(ctx, mgr.Name, map[int64]TaskResult{
		task.ID: {Success: false, RecordID: recID, Payload: json.RawMessage(`{"error_type":"random_error"}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{task.ID}, summary.Rejected)
	rec, err := db.GetRecord(ctx, recID)
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusRunning), rec.Status)

	summary, err = s.ReturnTasks(ctx, mgr.Name, map[int64]TaskResult{
		task.ID: {Success: false, RecordID: recID, Payload: jsonutil.MarshalSilently(models.ErrorPayload{
			ErrorType:    "random_error",
			ErrorMessage: "SCF diverged",
		})},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{task.ID}, summary.Accepted)

	rec, err = db.GetRecord(ctx, recID)
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusError), rec.Status)

	history, err := db.GetComputeHistory(ctx, recID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].ErrorBlob)
	data, _, err := s.Blobs().Get(ctx, *history[0].ErrorBlob)
	require.NoError(t, err)
	var payload models.ErrorPayload
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, "SCF diverged", payload.ErrorMessage)
}

func TestTrajectoryProtocolKeepsFinalPoint(t *testing.T) {
	ctx := t.Context()
	s, db := newTestStore(t)
	molID := addMolecule(t, ctx, s, 1.6)

	spec := &models.OptimizationSpecification{
		Program:   "geometric",
		Protocols: models.OptimizationProtocols{Trajectory: models.TrajectoryFinal},
		QCSpecification: models.QCSpecification{
			Program: "psi4", Driver: models.DriverGradient, Method: "hf", Basis: "sto-3g",
		},
	}
	ids, _, err := s.AddOptimizations(ctx, spec, []int64{molID}, "", models.PriorityNormal, "tester")
	require.NoError(t, err)
	recID := ids[0]

	mgr := registerManager(t, ctx, db, "opt-mgr", map[string]string{"psi4": "1.9", "geometric": ""})
	task := claimOne(t, ctx, db, mgr)

	trajectory := []models.SinglepointResult{
		{Molecule: hydrogenPair(1.6), ReturnResult: json.RawMessage(`[0,0,0,-0.2,0,0]`)},
		{Molecule: hydrogenPair(1.5), ReturnResult: json.RawMessage(`[0,0,0,-0.1,0,0]`)},
		{Molecule: hydrogenPair(1.4), ReturnResult: json.RawMessage(`[0,0,0,0,0,0]`)},
	}
	summary, err := s.ReturnTasks(ctx, mgr.Name, map[int64]TaskResult{
		task.ID: {Success: true, RecordID: recID, Payload: jsonutil.MarshalSilently(models.OptimizationResult{
			FinalMolecule: hydrogenPair(1.4),
			Energies:      []float64{-1.0, -1.1, -1.2},
			Trajectory:    trajectory,
			Stdout:        "converged in 3 steps",
		})},
	})
	require.NoError(t, err)
	require.Equal(t, []int64{task.ID}, summary.Accepted)

	rec, err := db.GetRecord(ctx, recID)
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusComplete), rec.Status)

	detail, err := db.GetOptimizationRecord(ctx, recID)
	require.NoError(t, err)
	require.NotNil(t, detail.FinalMoleculeID)
	var energies []float64
	require.NoError(t, json.Unmarshal(detail.Energies, &energies))
	assert.Equal(t, []float64{-1.0, -1.1, -1.2}, energies)

	// Only the final trajectory point survives the protocol, stored as a
	// born-complete singlepoint child.
	children, err := db.GetChildIDs(ctx, recID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	child, err := db.GetRecord(ctx, children[0])
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusComplete), child.Status)
	assert.Equal(t, string(models.RecordSinglepoint), child.RecordType)

	point, err := db.GetSinglepointRecord(ctx, children[0])
	require.NoError(t, err)
	assert.JSONEq(t, `[0,0,0,0,0,0]`, string(point.ReturnResult))
	require.NotNil(t, detail.FinalMoleculeID)
	assert.Equal(t, *detail.FinalMoleculeID, point.MoleculeID)
}

func TestHardDeleteBlockedWhileReferenced(t *testing.T) {
	ctx := t.Context()
	s, db := newTestStore(t)
	molID := addMolecule(t, ctx, s, 1.6)

	spec := &models.OptimizationSpecification{
		Program:   "geometric",
		Protocols: models.OptimizationProtocols{Trajectory: models.TrajectoryFinal},
		QCSpecification: models.QCSpecification{
			Program: "psi4", Driver: models.DriverGradient, Method: "hf", Basis: "sto-3g",
		},
	}
	ids, _, err := s.AddOptimizations(ctx, spec, []int64{molID}, "", models.PriorityNormal, "tester")
	require.NoError(t, err)
	parentID := ids[0]

	mgr := registerManager(t, ctx, db, "del-mgr", map[string]string{"psi4": "1.9", "geometric": ""})
	task := claimOne(t, ctx, db, mgr)
	summary, err := s.ReturnTasks(ctx, mgr.Name, map[int64]TaskResult{
		task.ID: {Success: true, RecordID: parentID, Payload: jsonutil.MarshalSilently(models.OptimizationResult{
			FinalMolecule: hydrogenPair(1.4),
			Energies:      []float64{-1.2},
			Trajectory: []models.SinglepointResult{
				{Molecule: hydrogenPair(1.4), ReturnResult: json.RawMessage(`[0,0,0,0,0,0]`)},
			},
		})},
	})
	require.NoError(t, err)
	require.Len(t, summary.Accepted, 1)

	children, err := db.GetChildIDs(ctx, parentID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	childID := children[0]

	// The trajectory child is referenced by the optimization and stays put.
	err = s.HardDelete(ctx, childID)
	assert.Equal(t, qcerrors.KindConflict, qcerrors.KindOf(err))
	_, err = db.GetRecord(ctx, childID)
	require.NoError(t, err)

	// Removing the referencing parent takes its edges along and releases
	// the child.
	require.NoError(t, s.HardDelete(ctx, parentID))
	_, err = db.GetRecord(ctx, parentID)
	assert.Equal(t, qcerrors.KindNotFound, qcerrors.KindOf(err))

	require.NoError(t, s.HardDelete(ctx, childID))
	_, err = db.GetRecord(ctx, childID)
	assert.Equal(t, qcerrors.KindNotFound, qcerrors.KindOf(err))
}
