/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package runner

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
	"github.com/MolSSI/QCFractal-sub000/pkg/jsonutil"
	"github.com/MolSSI/QCFractal-sub000/pkg/models"
	"github.com/MolSSI/QCFractal-sub000/pkg/records"
)

func newTestRunner(t *testing.T) (*Runner, *database.Client, *records.Store) {
	t.Helper()
	db := database.NewTestClient(t)
	store := records.NewStore(db, blob.NewDatabaseStore(db))
	return New(db, store), db, store
}

func registerTestManager(t *testing.T, ctx context.Context, db *database.Client, name string) *model.Manager {
	t.Helper()
	mgr := &model.Manager{
		Name:     name,
		Tags:     jsonutil.MarshalSilently([]string{"*"}),
		Programs: jsonutil.MarshalSilently(map[string]string{"psi4": "1.9"}),
	}
	require.NoError(t, db.RegisterManager(ctx, mgr))
	return mgr
}

func addTestMolecule(t *testing.T, ctx context.Context, store *records.Store, x float64) int64 {
	t.Helper()
	ids, _, err := store.AddMolecules(ctx, []*models.Molecule{{
		Symbols:  []string{"H", "H"},
		Geometry: []float64{0, 0, 0, x, 0, 0},
	}})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	return ids[0]
}

// drainTasks claims everything queued for the manager and returns each task
// as a successful singlepoint carrying the given scalar energy.
func drainTasks(t *testing.T, ctx context.Context, db *database.Client, store *records.Store,
	mgr *model.Manager, energy float64) int {
	t.Helper()
	tasks, err := db.ClaimTasks(ctx, mgr, 100, time.Minute)
	require.NoError(t, err)
	if len(tasks) == 0 {
		return 0
	}
	results := map[int64]records.TaskResult{}
	for _, task := range tasks {
		results[task.ID] = records.TaskResult{
			Success:  true,
			RecordID: task.RecordID,
			Payload: jsonutil.MarshalSilently(models.SinglepointResult{
				ReturnResult: jsonutil.MarshalSilently(energy),
				Stdout:       "converged",
			}),
		}
	}
	summary, err := store.ReturnTasks(ctx, mgr.Name, results)
	require.NoError(t, err)
	require.Len(t, summary.Accepted, len(tasks))
	return len(tasks)
}

func recordStatus(t *testing.T, ctx context.Context, db *database.Client, id int64) models.RecordStatus {
	t.Helper()
	rec, err := db.GetRecord(ctx, id)
	require.NoError(t, err)
	return models.RecordStatus(rec.Status)
}

func TestReactionServiceLifecycle(t *testing.T) {
	ctx := t.Context()
	r, db, store := newTestRunner(t)
	molID := addTestMolecule(t, ctx, store, 1.4)

	ids, _, err := store.AddReactions(ctx, &models.ReactionSpecification{
		QCSpecification: models.QCSpecification{Program: "psi4", Method: "hf", Basis: "sto-3g"},
	}, [][]models.ReactionComponent{
		{{Coefficient: 2, MoleculeID: molID}},
	}, "", models.PriorityNormal, "tester")
	require.NoError(t, err)
	require.Len(t, ids, 1)
	recID := ids[0]
	assert.Equal(t, models.StatusWaiting, recordStatus(t, ctx, db, recID))

	// First iteration initializes the driver and spawns the component
	// singlepoint.
	require.NoError(t, r.iterateService(ctx, recID))
	assert.Equal(t, models.StatusRunning, recordStatus(t, ctx, db, recID))
	children, err := db.GetChildIDs(ctx, recID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, models.StatusWaiting, recordStatus(t, ctx, db, children[0]))

	mgr := registerTestManager(t, ctx, db, "svc-mgr")
	require.Equal(t, 1, drainTasks(t, ctx, db, store, mgr, -1.5))
	assert.Equal(t, models.StatusComplete, recordStatus(t, ctx, db, children[0]))

	// Second iteration absorbs the child and finalizes.
	require.NoError(t, r.iterateService(ctx, recID))
	assert.Equal(t, models.StatusComplete, recordStatus(t, ctx, db, recID))

	detail, err := db.GetReactionRecord(ctx, recID)
	require.NoError(t, err)
	require.NotNil(t, detail.TotalEnergy)
	assert.InDelta(t, -3.0, *detail.TotalEnergy, 1e-9)

	components, err := db.GetReactionComponents(ctx, recID)
	require.NoError(t, err)
	require.Len(t, components, 1)
	require.NotNil(t, components[0].SinglepointRecordID)
	assert.Equal(t, children[0], *components[0].SinglepointRecordID)
}

func TestServiceChildErrorFailsService(t *testing.T) {
	ctx := t.Context()
	r, db, store := newTestRunner(t)
	molID := addTestMolecule(t, ctx, store, 1.4)

	ids, _, err := store.AddReactions(ctx, &models.ReactionSpecification{
		QCSpecification: models.QCSpecification{Program: "psi4", Method: "hf"},
	}, [][]models.ReactionComponent{
		{{Coefficient: 1, MoleculeID: molID}},
	}, "", models.PriorityNormal, "tester")
	require.NoError(t, err)
	recID := ids[0]

	require.NoError(t, r.iterateService(ctx, recID))
	children, err := db.GetChildIDs(ctx, recID)
	require.NoError(t, err)
	require.Len(t, children, 1)

	mgr := registerTestManager(t, ctx, db, "err-mgr")
	tasks, err := db.ClaimTasks(ctx, mgr, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	_, err = store.ReturnTasks(ctx, mgr.Name, map[int64]records.TaskResult{
		tasks[0].ID: {
			Success:  false,
			RecordID: tasks[0].RecordID,
			Payload: jsonutil.MarshalSilently(models.ErrorPayload{
				ErrorType:    "random_error",
				ErrorMessage: "SCF did not converge",
			}),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, recordStatus(t, ctx, db, children[0]))

	require.NoError(t, r.iterateService(ctx, recID))
	assert.Equal(t, models.StatusError, recordStatus(t, ctx, db, recID))
}

func TestServiceLockExcludesSecondRunner(t *testing.T) {
	ctx := t.Context()
	r, db, store := newTestRunner(t)
	molID := addTestMolecule(t, ctx, store, 1.4)

	ids, _, err := store.AddReactions(ctx, &models.ReactionSpecification{
		QCSpecification: models.QCSpecification{Program: "psi4", Method: "hf"},
	}, [][]models.ReactionComponent{
		{{Coefficient: 1, MoleculeID: molID}},
	}, "", models.PriorityNormal, "tester")
	require.NoError(t, err)
	recID := ids[0]

	claimed, err := db.TryClaimService(ctx, recID, "other-runner", time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	// A held lock makes the iteration a no-op instead of an error.
	require.NoError(t, r.iterateService(ctx, recID))
	assert.Equal(t, models.StatusWaiting, recordStatus(t, ctx, db, recID))
}

func TestManagerReapRequeuesTasks(t *testing.T) {
	ctx := t.Context()
	r, db, store := newTestRunner(t)
	molID := addTestMolecule(t, ctx, store, 1.4)

	ids, _, err := store.AddSinglepoints(ctx, &models.QCSpecification{
		Program: "psi4", Driver: models.DriverEnergy, Method: "hf",
	}, []int64{molID}, "", models.PriorityNormal, "tester")
	require.NoError(t, err)
	recID := ids[0]

	mgr := registerTestManager(t, ctx, db, "stale-mgr")
	tasks, err := db.ClaimTasks(ctx, mgr, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.StatusRunning, recordStatus(t, ctx, db, recID))

	// Push the heartbeat past the reap cutoff.
	require.NoError(t, db.Gorm().Model(&model.Manager{}).
		Where("name = ?", mgr.Name).
		Update("last_heartbeat", time.Now().UTC().Add(-24*time.Hour)).Error)

	result, err := r.managerReap(ctx, nil)
	require.NoError(t, err)
	counts := result.(map[string]int)
	assert.Equal(t, 1, counts["deactivated"])
	assert.Equal(t, 1, counts["requeued"])

	reaped, err := db.GetManager(ctx, mgr.Name)
	require.NoError(t, err)
	assert.Equal(t, model.ManagerInactive, reaped.Status)
	assert.Equal(t, models.StatusWaiting, recordStatus(t, ctx, db, recID))

	task, err := db.GetTaskByRecord(ctx, recID)
	require.NoError(t, err)
	assert.Empty(t, task.ManagerName)
}

func TestInternalJobDeduplicationAndRepeat(t *testing.T) {
	ctx := t.Context()
	r, db, _ := newTestRunner(t)
	now := time.Now().UTC()

	// unique_name keeps one pending copy however often replicas schedule it.
	r.enqueueRepeating(ctx, JobStatsSnapshot, time.Hour, now)
	r.enqueueRepeating(ctx, JobStatsSnapshot, time.Hour, now)

	claimed, err := db.ClaimInternalJobs(ctx, r.id, now.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, JobStatsSnapshot, claimed[0].Name)

	r.runJob(ctx, claimed[0])

	stats, err := db.GetServerStats(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	var snapshot map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(stats[0].Snapshot, &snapshot))
	assert.Contains(t, snapshot, "task_queue_depth")

	// The finished repeat re-queued itself for one interval later, not now.
	again, err := db.ClaimInternalJobs(ctx, r.id, now.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, again)
	future, err := db.ClaimInternalJobs(ctx, r.id, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, future, 1)
}

func TestAutoResetRespectsBudget(t *testing.T) {
	ctx := t.Context()
	_, db, store := newTestRunner(t)
	molID := addTestMolecule(t, ctx, store, 1.4)

	ids, _, err := store.AddSinglepoints(ctx, &models.QCSpecification{
		Program: "psi4", Driver: models.DriverEnergy, Method: "hf",
	}, []int64{molID}, "", models.PriorityNormal, "tester")
	require.NoError(t, err)
	recID := ids[0]

	mgr := registerTestManager(t, ctx, db, "reset-mgr")
	failOnce := func() {
		tasks, err := db.ClaimTasks(ctx, mgr, 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		_, err = store.ReturnTasks(ctx, mgr.Name, map[int64]records.TaskResult{
			tasks[0].ID: {
				Success:  false,
				RecordID: tasks[0].RecordID,
				Payload: jsonutil.MarshalSilently(models.ErrorPayload{
					ErrorType:    "random_error",
					ErrorMessage: "node fell over",
				}),
			},
		})
		require.NoError(t, err)
	}

	failOnce()
	assert.Equal(t, models.StatusError, recordStatus(t, ctx, db, recID))

	n, err := store.AutoResetErrored(ctx, []string{"fell over"}, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.StatusWaiting, recordStatus(t, ctx, db, recID))

	// Errors that match no pattern stay put.
	failOnce()
	n, err = store.AutoResetErrored(ctx, []string{"connection refused"}, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, models.StatusError, recordStatus(t, ctx, db, recID))
}
