/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

// Package runner hosts the server's background work: the internal job table
// (periodic maintenance scheduled through cron, claimed with row locks so
// replicated servers never double-run a job) and the service iteration loop.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/MolSSI/QCFractal-sub000/pkg/config"
	"github.com/MolSSI/QCFractal-sub000/pkg/database"
	"github.com/MolSSI/QCFractal-sub000/pkg/database/model"
	"github.com/MolSSI/QCFractal-sub000/pkg/jsonutil"
	"github.com/MolSSI/QCFractal-sub000/pkg/records"
	"github.com/MolSSI/QCFractal-sub000/pkg/services"
)

// Internal job names.
const (
	JobServiceTick       = "service_tick"
	JobManagerReap       = "manager_reap"
	JobAutoReset         = "auto_reset"
	JobStatsSnapshot     = "stats_snapshot"
	JobPruneInternalJobs = "prune_internal_jobs"
	JobPruneAccessLog    = "prune_access_log"
)

const (
	jobScanInterval = 2 * time.Second
	jobClaimBatch   = 10
	serviceWorkers  = 4
	// serviceLockHold bounds how long a crashed runner can stall one
	// service before another runner takes over its iteration.
	serviceLockHold = 10 * time.Minute
)

type jobHandler func(ctx context.Context, job *model.InternalJob) (interface{}, error)

// Runner drives the internal job table and the service queue for one server
// process. Multiple runners against the same database coexist: job claims and
// service locks are both database-arbitrated.
type Runner struct {
	db       *database.Client
	store    *records.Store
	registry services.Registry
	id       string
	cron     *cron.Cron
	queue    workqueue.TypedRateLimitingInterface[int64]
	handlers map[string]jobHandler
}

func New(db *database.Client, store *records.Store) *Runner {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	r := &Runner{
		db:       db,
		store:    store,
		registry: services.NewRegistry(),
		id:       fmt.Sprintf("%s-%s", hostname, uuid.NewString()),
		cron:     cron.New(),
		queue: workqueue.NewTypedRateLimitingQueue(
			workqueue.DefaultTypedControllerRateLimiter[int64]()),
	}
	r.handlers = map[string]jobHandler{
		JobServiceTick:       r.serviceTick,
		JobManagerReap:       r.managerReap,
		JobAutoReset:         r.autoReset,
		JobStatsSnapshot:     r.statsSnapshot,
		JobPruneInternalJobs: r.pruneInternalJobs,
		JobPruneAccessLog:    r.pruneAccessLog,
	}
	return r
}

// ID returns the runner's instance identity stamped on claimed jobs and
// service locks.
func (r *Runner) ID() string { return r.id }

// Start launches the cron scheduler, the job scan loop and the service
// workers. Everything winds down when ctx is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.scheduleRepeating(); err != nil {
		return err
	}
	r.cron.Start()
	for i := 0; i < serviceWorkers; i++ {
		go r.serviceWorker(ctx)
	}
	go wait.UntilWithContext(ctx, r.scanOnce, jobScanInterval)
	go func() {
		<-ctx.Done()
		r.cron.Stop()
		r.queue.ShutDown()
	}()
	klog.InfoS("runner started", "id", r.id)
	return nil
}

// repeatingJobs lists every scheduled job with its cadence. The cron entry
// only enqueues the row; unique_name keeps one pending copy no matter how
// many server replicas schedule it.
func (r *Runner) repeatingJobs() []struct {
	name  string
	every time.Duration
} {
	return []struct {
		name  string
		every time.Duration
	}{
		{JobServiceTick, config.GetServiceFrequency()},
		{JobManagerReap, config.GetHeartbeatFrequency()},
		{JobAutoReset, time.Minute},
		{JobStatsSnapshot, 10 * time.Minute},
		{JobPruneInternalJobs, time.Hour},
		{JobPruneAccessLog, time.Hour},
	}
}

func (r *Runner) scheduleRepeating() error {
	for _, job := range r.repeatingJobs() {
		name, every := job.name, job.every
		r.enqueueRepeating(context.Background(), name, every, time.Now().UTC())
		_, err := r.cron.AddFunc(fmt.Sprintf("@every %s", every), func() {
			r.enqueueRepeating(context.Background(), name, every, time.Now().UTC())
		})
		if err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}
	return nil
}

func (r *Runner) enqueueRepeating(ctx context.Context, name string, every time.Duration, due time.Time) {
	err := r.db.EnqueueInternalJob(ctx, &model.InternalJob{
		Name:        name,
		UniqueName:  name,
		ScheduledAt: due,
		RepeatDelay: int(every.Seconds()),
	})
	if err != nil {
		klog.ErrorS(err, "failed to enqueue internal job", "name", name)
	}
}

// scanOnce claims a batch of due jobs and runs them to completion.
func (r *Runner) scanOnce(ctx context.Context) {
	claimed, err := r.db.ClaimInternalJobs(ctx, r.id, time.Now().UTC(), jobClaimBatch)
	if err != nil {
		klog.ErrorS(err, "failed to claim internal jobs")
		return
	}
	for _, job := range claimed {
		r.runJob(ctx, job)
	}
}

func (r *Runner) runJob(ctx context.Context, job *model.InternalJob) {
	handler, ok := r.handlers[job.Name]
	if !ok {
		err := fmt.Errorf("no handler registered for job %q", job.Name)
		klog.ErrorS(err, "dropping internal job", "id", job.ID)
		_ = r.db.FinishInternalJob(ctx, job.ID, err, nil)
		return
	}
	start := time.Now()
	result, jobErr := handler(ctx, job)
	var encoded json.RawMessage
	if result != nil {
		encoded = jsonutil.MarshalSilently(result)
	}
	if err := r.db.FinishInternalJob(ctx, job.ID, jobErr, encoded); err != nil {
		klog.ErrorS(err, "failed to finish internal job", "name", job.Name, "id", job.ID)
	}
	if jobErr != nil {
		klog.ErrorS(jobErr, "internal job failed", "name", job.Name, "id", job.ID)
	} else {
		klog.V(4).InfoS("internal job finished", "name", job.Name, "cost", time.Since(start))
	}
	if job.RepeatDelay > 0 {
		delay := time.Duration(job.RepeatDelay) * time.Second
		r.enqueueRepeating(ctx, job.Name, delay, time.Now().UTC().Add(delay))
	}
}

// serviceTick enqueues every due service onto the worker queue.
func (r *Runner) serviceTick(ctx context.Context, _ *model.InternalJob) (interface{}, error) {
	ids, err := r.db.DueServiceIDs(ctx, time.Now().UTC(), config.GetMaxActiveServices())
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		r.queue.Add(id)
	}
	return map[string]int{"enqueued": len(ids)}, nil
}

// managerReap deactivates managers that missed too many heartbeats and puts
// their leased tasks, plus any individually expired leases, back in the
// queue.
func (r *Runner) managerReap(ctx context.Context, _ *model.InternalJob) (interface{}, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-config.GetHeartbeatFrequency() * time.Duration(config.GetHeartbeatMaxMissed()))
	names, err := r.db.DeactivateStaleManagers(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	requeued := 0
	for _, name := range names {
		n, err := r.db.RequeueManagerTasks(ctx, name)
		if err != nil {
			return nil, err
		}
		requeued += n
		klog.InfoS("deactivated stale manager", "manager", name, "requeued", n)
	}
	expired, err := r.db.RequeueExpiredTasks(ctx, now)
	if err != nil {
		return nil, err
	}
	return map[string]int{
		"deactivated": len(names),
		"requeued":    requeued + expired,
	}, nil
}

// autoReset puts errored records whose latest error matches a configured
// pattern back in the queue, up to the per-record reset budget.
func (r *Runner) autoReset(ctx context.Context, _ *model.InternalJob) (interface{}, error) {
	if !config.IsAutoResetEnabled() {
		return nil, nil
	}
	n, err := r.store.AutoResetErrored(ctx, config.GetAutoResetPatterns(), config.GetAutoResetMaxResets())
	if err != nil {
		return nil, err
	}
	if n > 0 {
		klog.InfoS("auto-reset errored records", "count", n)
	}
	return map[string]int{"reset": n}, nil
}

// statsSnapshot appends one server_stats row with the current queue and
// record counts.
func (r *Runner) statsSnapshot(ctx context.Context, _ *model.InternalJob) (interface{}, error) {
	recordCounts, err := r.db.CountRecordsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	managerCounts, err := r.db.CountManagersByStatus(ctx)
	if err != nil {
		return nil, err
	}
	taskDepth, err := r.db.TaskQueueDepth(ctx)
	if err != nil {
		return nil, err
	}
	serviceDepth, err := r.db.ServiceQueueDepth(ctx)
	if err != nil {
		return nil, err
	}
	snapshot := map[string]interface{}{
		"records":             recordCounts,
		"managers":            managerCounts,
		"task_queue_depth":    taskDepth,
		"service_queue_depth": serviceDepth,
	}
	err = r.db.InsertServerStats(ctx, &model.ServerStats{
		Snapshot: jsonutil.MarshalSilently(snapshot),
	})
	return nil, err
}

func (r *Runner) pruneInternalJobs(ctx context.Context, _ *model.InternalJob) (interface{}, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -config.GetInternalJobKeepDays())
	n, err := r.db.PruneInternalJobs(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	return map[string]int64{"pruned": n}, nil
}

func (r *Runner) pruneAccessLog(ctx context.Context, _ *model.InternalJob) (interface{}, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -config.GetAccessLogKeepDays())
	n, err := r.db.PruneAccessLog(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	return map[string]int64{"pruned": n}, nil
}
