/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package compute

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/klog/v2"

	"github.com/MolSSI/QCFractal-sub000/pkg/api"
	"github.com/MolSSI/QCFractal-sub000/pkg/models"
	"github.com/MolSSI/QCFractal-sub000/pkg/version"
)

const defaultClaimInterval = 5 * time.Second

// Options configures one manager pool.
type Options struct {
	Cluster  string
	Hostname string
	Workers  int
	Tags     []string
	Programs map[string]string
	Executor Executor
	// ClaimInterval is how often the pool polls for tasks when idle.
	ClaimInterval time.Duration
}

// Manager is a worker pool bound to one registered manager name. It claims
// up to Workers tasks, executes them through the Executor and returns the
// outcomes, heartbeating at the server's frequency throughout.
type Manager struct {
	client *Client
	opts   Options
	active atomic.Int32
}

func NewManager(client *Client, opts Options) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Executor == nil {
		opts.Executor = SubprocessExecutor{}
	}
	if opts.ClaimInterval <= 0 {
		opts.ClaimInterval = defaultClaimInterval
	}
	return &Manager{client: client, opts: opts}
}

// Run registers, then claims and executes until ctx is cancelled. Transient
// server failures are retried with backoff; Run only returns on cancellation.
func (m *Manager) Run(ctx context.Context) error {
	var heartbeatEvery time.Duration
	register := func() error {
		resp, err := m.client.Register(ctx, &api.ManagerRegisterRequest{
			Cluster:  m.opts.Cluster,
			Hostname: m.opts.Hostname,
			Version:  version.Version,
			Tags:     m.opts.Tags,
			Programs: m.opts.Programs,
		})
		if err != nil {
			klog.V(2).InfoS("manager registration failed, retrying", "err", err)
			return err
		}
		heartbeatEvery = time.Duration(resp.HeartbeatFrequency * float64(time.Second))
		return nil
	}
	if err := backoff.Retry(register, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		return err
	}
	if heartbeatEvery <= 0 {
		heartbeatEvery = 30 * time.Second
	}
	klog.InfoS("manager registered", "name", m.client.name,
		"workers", m.opts.Workers, "heartbeat", heartbeatEvery)

	tasks := make(chan api.ClaimedTask)
	var wg sync.WaitGroup
	for i := 0; i < m.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range tasks {
				m.runTask(ctx, &task)
			}
		}()
	}

	go m.heartbeatLoop(ctx, heartbeatEvery)

	ticker := time.NewTicker(m.opts.ClaimInterval)
	defer ticker.Stop()
	for {
		free := m.opts.Workers - int(m.active.Load())
		if free > 0 {
			claimed, err := m.client.Claim(ctx, free)
			if err != nil {
				klog.V(2).InfoS("claim failed", "err", err)
			}
			for _, task := range claimed {
				m.active.Add(1)
				select {
				case tasks <- task:
				case <-ctx.Done():
				}
			}
		}
		select {
		case <-ctx.Done():
			close(tasks)
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.client.Heartbeat(ctx, int(m.active.Load())); err != nil {
				klog.V(2).InfoS("heartbeat failed", "err", err)
			}
		}
	}
}

// runTask executes one task and pushes the outcome back, retrying the return
// so a finished result survives a brief server outage.
func (m *Manager) runTask(ctx context.Context, task *api.ClaimedTask) {
	defer m.active.Add(-1)
	result := api.TaskResultBody{RecordID: task.RecordID}
	payload, err := m.opts.Executor.Execute(ctx, task)
	if err != nil {
		result.Payload, _ = json.Marshal(&models.ErrorPayload{
			ErrorType:    "execution_error",
			ErrorMessage: err.Error(),
		})
	} else {
		result.Success = true
		result.Payload = payload
	}

	send := func() error {
		_, err := m.client.Return(ctx, map[int64]api.TaskResultBody{task.ID: result})
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 8), ctx)
	if err := backoff.Retry(send, policy); err != nil {
		klog.ErrorS(err, "dropping task result", "task", task.ID, "record", task.RecordID)
		return
	}
	klog.V(2).InfoS("task returned", "task", task.ID, "record", task.RecordID, "success", result.Success)
}
