/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/MolSSI/QCFractal-sub000/pkg/api"
	"github.com/MolSSI/QCFractal-sub000/pkg/records"
)

// Executor runs one claimed task and returns the result payload the server
// ingests on return. A returned error becomes a failure return with an
// execution_error payload.
type Executor interface {
	Execute(ctx context.Context, task *api.ClaimedTask) (json.RawMessage, error)
}

// SubprocessExecutor resolves the task's program on PATH and runs it with
// the function envelope on stdin, expecting the result JSON on stdout. This
// is the contract QC engine shims follow.
type SubprocessExecutor struct{}

func (SubprocessExecutor) Execute(ctx context.Context, task *api.ClaimedTask) (json.RawMessage, error) {
	var payload records.TaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return nil, fmt.Errorf("malformed task payload: %w", err)
	}
	program, _ := payload.FunctionKwargs["program"].(string)
	if program == "" {
		return nil, fmt.Errorf("task %d names no program", task.ID)
	}
	path, err := exec.LookPath(program)
	if err != nil {
		return nil, fmt.Errorf("program %q not on PATH: %w", program, err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path)
	cmd.Stdin = bytes.NewReader(task.Payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if tmp := os.Getenv("TMPDIR"); tmp != "" {
		cmd.Dir = tmp
	}
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("program %q failed: %s", program, msg)
	}
	result := bytes.TrimSpace(stdout.Bytes())
	if !json.Valid(result) {
		return nil, fmt.Errorf("program %q produced non-JSON output", program)
	}
	return result, nil
}

// DiscoverPrograms probes PATH for known QC programs and reports the ones
// present. Versions are left blank; the server's claim matching treats a
// blank requirement as "any version".
func DiscoverPrograms(candidates []string) map[string]string {
	found := map[string]string{}
	for _, name := range candidates {
		if _, err := exec.LookPath(name); err == nil {
			found[strings.ToLower(name)] = ""
		}
	}
	return found
}

// DefaultPrograms is the probe list for --local-manager pools.
var DefaultPrograms = []string{"psi4", "xtb", "nwchem", "geometric", "rdkit"}
