/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MolSSI/QCFractal-sub000/pkg/api"
	"github.com/MolSSI/QCFractal-sub000/pkg/config"
	"github.com/MolSSI/QCFractal-sub000/pkg/database"
	"github.com/MolSSI/QCFractal-sub000/pkg/database/model"
	qcerrors "github.com/MolSSI/QCFractal-sub000/pkg/errors"
	"github.com/MolSSI/QCFractal-sub000/pkg/handlers/authority"
	"github.com/MolSSI/QCFractal-sub000/pkg/jsonutil"
	"github.com/MolSSI/QCFractal-sub000/pkg/models"
	"github.com/MolSSI/QCFractal-sub000/pkg/records"
)

// registerManager creates or reactivates a manager row and issues it a
// compute-role token scoped to its own name.
func (h *Handlers) registerManager(c *gin.Context) (interface{}, error) {
	var req api.ManagerRegisterRequest
	if err := bindJSON(c, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, qcerrors.NewInvalidInput("manager name is empty")
	}
	if len(req.Programs) == 0 {
		return nil, qcerrors.NewInvalidInput("manager %q advertises no programs", req.Name)
	}
	if len(req.Tags) == 0 {
		req.Tags = []string{"*"}
	}
	programs := make(map[string]string, len(req.Programs))
	for name, version := range req.Programs {
		programs[strings.ToLower(name)] = version
	}
	now := time.Now().UTC()
	row := &model.Manager{
		Name:          req.Name,
		Cluster:       req.Cluster,
		Hostname:      req.Hostname,
		Version:       req.Version,
		Tags:          jsonutil.MarshalSilently(req.Tags),
		Programs:      jsonutil.MarshalSilently(programs),
		Status:        model.ManagerActive,
		CreatedOn:     now,
		LastHeartbeat: now,
	}
	if err := h.db.RegisterManager(c.Request.Context(), row); err != nil {
		return nil, err
	}
	resp := api.ManagerRegisterResponse{
		HeartbeatFrequency: config.GetHeartbeatFrequency().Seconds(),
	}
	if config.IsAuthEnabled() {
		token, _, err := h.auth.IssueToken(req.Name, authority.RoleManager, config.GetTokenLifetime())
		if err != nil {
			return nil, err
		}
		resp.Token = token
	}
	return resp, nil
}

// activeManager loads the named manager and rejects claim/return traffic
// from deactivated ones; a reaped manager must re-register.
func (h *Handlers) activeManager(c *gin.Context, name string) (*model.Manager, error) {
	if strings.TrimSpace(name) == "" {
		return nil, qcerrors.NewInvalidInput("manager name is empty")
	}
	mgr, err := h.db.GetManager(c.Request.Context(), name)
	if err != nil {
		if qcerrors.IsKind(err, qcerrors.KindNotFound) {
			return nil, qcerrors.NewManagerUnknown(name)
		}
		return nil, err
	}
	if mgr.Status != model.ManagerActive {
		return nil, qcerrors.NewManagerUnknown(name)
	}
	return mgr, nil
}

func (h *Handlers) claimTasks(c *gin.Context) (interface{}, error) {
	var req api.ClaimRequest
	if err := bindJSON(c, &req); err != nil {
		return nil, err
	}
	mgr, err := h.activeManager(c, req.Name)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if max := config.GetClaimLimit(); limit <= 0 || limit > max {
		limit = max
	}
	rows, err := h.db.ClaimTasks(c.Request.Context(), mgr, limit, config.GetLeaseDuration())
	if err != nil {
		return nil, err
	}
	tasks := make([]api.ClaimedTask, 0, len(rows))
	for _, row := range rows {
		tasks = append(tasks, api.ClaimedTask{
			ID:               row.ID,
			RecordID:         row.RecordID,
			Payload:          row.Payload,
			RequiredPrograms: row.RequiredPrograms,
			Tag:              row.Tag,
			Priority:         models.Priority(row.Priority),
		})
	}
	return api.ClaimResponse{Tasks: tasks}, nil
}

func (h *Handlers) managerHeartbeat(c *gin.Context) (interface{}, error) {
	var req api.HeartbeatRequest
	if err := bindJSON(c, &req); err != nil {
		return nil, err
	}
	if _, err := h.activeManager(c, req.Name); err != nil {
		return nil, err
	}
	ctx := c.Request.Context()
	if err := h.db.TouchManagerHeartbeat(ctx, req.Name); err != nil {
		return nil, err
	}
	extended, err := h.db.ExtendLeases(ctx, req.Name, config.GetLeaseDuration())
	if err != nil {
		return nil, err
	}
	return api.HeartbeatResponse{
		HeartbeatFrequency: config.GetHeartbeatFrequency().Seconds(),
		ExtendedLeases:     extended,
	}, nil
}

func (h *Handlers) returnTasks(c *gin.Context) (interface{}, error) {
	var req api.ReturnRequest
	if err := bindJSON(c, &req); err != nil {
		return nil, err
	}
	if _, err := h.activeManager(c, req.Name); err != nil {
		return nil, err
	}
	results := make(map[int64]records.TaskResult, len(req.Results))
	for taskID, body := range req.Results {
		results[taskID] = records.TaskResult{
			Success:  body.Success,
			RecordID: body.RecordID,
			Payload:  body.Payload,
		}
	}
	summary, err := h.store.ReturnTasks(c.Request.Context(), req.Name, results)
	if err != nil {
		return nil, err
	}
	return api.ReturnResponse{Accepted: summary.Accepted, Rejected: summary.Rejected}, nil
}

func (h *Handlers) getManager(c *gin.Context) (interface{}, error) {
	mgr, err := h.db.GetManager(c.Request.Context(), c.Param("name"))
	if err != nil {
		return nil, err
	}
	return mgr, nil
}

func (h *Handlers) queryManagers(c *gin.Context) (interface{}, error) {
	var req api.ManagerQueryRequest
	if err := bindJSON(c, &req); err != nil {
		return nil, err
	}
	rows, matched, err := h.db.QueryManagers(c.Request.Context(), &database.ManagerFilter{
		Names:   req.Names,
		Status:  req.Status,
		Cluster: req.Cluster,
		Limit:   clampLimit(req.Limit),
		Skip:    req.Skip,
	})
	if err != nil {
		return nil, err
	}
	return gin.H{"managers": rows, "matched": matched}, nil
}
