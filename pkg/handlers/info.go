/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/MolSSI/QCFractal-sub000/pkg/api"
	"github.com/MolSSI/QCFractal-sub000/pkg/config"
	"github.com/MolSSI/QCFractal-sub000/pkg/version"
)

// information is the client handshake: server identity, API limits and a
// coarse snapshot of queue state.
func (h *Handlers) information(c *gin.Context) (interface{}, error) {
	ctx := c.Request.Context()
	recordCounts, err := h.db.CountRecordsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	managerCounts, err := h.db.CountManagersByStatus(ctx)
	if err != nil {
		return nil, err
	}
	taskDepth, err := h.db.TaskQueueDepth(ctx)
	if err != nil {
		return nil, err
	}
	serviceDepth, err := h.db.ServiceQueueDepth(ctx)
	if err != nil {
		return nil, err
	}
	return api.Information{
		Name:    config.GetServerName(),
		Version: version.Version,
		APILimits: api.APILimits{
			MaxBodyBytes: config.GetMaxBodyBytes(),
			QueryLimit:   config.GetQueryLimit(),
		},
		HeartbeatFrequency: config.GetHeartbeatFrequency().Seconds(),
		RecordCounts:       recordCounts,
		ManagerCounts:      managerCounts,
		TaskQueueDepth:     taskDepth,
		ServiceQueueDepth:  serviceDepth,
	}, nil
}

// healthz answers liveness probes without touching auth or the database.
func healthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (h *Handlers) serverStats(c *gin.Context) (interface{}, error) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "24"))
	rows, err := h.db.GetServerStats(c.Request.Context(), clampLimit(limit))
	if err != nil {
		return nil, err
	}
	return gin.H{"stats": rows}, nil
}

func (h *Handlers) queryAccessLog(c *gin.Context) (interface{}, error) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	skip, _ := strconv.Atoi(c.Query("skip"))
	if skip < 0 {
		skip = 0
	}
	rows, err := h.db.QueryAccessLog(c.Request.Context(), clampLimit(limit), skip)
	if err != nil {
		return nil, err
	}
	return gin.H{"entries": rows}, nil
}
