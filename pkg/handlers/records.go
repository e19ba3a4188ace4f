/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"

	"github.com/MolSSI/QCFractal-sub000/pkg/api"
	"github.com/MolSSI/QCFractal-sub000/pkg/database"
	qcerrors "github.com/MolSSI/QCFractal-sub000/pkg/errors"
	"github.com/MolSSI/QCFractal-sub000/pkg/handlers/authority"
	"github.com/MolSSI/QCFractal-sub000/pkg/jsonutil"
	"github.com/MolSSI/QCFractal-sub000/pkg/models"
)

func caller(c *gin.Context) string {
	if identity := authority.CallerIdentity(c); identity != nil {
		return identity.Username
	}
	return ""
}

// Submissions.

func (h *Handlers) submitSinglepoints(c *gin.Context) (interface{}, error) {
	var req api.SinglepointSubmission
	if err := bindJSON(c, &req); err != nil {
		return nil, err
	}
	ids, meta, err := h.store.AddSinglepoints(c.Request.Context(),
		&req.Specification, req.MoleculeIDs, req.Tag, req.Priority, caller(c))
	if err != nil {
		return nil, err
	}
	return api.AddResponse{IDs: ids, Meta: wireMeta(meta)}, nil
}

func (h *Handlers) submitOptimizations(c *gin.Context) (interface{}, error) {
	var req api.OptimizationSubmission
	if err := bindJSON(c, &req); err != nil {
		return nil, err
	}
	ids, meta, err := h.store.AddOptimizations(c.Request.Context(),
		&req.Specification, req.MoleculeIDs, req.Tag, req.Priority, caller(c))
	if err != nil {
		return nil, err
	}
	return api.AddResponse{IDs: ids, Meta: wireMeta(meta)}, nil
}

func (h *Handlers) submitTorsiondrives(c *gin.Context) (interface{}, error) {
	var req api.TorsiondriveSubmission
	if err := bindJSON(c, &req); err != nil {
		return nil, err
	}
	ids, meta, err := h.store.AddTorsiondrives(c.Request.Context(),
		&req.Specification, req.InitialMolecules, req.Tag, req.Priority, caller(c))
	if err != nil {
		return nil, err
	}
	return api.AddResponse{IDs: ids, Meta: wireMeta(meta)}, nil
}

func (h *Handlers) submitGridoptimizations(c *gin.Context) (interface{}, error) {
	var req api.GridoptimizationSubmission
	if err := bindJSON(c, &req); err != nil {
		return nil, err
	}
	ids, meta, err := h.store.AddGridoptimizations(c.Request.Context(),
		&req.Specification, req.StartingMolecules, req.Tag, req.Priority, caller(c))
	if err != nil {
		return nil, err
	}
	return api.AddResponse{IDs: ids, Meta: wireMeta(meta)}, nil
}

func (h *Handlers) submitNEBs(c *gin.Context) (interface{}, error) {
	var req api.NEBSubmission
	if err := bindJSON(c, &req); err != nil {
		return nil, err
	}
	ids, meta, err := h.store.AddNEBs(c.Request.Context(),
		&req.Specification, req.Chains, req.Tag, req.Priority, caller(c))
	if err != nil {
		return nil, err
	}
	return api.AddResponse{IDs: ids, Meta: wireMeta(meta)}, nil
}

func (h *Handlers) submitManybodys(c *gin.Context) (interface{}, error) {
	var req api.ManybodySubmission
	if err := bindJSON(c, &req); err != nil {
		return nil, err
	}
	ids, meta, err := h.store.AddManybodys(c.Request.Context(),
		&req.Specification, req.InitialMolecules, req.Tag, req.Priority, caller(c))
	if err != nil {
		return nil, err
	}
	return api.AddResponse{IDs: ids, Meta: wireMeta(meta)}, nil
}

func (h *Handlers) submitReactions(c *gin.Context) (interface{}, error) {
	var req api.ReactionSubmission
	if err := bindJSON(c, &req); err != nil {
		return nil, err
	}
	ids, meta, err := h.store.AddReactions(c.Request.Context(),
		&req.Specification, req.Stoichiometries, req.Tag, req.Priority, caller(c))
	if err != nil {
		return nil, err
	}
	return api.AddResponse{IDs: ids, Meta: wireMeta(meta)}, nil
}

// Views.

func (h *Handlers) getRecord(c *gin.Context) (interface{}, error) {
	id, err := pathID(c)
	if err != nil {
		return nil, err
	}
	includes := map[string]bool{}
	for _, part := range strings.Split(c.Query("include"), ",") {
		if part = strings.TrimSpace(part); part != "" {
			includes[part] = true
		}
	}
	return h.recordView(c.Request.Context(), id, includes)
}

func (h *Handlers) recordView(ctx context.Context, id int64, includes map[string]bool) (gin.H, error) {
	rec, err := h.db.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	view := gin.H{"record": rec}
	detail, err := h.recordDetail(ctx, id, models.RecordType(rec.RecordType))
	if err != nil {
		return nil, err
	}
	if detail != nil {
		view["detail"] = detail
	}
	if includes["task"] {
		task, err := h.db.GetTaskByRecord(ctx, id)
		if err != nil && !qcerrors.IsKind(err, qcerrors.KindNotFound) {
			return nil, err
		}
		if task != nil {
			view["task"] = task
		}
	}
	if includes["service"] {
		svc, err := h.db.GetServiceByRecord(ctx, id)
		if err != nil {
			return nil, err
		}
		if svc != nil {
			view["service"] = svc
		}
	}
	if includes["comments"] {
		comments, err := h.db.GetComments(ctx, id)
		if err != nil {
			return nil, err
		}
		view["comments"] = comments
	}
	if includes["history"] {
		history, err := h.db.GetComputeHistory(ctx, id)
		if err != nil {
			return nil, err
		}
		view["history"] = history
	}
	if includes["outputs"] {
		outputs, err := h.latestOutputs(ctx, id)
		if err != nil {
			return nil, err
		}
		view["outputs"] = outputs
	}
	return view, nil
}

func (h *Handlers) recordDetail(ctx context.Context, id int64, recordType models.RecordType) (interface{}, error) {
	switch recordType {
	case models.RecordSinglepoint:
		return h.db.GetSinglepointRecord(ctx, id)
	case models.RecordOptimization:
		return h.db.GetOptimizationRecord(ctx, id)
	case models.RecordTorsiondrive:
		return h.db.GetTorsiondriveRecord(ctx, id)
	case models.RecordGridoptimization:
		return h.db.GetGridoptimizationRecord(ctx, id)
	case models.RecordNEB:
		return h.db.GetNEBRecord(ctx, id)
	case models.RecordManybody:
		return h.db.GetManybodyRecord(ctx, id)
	case models.RecordReaction:
		return h.db.GetReactionRecord(ctx, id)
	}
	return nil, nil
}

// latestOutputs decodes the newest compute-history attempt's blobs. The
// record's current outputs are by definition the latest entry's.
func (h *Handlers) latestOutputs(ctx context.Context, id int64) (gin.H, error) {
	history, err := h.db.GetComputeHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return gin.H{}, nil
	}
	latest := history[len(history)-1]
	outputs := gin.H{"status": latest.Status, "modified_on": latest.ModifiedOn}
	if latest.StdoutBlob != nil {
		data, _, err := h.store.Blobs().Get(ctx, *latest.StdoutBlob)
		if err != nil {
			return nil, err
		}
		outputs["stdout"] = string(data)
	}
	if latest.StderrBlob != nil {
		data, _, err := h.store.Blobs().Get(ctx, *latest.StderrBlob)
		if err != nil {
			return nil, err
		}
		outputs["stderr"] = string(data)
	}
	if latest.ErrorBlob != nil {
		data, _, err := h.store.Blobs().Get(ctx, *latest.ErrorBlob)
		if err != nil {
			return nil, err
		}
		outputs["error"] = json.RawMessage(data)
	}
	return outputs, nil
}

func (h *Handlers) bulkGetRecords(c *gin.Context) (interface{}, error) {
	var req api.BulkGetRequest
	if err := bindJSON(c, &req); err != nil {
		return nil, err
	}
	rows, err := h.db.GetRecords(c.Request.Context(), req.IDs, req.MissingOK)
	if err != nil {
		return nil, err
	}
	return gin.H{"records": rows}, nil
}

func (h *Handlers) queryRecords(c *gin.Context) (interface{}, error) {
	var req api.RecordQueryRequest
	if err := bindJSON(c, &req); err != nil {
		return nil, err
	}
	limit := clampLimit(req.Limit)
	rows, matched, err := h.db.QueryRecords(c.Request.Context(), &database.RecordFilter{
		IDs:            req.IDs,
		Status:         req.Status,
		RecordType:     req.RecordType,
		ManagerName:    req.ManagerName,
		Tag:            req.Tag,
		OwnerUser:      req.OwnerUser,
		CreatedBefore:  req.CreatedBefore,
		CreatedAfter:   req.CreatedAfter,
		ModifiedBefore: req.ModifiedBefore,
		ModifiedAfter:  req.ModifiedAfter,
		Limit:          limit,
		Skip:           req.Skip,
	})
	if err != nil {
		return nil, err
	}
	nextSkip := req.Skip + len(rows)
	if nextSkip >= matched {
		nextSkip = -1
	}
	encoded := make([]json.RawMessage, len(rows))
	for i, row := range rows {
		encoded[i] = jsonutil.MarshalSilently(row)
	}
	return api.RecordQueryResponse{Records: encoded, Matched: matched, NextSkip: nextSkip}, nil
}

// Mutations.

func (h *Handlers) modifyRecord(c *gin.Context) (interface{}, error) {
	id, err := pathID(c)
	if err != nil {
		return nil, err
	}
	var req api.ModifyRequest
	if err := bindJSON(c, &req); err != nil {
		return nil, err
	}
	if err := h.store.Modify(c.Request.Context(), id, req.NewTag, req.NewPriority); err != nil {
		return nil, err
	}
	return gin.H{"id": id}, nil
}

func (h *Handlers) commentRecord(c *gin.Context) (interface{}, error) {
	id, err := pathID(c)
	if err != nil {
		return nil, err
	}
	var req api.CommentRequest
	if err := bindJSON(c, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Comment) == "" {
		return nil, qcerrors.NewInvalidInput("comment is empty")
	}
	if err := h.store.Comment(c.Request.Context(), id, caller(c), req.Comment); err != nil {
		return nil, err
	}
	return gin.H{"id": id}, nil
}

// recordAction resolves a lifecycle verb to its store mutation. Delete is
// soft by default; ?hard=true permanently removes unreferenced records.
func (h *Handlers) recordAction(c *gin.Context, action string, id int64) error {
	ctx := c.Request.Context()
	switch action {
	case "reset":
		return h.store.Reset(ctx, id)
	case "cancel":
		return h.store.Cancel(ctx, id)
	case "uncancel":
		return h.store.Uncancel(ctx, id)
	case "invalidate":
		return h.store.Invalidate(ctx, id)
	case "uninvalidate":
		return h.store.Uninvalidate(ctx, id)
	case "delete":
		if c.Query("hard") == "true" {
			return h.store.HardDelete(ctx, id)
		}
		return h.store.SoftDelete(ctx, id)
	case "undelete":
		return h.store.Undelete(ctx, id)
	}
	return qcerrors.NewInvalidInput("unknown record action %q", action)
}

func (h *Handlers) actOnRecord(action string) func(c *gin.Context) (interface{}, error) {
	return func(c *gin.Context) (interface{}, error) {
		id, err := pathID(c)
		if err != nil {
			return nil, err
		}
		if err := h.recordAction(c, action, id); err != nil {
			return nil, err
		}
		return gin.H{"id": id}, nil
	}
}

func (h *Handlers) actOnRecords(action string) func(c *gin.Context) (interface{}, error) {
	return func(c *gin.Context) (interface{}, error) {
		var req api.BulkActionRequest
		if err := bindJSON(c, &req); err != nil {
			return nil, err
		}
		if len(req.RecordIDs) == 0 {
			return nil, qcerrors.NewInvalidInput("no record ids in request")
		}
		resp := api.BulkActionResponse{Updated: []int64{}}
		for _, id := range req.RecordIDs {
			if err := h.recordAction(c, action, id); err != nil {
				if resp.Errors == nil {
					resp.Errors = map[int64]string{}
				}
				resp.Errors[id] = err.Error()
				continue
			}
			resp.Updated = append(resp.Updated, id)
		}
		return resp, nil
	}
}

// Watch.

var watchUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

const watchPollInterval = 500 * time.Millisecond

// watchRecord streams status changes over a websocket until the record
// settles. Each change is one RecordEvent frame; the terminal status is the
// last frame before close.
func (h *Handlers) watchRecord(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		renderError(c, err)
		return
	}
	if _, err := h.db.GetRecord(c.Request.Context(), id); err != nil {
		renderError(c, err)
		return
	}
	conn, err := watchUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		klog.ErrorS(err, "websocket upgrade failed", "record", id)
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	ticker := time.NewTicker(watchPollInterval)
	defer ticker.Stop()
	last := ""
	for {
		rec, err := h.db.GetRecord(ctx, id)
		if err != nil {
			return
		}
		if rec.Status != last {
			last = rec.Status
			event := api.RecordEvent{RecordID: id, Status: rec.Status, Time: time.Now().UTC()}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
		if models.RecordStatus(rec.Status).Settled() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
