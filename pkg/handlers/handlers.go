/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

// Package handlers implements the HTTP API: one handler set per resource
// over the record store and database facades, assembled into a gin router.
package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/MolSSI/QCFractal-sub000/pkg/api"
	"github.com/MolSSI/QCFractal-sub000/pkg/config"
	"github.com/MolSSI/QCFractal-sub000/pkg/database"
	qcerrors "github.com/MolSSI/QCFractal-sub000/pkg/errors"
	"github.com/MolSSI/QCFractal-sub000/pkg/handlers/authority"
	"github.com/MolSSI/QCFractal-sub000/pkg/jsonutil"
	"github.com/MolSSI/QCFractal-sub000/pkg/records"
)

// Handlers carries the shared dependencies of every endpoint.
type Handlers struct {
	db    *database.Client
	store *records.Store
	auth  *authority.Authority
}

func New(db *database.Client, store *records.Store, auth *authority.Authority) *Handlers {
	return &Handlers{db: db, store: store, auth: auth}
}

// handle adapts a (result, error) endpoint into gin, rendering errors in the
// kind-tagged envelope with the kind's HTTP status.
func handle(fn func(c *gin.Context) (interface{}, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := fn(c)
		if err != nil {
			renderError(c, err)
			return
		}
		if result == nil {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func renderError(c *gin.Context, err error) {
	kind := qcerrors.KindOf(err)
	status := qcerrors.HTTPStatus(kind)
	body := api.ErrorBody{Kind: string(kind), Message: err.Error()}
	if e := qcerrors.AsError(err); e != nil && e.CorrelationID() != "" {
		body.Context = map[string]interface{}{"correlation_id": e.CorrelationID()}
	}
	if kind == qcerrors.KindInternal {
		klog.ErrorS(err, "request failed", "method", c.Request.Method, "path", c.FullPath())
	}
	c.AbortWithStatusJSON(status, body)
}

// bindJSON reads a capped request body into v, rejecting unknown fields.
// Bodies over api.max_body_bytes come back payload_too_large.
func bindJSON(c *gin.Context, v interface{}) error {
	limit := config.GetMaxBodyBytes()
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, limit+1))
	if err != nil {
		return qcerrors.NewInvalidInput("unreadable request body: %v", err)
	}
	if int64(len(data)) > limit {
		return qcerrors.NewPayloadTooLarge(limit)
	}
	if err := jsonutil.UnmarshalStrict(data, v); err != nil {
		return qcerrors.NewInvalidInput("malformed request body: %v", err)
	}
	return nil
}

// pathID parses the numeric :id path parameter.
func pathID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, qcerrors.NewInvalidInput("invalid id %q", c.Param("id"))
	}
	return id, nil
}

// wireMeta converts store insert metadata into the wire shape.
func wireMeta(meta *records.InsertMetadata) api.InsertMetadata {
	out := api.InsertMetadata{
		InsertedIdx: meta.InsertedIdx,
		ExistingIdx: meta.ExistingIdx,
	}
	if out.InsertedIdx == nil {
		out.InsertedIdx = []int{}
	}
	if out.ExistingIdx == nil {
		out.ExistingIdx = []int{}
	}
	for _, entryErr := range meta.Errors {
		out.Errors = append(out.Errors, api.EntryError{Index: entryErr.Index, Error: entryErr.Error})
	}
	return out
}

// clampLimit bounds caller-supplied page sizes by api.query_limit.
func clampLimit(limit int) int {
	max := config.GetQueryLimit()
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}
