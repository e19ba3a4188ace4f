/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/MolSSI/QCFractal-sub000/pkg/api"
	"github.com/MolSSI/QCFractal-sub000/pkg/database"
	"github.com/MolSSI/QCFractal-sub000/pkg/database/model"
	qcerrors "github.com/MolSSI/QCFractal-sub000/pkg/errors"
)

func wireMolecules(rows []*model.Molecule) []api.StoredMolecule {
	out := make([]api.StoredMolecule, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		out = append(out, api.StoredMolecule{
			ID:       row.ID,
			Hash:     row.MoleculeHash,
			Molecule: row.Payload,
		})
	}
	return out
}

func (h *Handlers) addMolecules(c *gin.Context) (interface{}, error) {
	var req api.MoleculeAddRequest
	if err := bindJSON(c, &req); err != nil {
		return nil, err
	}
	if len(req.Molecules) == 0 {
		return nil, qcerrors.NewInvalidInput("no molecules in request")
	}
	ids, meta, err := h.store.AddMolecules(c.Request.Context(), req.Molecules)
	if err != nil {
		return nil, err
	}
	return api.AddResponse{IDs: ids, Meta: wireMeta(meta)}, nil
}

func (h *Handlers) bulkGetMolecules(c *gin.Context) (interface{}, error) {
	var req api.BulkGetRequest
	if err := bindJSON(c, &req); err != nil {
		return nil, err
	}
	rows, err := h.db.GetMolecules(c.Request.Context(), req.IDs, req.MissingOK)
	if err != nil {
		return nil, err
	}
	return api.MoleculeQueryResponse{Molecules: wireMolecules(rows), Matched: len(rows)}, nil
}

func (h *Handlers) getMolecule(c *gin.Context) (interface{}, error) {
	id, err := pathID(c)
	if err != nil {
		return nil, err
	}
	rows, err := h.db.GetMolecules(c.Request.Context(), []int64{id}, false)
	if err != nil {
		return nil, err
	}
	return wireMolecules(rows)[0], nil
}

func (h *Handlers) queryMolecules(c *gin.Context) (interface{}, error) {
	var req api.MoleculeQueryRequest
	if err := bindJSON(c, &req); err != nil {
		return nil, err
	}
	rows, matched, err := h.db.QueryMolecules(c.Request.Context(), &database.MoleculeFilter{
		IDs:      req.IDs,
		Hashes:   req.MoleculeHash,
		Formulas: req.Formula,
		Limit:    clampLimit(req.Limit),
		Skip:     req.Skip,
	})
	if err != nil {
		return nil, err
	}
	return api.MoleculeQueryResponse{Molecules: wireMolecules(rows), Matched: matched}, nil
}

func wireKeywords(rows []*model.KeywordSet) []api.StoredKeywords {
	out := make([]api.StoredKeywords, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		out = append(out, api.StoredKeywords{ID: row.ID, Hash: row.KeywordHash, Keywords: row.Values})
	}
	return out
}

func (h *Handlers) addKeywords(c *gin.Context) (interface{}, error) {
	var req api.KeywordAddRequest
	if err := bindJSON(c, &req); err != nil {
		return nil, err
	}
	if len(req.Keywords) == 0 {
		return nil, qcerrors.NewInvalidInput("no keyword sets in request")
	}
	ids, meta, err := h.store.AddKeywords(c.Request.Context(), req.Keywords)
	if err != nil {
		return nil, err
	}
	return api.AddResponse{IDs: ids, Meta: wireMeta(meta)}, nil
}

func (h *Handlers) bulkGetKeywords(c *gin.Context) (interface{}, error) {
	var req api.BulkGetRequest
	if err := bindJSON(c, &req); err != nil {
		return nil, err
	}
	rows, err := h.db.GetKeywordSets(c.Request.Context(), req.IDs, req.MissingOK)
	if err != nil {
		return nil, err
	}
	return wireKeywords(rows), nil
}

func (h *Handlers) getKeywords(c *gin.Context) (interface{}, error) {
	id, err := pathID(c)
	if err != nil {
		return nil, err
	}
	rows, err := h.db.GetKeywordSets(c.Request.Context(), []int64{id}, false)
	if err != nil {
		return nil, err
	}
	return wireKeywords(rows)[0], nil
}
