/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/MolSSI/QCFractal-sub000/pkg/api"
	"github.com/MolSSI/QCFractal-sub000/pkg/database/model"
	qcerrors "github.com/MolSSI/QCFractal-sub000/pkg/errors"
	"github.com/MolSSI/QCFractal-sub000/pkg/handlers/authority"
	"github.com/MolSSI/QCFractal-sub000/pkg/jsonutil"
)

const minPasswordLength = 8

// userRolePermissions expands a role for a user row, rejecting the
// token-only manager role.
func userRolePermissions(role string) ([]string, error) {
	if role == authority.RoleManager {
		return nil, qcerrors.NewInvalidInput("role %q is reserved for manager tokens", role)
	}
	return authority.RolePermissions(role)
}

func wireUser(row *model.User) api.UserView {
	view := api.UserView{
		Username: row.Username,
		Role:     row.Role,
		Enabled:  row.Enabled,
	}
	if err := json.Unmarshal(row.Permissions, &view.Permissions); err != nil {
		view.Permissions = nil
	}
	return view
}

func (h *Handlers) createUser(c *gin.Context) (interface{}, error) {
	var req api.UserUpsertRequest
	if err := bindJSON(c, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Username) == "" {
		return nil, qcerrors.NewInvalidInput("username is empty")
	}
	if len(req.Password) < minPasswordLength {
		return nil, qcerrors.NewInvalidInput("password must be at least %d characters", minPasswordLength)
	}
	if req.Role == "" {
		req.Role = authority.RoleRead
	}
	perms, err := userRolePermissions(req.Role)
	if err != nil {
		return nil, err
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, qcerrors.NewInternal(err)
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	row := &model.User{
		Username:     req.Username,
		PasswordHash: string(hashed),
		Role:         req.Role,
		Permissions:  jsonutil.MarshalSilently(perms),
		Enabled:      enabled,
		CreatedOn:    time.Now().UTC(),
	}
	if err := h.db.CreateUser(c.Request.Context(), row); err != nil {
		return nil, err
	}
	return wireUser(row), nil
}

func (h *Handlers) getUser(c *gin.Context) (interface{}, error) {
	row, err := h.db.GetUser(c.Request.Context(), c.Param("username"))
	if err != nil {
		return nil, err
	}
	return wireUser(row), nil
}

func (h *Handlers) listUsers(c *gin.Context) (interface{}, error) {
	rows, err := h.db.ListUsers(c.Request.Context())
	if err != nil {
		return nil, err
	}
	views := make([]api.UserView, 0, len(rows))
	for _, row := range rows {
		views = append(views, wireUser(row))
	}
	return gin.H{"users": views}, nil
}

func (h *Handlers) updateUser(c *gin.Context) (interface{}, error) {
	username := c.Param("username")
	var req api.UserUpsertRequest
	if err := bindJSON(c, &req); err != nil {
		return nil, err
	}
	updates := map[string]interface{}{}
	if req.Password != "" {
		if len(req.Password) < minPasswordLength {
			return nil, qcerrors.NewInvalidInput("password must be at least %d characters", minPasswordLength)
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, qcerrors.NewInternal(err)
		}
		updates["password_hash"] = string(hashed)
	}
	if req.Role != "" {
		perms, err := userRolePermissions(req.Role)
		if err != nil {
			return nil, err
		}
		updates["role"] = req.Role
		updates["permissions"] = jsonutil.MarshalSilently(perms)
	}
	if req.Enabled != nil {
		updates["enabled"] = *req.Enabled
	}
	if len(updates) == 0 {
		return nil, qcerrors.NewInvalidInput("no user fields to update")
	}
	if err := h.db.UpdateUser(c.Request.Context(), username, updates); err != nil {
		return nil, err
	}
	row, err := h.db.GetUser(c.Request.Context(), username)
	if err != nil {
		return nil, err
	}
	return wireUser(row), nil
}

func (h *Handlers) deleteUser(c *gin.Context) (interface{}, error) {
	if err := h.db.DeleteUser(c.Request.Context(), c.Param("username")); err != nil {
		return nil, err
	}
	return nil, nil
}
