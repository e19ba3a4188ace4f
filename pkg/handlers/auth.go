/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/MolSSI/QCFractal-sub000/pkg/api"
	"github.com/MolSSI/QCFractal-sub000/pkg/config"
	qcerrors "github.com/MolSSI/QCFractal-sub000/pkg/errors"
)

// login exchanges a username/password for a bearer token. Unknown users,
// wrong passwords and disabled accounts all fail the same way so the
// endpoint does not leak which usernames exist.
func (h *Handlers) login(c *gin.Context) (interface{}, error) {
	var req api.LoginRequest
	if err := bindJSON(c, &req); err != nil {
		return nil, err
	}
	denied := qcerrors.NewPermissionDenied("invalid username or password")
	user, err := h.db.GetUser(c.Request.Context(), req.Username)
	if err != nil {
		if qcerrors.IsKind(err, qcerrors.KindNotFound) {
			return nil, denied
		}
		return nil, err
	}
	if !user.Enabled {
		return nil, denied
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		return nil, denied
	}
	token, expires, err := h.auth.IssueToken(user.Username, user.Role, config.GetTokenLifetime())
	if err != nil {
		return nil, err
	}
	return api.LoginResponse{Token: token, Role: user.Role, ExpiresAt: expires}, nil
}
