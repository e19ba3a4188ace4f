/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package authority

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/MolSSI/QCFractal-sub000/pkg/api"
	"github.com/MolSSI/QCFractal-sub000/pkg/config"
	qcerrors "github.com/MolSSI/QCFractal-sub000/pkg/errors"
)

const identityKey = "qcf-identity"

// anonymous is attached when auth is disabled (test rigs run as admin) or,
// with allow_unauthenticated_read, to unauthenticated requests.
var (
	implicitAdmin = &Identity{
		Username:    "",
		Role:        RoleAdmin,
		Permissions: []string{PermRead, PermWrite, PermCompute, PermQueue, PermAdmin},
	}
	anonymousReader = &Identity{Username: "", Role: RoleRead, Permissions: []string{PermRead}}
)

// CallerIdentity returns the identity the auth middleware attached, nil for
// unauthenticated requests.
func CallerIdentity(c *gin.Context) *Identity {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil
	}
	return v.(*Identity)
}

// Authenticate resolves the bearer token into an identity. Requests without
// a token pass through unauthenticated; Require decides whether that is
// acceptable per route group.
func Authenticate(auth *Authority) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !config.IsAuthEnabled() {
			c.Set(identityKey, implicitAdmin)
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		identity, err := auth.VerifyToken(token)
		if err != nil {
			abortWith(c, err)
			return
		}
		c.Set(identityKey, identity)
		c.Next()
	}
}

// Require rejects requests whose identity lacks the permission. Read-only
// groups admit anonymous callers when allow_unauthenticated_read is on.
func Require(perm string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := CallerIdentity(c)
		if identity == nil {
			if perm == PermRead && config.AllowAnonymousRead() {
				c.Set(identityKey, anonymousReader)
				c.Next()
				return
			}
			abortWith(c, qcerrors.NewPermissionDenied("authentication required"))
			return
		}
		if !identity.Has(perm) {
			abortWith(c, qcerrors.NewPermissionDenied("%q permission required", perm))
			return
		}
		c.Next()
	}
}

func abortWith(c *gin.Context, err error) {
	kind := qcerrors.KindOf(err)
	status := qcerrors.HTTPStatus(kind)
	body := api.ErrorBody{Kind: string(kind), Message: err.Error()}
	if e := qcerrors.AsError(err); e != nil && e.CorrelationID() != "" {
		body.Context = map[string]interface{}{"correlation_id": e.CorrelationID()}
	}
	c.AbortWithStatusJSON(status, body)
}
