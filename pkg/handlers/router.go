/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/MolSSI/QCFractal-sub000/pkg/config"
	"github.com/MolSSI/QCFractal-sub000/pkg/handlers/authority"
)

// Router assembles the full API surface. Route groups carry the permission
// they require; /healthz and /auth/login sit outside authentication.
func (h *Handlers) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if config.IsAccessLogOn() {
		router.Use(NewAccessLogger(h.db).Middleware())
	}

	router.GET("/healthz", healthz)

	v1 := router.Group("/api/v1")
	v1.Use(authority.Authenticate(h.auth))
	v1.POST("/auth/login", handle(h.login))

	read := v1.Group("", authority.Require(authority.PermRead))
	{
		read.GET("/information", handle(h.information))
		read.GET("/server_stats", handle(h.serverStats))

		read.POST("/molecules/bulkGet", handle(h.bulkGetMolecules))
		read.POST("/molecules/query", handle(h.queryMolecules))
		read.GET("/molecules/:id", handle(h.getMolecule))
		read.POST("/keywords/bulkGet", handle(h.bulkGetKeywords))
		read.GET("/keywords/:id", handle(h.getKeywords))

		read.GET("/records/:id", handle(h.getRecord))
		read.POST("/records/bulkGet", handle(h.bulkGetRecords))
		read.POST("/records/query", handle(h.queryRecords))
		read.GET("/records/:id/watch", h.watchRecord)

		read.POST("/managers/query", handle(h.queryManagers))
		read.GET("/managers/:name", handle(h.getManager))
	}

	submit := v1.Group("", authority.Require(authority.PermCompute))
	{
		submit.POST("/records/singlepoint", handle(h.submitSinglepoints))
		submit.POST("/records/optimization", handle(h.submitOptimizations))
		submit.POST("/records/torsiondrive", handle(h.submitTorsiondrives))
		submit.POST("/records/gridoptimization", handle(h.submitGridoptimizations))
		submit.POST("/records/neb", handle(h.submitNEBs))
		submit.POST("/records/manybody", handle(h.submitManybodys))
		submit.POST("/records/reaction", handle(h.submitReactions))
	}

	write := v1.Group("", authority.Require(authority.PermWrite))
	{
		write.POST("/molecules", handle(h.addMolecules))
		write.POST("/keywords", handle(h.addKeywords))

		write.POST("/records/:id/modify", handle(h.modifyRecord))
		write.POST("/records/:id/comment", handle(h.commentRecord))
		for _, action := range []string{
			"reset", "cancel", "uncancel", "invalidate", "uninvalidate", "delete", "undelete",
		} {
			write.POST("/records/:id/"+action, handle(h.actOnRecord(action)))
			write.POST("/records/bulk/"+action, handle(h.actOnRecords(action)))
		}
	}

	queue := v1.Group("", authority.Require(authority.PermQueue))
	{
		queue.POST("/managers/register", handle(h.registerManager))
		queue.POST("/managers/claim", handle(h.claimTasks))
		queue.POST("/managers/heartbeat", handle(h.managerHeartbeat))
		queue.POST("/managers/return", handle(h.returnTasks))
	}

	admin := v1.Group("", authority.Require(authority.PermAdmin))
	{
		admin.POST("/users", handle(h.createUser))
		admin.GET("/users", handle(h.listUsers))
		admin.GET("/users/:username", handle(h.getUser))
		admin.PATCH("/users/:username", handle(h.updateUser))
		admin.DELETE("/users/:username", handle(h.deleteUser))
		admin.GET("/access_log/query", handle(h.queryAccessLog))
	}

	return router
}
