/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gotest.tools/poll"

	"github.com/MolSSI/QCFractal-sub000/pkg/database"
)

func TestAccessLoggerBatchesAndFlushes(t *testing.T) {
	db := database.NewTestClient(t)
	logger := NewAccessLogger(db)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(logger.Middleware())
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for i := 0; i < accessLogBatchSize; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	// A full batch flushes without waiting for the ticker.
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		rows, err := db.QueryAccessLog(t.Context(), accessLogBatchSize+10, 0)
		if err != nil {
			return poll.Error(err)
		}
		if len(rows) < accessLogBatchSize {
			return poll.Continue("flushed %d of %d entries", len(rows), accessLogBatchSize)
		}
		return poll.Success()
	}, poll.WithTimeout(10*time.Second), poll.WithDelay(50*time.Millisecond))

	rows, err := db.QueryAccessLog(t.Context(), 1, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, http.MethodGet, rows[0].Method)
	assert.Equal(t, "/ping", rows[0].Path)
	assert.Equal(t, http.StatusOK, rows[0].StatusCode)

	// Close drains whatever is still buffered.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	logger.Close()
	rows, err = db.QueryAccessLog(t.Context(), accessLogBatchSize+10, 0)
	require.NoError(t, err)
	assert.Len(t, rows, accessLogBatchSize+1)
}
