/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/MolSSI/QCFractal-sub000/pkg/database"
	"github.com/MolSSI/QCFractal-sub000/pkg/database/model"
	"github.com/MolSSI/QCFractal-sub000/pkg/handlers/authority"
)

const (
	accessLogBuffer        = 1024
	accessLogBatchSize     = 50
	accessLogFlushInterval = 5 * time.Second
)

// AccessLogger records API requests into the access_log table through a
// buffered channel so request latency never waits on the insert. Entries are
// dropped, not blocked on, when the buffer is full.
type AccessLogger struct {
	db      *database.Client
	entries chan *model.AccessLog
	done    chan struct{}
}

func NewAccessLogger(db *database.Client) *AccessLogger {
	l := &AccessLogger{
		db:      db,
		entries: make(chan *model.AccessLog, accessLogBuffer),
		done:    make(chan struct{}),
	}
	go l.flushLoop()
	return l
}

// Close drains the buffer and stops the flusher.
func (l *AccessLogger) Close() {
	close(l.entries)
	<-l.done
}

func (l *AccessLogger) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(accessLogFlushInterval)
	defer ticker.Stop()
	batch := make([]*model.AccessLog, 0, accessLogBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := l.db.InsertAccessLogs(ctx, batch); err != nil {
			klog.ErrorS(err, "flushing access log", "entries", len(batch))
		}
		cancel()
		batch = batch[:0]
	}
	for {
		select {
		case entry, ok := <-l.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= accessLogBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Middleware emits one entry per completed request.
func (l *AccessLogger) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := &model.AccessLog{
			Timestamp:     start.UTC(),
			Method:        c.Request.Method,
			Path:          c.FullPath(),
			StatusCode:    c.Writer.Status(),
			IP:            c.ClientIP(),
			DurationUS:    time.Since(start).Microseconds(),
			RequestBytes:  c.Request.ContentLength,
			ResponseBytes: int64(c.Writer.Size()),
		}
		if entry.Path == "" {
			entry.Path = c.Request.URL.Path
		}
		if entry.RequestBytes < 0 {
			entry.RequestBytes = 0
		}
		if identity := authority.CallerIdentity(c); identity != nil {
			entry.Username = identity.Username
		}
		select {
		case l.entries <- entry:
		default:
		}
	}
}
