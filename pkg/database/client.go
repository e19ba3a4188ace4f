/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

// Package database is the persistence layer: one Client holding an sqlx pool
// for reads and a gorm handle for writes, plus per-entity facade methods.
// Every multi-row mutation runs inside a gorm transaction; callers that can
// race (claims, transitions, service locks) go through RetryTxn so transient
// serialization failures are retried before surfacing as conflict.
package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"gorm.io/gorm"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"

	qcerrors "github.com/MolSSI/QCFractal-sub000/pkg/errors"
)

var (
	once     sync.Once
	instance *Client
)

// Client wraps both database handles. The placeholder format and dialect
// flag keep the facades portable between postgres and the sqlite test rig:
// row locking applies only on postgres, where concurrent writers exist.
type Client struct {
	db          *sqlx.DB
	gorm        *gorm.DB
	placeholder sqrl.PlaceholderFormat
	postgres    bool
}

// NewClient connects the singleton server client. Repeated calls return the
// first instance.
func NewClient(cfg *DBConfig) (*Client, error) {
	var initErr error
	once.Do(func() {
		if err := checkParams(cfg); err != nil {
			initErr = err
			return
		}
		db, err := Connect(cfg)
		if err != nil {
			initErr = err
			return
		}
		if err = db.Ping(); err != nil {
			initErr = fmt.Errorf("failed to ping db: %w", err)
			return
		}
		gormDB, err := ConnectGorm(cfg)
		if err != nil {
			initErr = err
			return
		}
		instance = &Client{
			db:          db,
			gorm:        gormDB,
			placeholder: sqrl.Dollar,
			postgres:    true,
		}
		klog.InfoS("initialized db client", "host", cfg.Host, "database", cfg.DBName)
	})
	if initErr != nil {
		return nil, initErr
	}
	if instance == nil {
		return nil, fmt.Errorf("db client initialization previously failed")
	}
	return instance, nil
}

func checkParams(cfg *DBConfig) error {
	var errs []error
	if cfg.DBName == "" {
		errs = append(errs, fmt.Errorf("dbname not found"))
	}
	if cfg.Username == "" {
		errs = append(errs, fmt.Errorf("username not found"))
	}
	if cfg.Host == "" {
		errs = append(errs, fmt.Errorf("host not found"))
	}
	if cfg.Port == 0 {
		errs = append(errs, fmt.Errorf("port not found"))
	}
	if cfg.SSLMode == "" {
		errs = append(errs, fmt.Errorf("ssl_mode not found"))
	}
	return utilerrors.NewAggregate(errs)
}

// Close shuts the read pool; the gorm handle shares the server lifetime.
func (c *Client) Close() {
	if err := c.db.Close(); err != nil {
		klog.ErrorS(err, "failed to close db connection")
	}
}

// Gorm exposes the write handle for facades in other packages.
func (c *Client) Gorm() *gorm.DB { return c.gorm }

// getDB returns the unsafe sqlx handle used by the query facades; Unsafe
// tolerates result columns without struct fields.
func (c *Client) getDB() *sqlx.DB { return c.db.Unsafe() }

// selectBuilder starts a squirrel SELECT with the dialect's placeholders.
func (c *Client) selectBuilder(columns ...string) sqrl.SelectBuilder {
	return sqrl.Select(columns...).PlaceholderFormat(c.placeholder)
}

// lockForUpdate adds FOR UPDATE SKIP LOCKED on postgres. The sqlite test rig
// serializes writers on a single connection, which preserves the claim
// atomicity the clause provides in production.
func (c *Client) lockForUpdate(tx *gorm.DB) *gorm.DB {
	if !c.postgres {
		return tx
	}
	return tx.Clauses(lockingClause())
}

// IsUniqueViolation reports whether err is a unique-constraint failure, the
// signal the dedup paths turn into "existing id" results.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isRetriable reports whether a transaction failure is worth retrying:
// postgres serialization and deadlock errors.
func isRetriable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return err != nil && strings.Contains(err.Error(), "database is locked")
}

const txnRetries = 4

// RetryTxn runs fn in a gorm transaction, retrying bounded times on
// serialization failures before surfacing conflict.
func (c *Client) RetryTxn(ctx context.Context, fn func(tx *gorm.DB) error) error {
	attempt := func() error {
		err := c.gorm.WithContext(ctx).Transaction(fn)
		if err != nil && !isRetriable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(10*time.Millisecond),
			backoff.WithMaxInterval(250*time.Millisecond),
		), txnRetries), ctx)
	err := backoff.Retry(attempt, policy)
	if err == nil {
		return nil
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	if isRetriable(err) {
		return qcerrors.Wrap(qcerrors.KindConflict, err, "concurrent modification, retry the request")
	}
	return err
}
