/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package database

import (
	"testing"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"github.com/MolSSI/QCFractal-sub000/pkg/database/model"
)

// NewTestClient builds a Client over an in-memory SQLite database with every
// table migrated. The sqlx handle shares the gorm connection so both sides
// see the same data.
func NewTestClient(t *testing.T) *Client {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: true},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "failed to open sqlite database")

	require.NoError(t, gormDB.AutoMigrate(model.AllModels()...), "failed to auto-migrate models")

	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	// In-memory sqlite vanishes when its last connection closes; pin one.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return &Client{
		db:          sqlx.NewDb(sqlDB, "sqlite3"),
		gorm:        gormDB,
		placeholder: sqrl.Question,
		postgres:    false,
	}
}

// Migrate creates or updates every table; init and upgrade use it, as does
// the test helper indirectly through AutoMigrate.
func (c *Client) Migrate() error {
	return c.gorm.AutoMigrate(model.AllModels()...)
}
