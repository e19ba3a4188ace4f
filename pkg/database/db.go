/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package database

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// DBConfig carries the postgres connection parameters.
type DBConfig struct {
	Host         string
	Port         int
	Username     string
	Password     string
	DBName       string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
	MaxIdleTime  time.Duration
}

// SourceName renders the libpq connection string.
func (c *DBConfig) SourceName() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.DBName, c.SSLMode)
}

// Connect opens the sqlx read-side pool.
func Connect(cfg *DBConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.SourceName())
	if err != nil {
		return nil, fmt.Errorf("failed to connect db %s: %w", cfg.DBName, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxIdleTime(cfg.MaxIdleTime)
	db.SetConnMaxLifetime(cfg.MaxLifetime)
	return db, nil
}

// ConnectGorm opens the gorm write-side handle with singular table names, so
// model table names match the sqlx queries.
func ConnectGorm(cfg *DBConfig) (*gorm.DB, error) {
	dialector := postgres.Dialector{Config: &postgres.Config{DSN: cfg.SourceName()}}
	return gorm.Open(dialector, &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: true},
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
}
