/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

// Package server assembles the process: database client, blob store, record
// store, auth, HTTP handlers and the background runner, with one lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/MolSSI/QCFractal-sub000/pkg/blob"
	"github.com/MolSSI/QCFractal-sub000/pkg/config"
	"github.com/MolSSI/QCFractal-sub000/pkg/database"
	"github.com/MolSSI/QCFractal-sub000/pkg/handlers"
	"github.com/MolSSI/QCFractal-sub000/pkg/handlers/authority"
	"github.com/MolSSI/QCFractal-sub000/pkg/records"
	"github.com/MolSSI/QCFractal-sub000/pkg/runner"
	"github.com/MolSSI/QCFractal-sub000/pkg/version"
)

const shutdownGrace = 15 * time.Second

// Server is one fully wired process: API plus background runner over a
// shared database.
type Server struct {
	db     *database.Client
	store  *records.Store
	runner *runner.Runner
	http   *http.Server
}

// DBConfigFromSettings builds the connection config from the loaded settings
// tree.
func DBConfigFromSettings() *database.DBConfig {
	return &database.DBConfig{
		Host:         config.GetDBHost(),
		Port:         config.GetDBPort(),
		Username:     config.GetDBUser(),
		Password:     config.GetDBPassword(),
		DBName:       config.GetDBName(),
		SSLMode:      config.GetDBSSLMode(),
		MaxOpenConns: config.GetDBMaxOpenConns(),
		MaxIdleConns: config.GetDBMaxIdleConns(),
	}
}

// New connects every component. It fails fast on unreachable databases and
// on auth misconfiguration; it does not start serving.
func New(ctx context.Context) (*Server, error) {
	db, err := database.NewClient(DBConfigFromSettings())
	if err != nil {
		return nil, err
	}
	blobs, err := blob.NewStore(ctx, db)
	if err != nil {
		return nil, err
	}
	store := records.NewStore(db, blobs)

	secret := config.GetAuthSecretKey()
	if secret == "" {
		if config.IsAuthEnabled() {
			return nil, fmt.Errorf("auth is enabled but auth.secret_key is not set")
		}
		// Auth disabled: tokens are never verified across restarts, so an
		// ephemeral secret is fine.
		secret = uuid.NewString()
	}
	auth, err := authority.New(secret)
	if err != nil {
		return nil, err
	}

	addr := fmt.Sprintf("%s:%d", config.GetServerHost(), config.GetServerPort())
	s := &Server{
		db:     db,
		store:  store,
		runner: runner.New(db, store),
		http: &http.Server{
			Addr:              addr,
			Handler:           handlers.New(db, store, auth).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	return s, nil
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	if err := s.runner.Start(ctx); err != nil {
		return err
	}
	klog.InfoS("server listening", "addr", s.http.Addr,
		"name", config.GetServerName(), "version", version.Version)

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	klog.InfoS("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		klog.ErrorS(err, "http shutdown")
	}
	s.db.Close()
	return nil
}
