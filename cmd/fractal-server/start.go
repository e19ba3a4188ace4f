/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/MolSSI/QCFractal-sub000/pkg/compute"
	"github.com/MolSSI/QCFractal-sub000/pkg/config"
	"github.com/MolSSI/QCFractal-sub000/pkg/handlers/authority"
	"github.com/MolSSI/QCFractal-sub000/pkg/server"
)

func newStartCmd() *cobra.Command {
	var (
		port         int
		logFile      string
		localManager int
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()

			db, err := loadConfigAndConnect(ctx)
			if err != nil {
				return err
			}
			if port != 0 {
				config.Set(config.KeyServerPort, port)
			}
			if logFile != "" {
				config.Set(config.KeyServerLogFile, logFile)
			}
			if path := config.GetLogFile(); path != "" {
				f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
				if err != nil {
					return configError{err}
				}
				defer f.Close()
				klog.SetOutput(f)
			}
			if err := requireCurrentSchema(ctx, db); err != nil {
				return err
			}

			srv, err := server.New(ctx)
			if err != nil {
				return databaseError{err}
			}
			if localManager > 0 {
				go runLocalManager(ctx, localManager)
			}
			return srv.Run(ctx)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides config)")
	cmd.Flags().StringVar(&logFile, "log-file", "", "log file (overrides config)")
	cmd.Flags().IntVar(&localManager, "local-manager", 0,
		"run an in-process compute pool with N workers")
	return cmd
}

// runLocalManager boots an in-process worker pool against the loopback API,
// with programs discovered on PATH. Intended for single-node testing.
func runLocalManager(ctx context.Context, workers int) {
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", config.GetServerPort())
	hostname, _ := os.Hostname()
	client := compute.NewClient(baseURL, fmt.Sprintf("local-%s-%d", hostname, os.Getpid()))
	if config.IsAuthEnabled() {
		// The pool shares the server's secret, so mint its queue token
		// directly instead of requiring a seeded compute user.
		auth, err := authority.New(config.GetAuthSecretKey())
		if err != nil {
			klog.ErrorS(err, "local manager disabled")
			return
		}
		token, _, err := auth.IssueToken("local-manager", authority.RoleManager, config.GetTokenLifetime())
		if err != nil {
			klog.ErrorS(err, "local manager disabled")
			return
		}
		client.SetToken(token)
	}
	mgr := compute.NewManager(client, compute.Options{
		Cluster:  "local",
		Hostname: hostname,
		Workers:  workers,
		Programs: compute.DiscoverPrograms(compute.DefaultPrograms),
	})
	if err := mgr.Run(ctx); err != nil && ctx.Err() == nil {
		klog.ErrorS(err, "local manager stopped")
	}
}
