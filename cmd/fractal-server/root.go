/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/MolSSI/QCFractal-sub000/pkg/config"
	"github.com/MolSSI/QCFractal-sub000/pkg/database"
	"github.com/MolSSI/QCFractal-sub000/pkg/database/model"
	"github.com/MolSSI/QCFractal-sub000/pkg/server"
	"github.com/MolSSI/QCFractal-sub000/pkg/version"
)

var baseFolder string

func defaultBaseFolder() string {
	if env := os.Getenv("QCF_BASE_FOLDER"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fractal"
	}
	return filepath.Join(home, ".fractal")
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fractal-server",
		Short:         "Persistent compute broker and result archive",
		Version:       fmt.Sprintf("%s (%s)", version.Version, version.GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&baseFolder, "base-folder",
		defaultBaseFolder(), "directory holding the config file and logs")

	root.AddCommand(newInitCmd())
	root.AddCommand(newStartCmd())
	root.AddCommand(newUpgradeCmd())
	root.AddCommand(newUserCmd())
	return root
}

// loadConfigAndConnect is the shared preamble of every command that needs the
// database: read the config, connect, classify failures by exit code.
func loadConfigAndConnect(ctx context.Context) (*database.Client, error) {
	if err := config.LoadConfig(baseFolder); err != nil {
		return nil, configError{err}
	}
	db, err := database.NewClient(server.DBConfigFromSettings())
	if err != nil {
		return nil, databaseError{err}
	}
	_ = ctx
	return db, nil
}

// requireCurrentSchema refuses to run against a database whose schema is
// behind this build.
func requireCurrentSchema(ctx context.Context, db *database.Client) error {
	stored, err := db.SchemaVersion(ctx)
	if err != nil {
		return databaseError{err}
	}
	if stored < model.CurrentSchemaVersion {
		return migrationError{fmt.Errorf(
			"database schema version %d is behind %d; run `fractal-server upgrade`",
			stored, model.CurrentSchemaVersion)}
	}
	return nil
}
