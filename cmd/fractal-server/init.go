/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/MolSSI/QCFractal-sub000/pkg/config"
	"github.com/MolSSI/QCFractal-sub000/pkg/database"
	"github.com/MolSSI/QCFractal-sub000/pkg/database/model"
	"github.com/MolSSI/QCFractal-sub000/pkg/handlers/authority"
	"github.com/MolSSI/QCFractal-sub000/pkg/jsonutil"
	"github.com/MolSSI/QCFractal-sub000/pkg/server"
)

func newInitCmd() *cobra.Command {
	var (
		dbHost        string
		dbPort        int
		dbUser        string
		dbPassword    string
		dbName        string
		adminPassword string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the config file, create the schema and seed the admin user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbHost != "" {
				config.Set(config.KeyDBHost, dbHost)
			}
			if dbPort != 0 {
				config.Set(config.KeyDBPort, dbPort)
			}
			if dbUser != "" {
				config.Set(config.KeyDBUser, dbUser)
			}
			if dbPassword != "" {
				config.Set(config.KeyDBPassword, dbPassword)
			}
			if dbName != "" {
				config.Set(config.KeyDBName, dbName)
			}
			// A fresh deployment gets a generated auth key; operators can
			// rotate it in the config file afterwards.
			config.Set(config.KeyAuthSecretKey, uuid.NewString())

			if err := config.WriteDefaultConfig(baseFolder); err != nil {
				return configError{err}
			}
			if err := config.LoadConfig(baseFolder); err != nil {
				return configError{err}
			}
			db, err := database.NewClient(server.DBConfigFromSettings())
			if err != nil {
				return databaseError{err}
			}
			if err := db.Migrate(); err != nil {
				return databaseError{err}
			}
			ctx := cmd.Context()
			if err := db.SetSchemaVersion(ctx, model.CurrentSchemaVersion); err != nil {
				return databaseError{err}
			}

			generated := false
			if adminPassword == "" {
				adminPassword = uuid.NewString()
				generated = true
			}
			hashed, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			perms, _ := authority.RolePermissions(authority.RoleAdmin)
			if err := db.CreateUser(ctx, &model.User{
				Username:     "admin",
				PasswordHash: string(hashed),
				Role:         authority.RoleAdmin,
				Permissions:  jsonutil.MarshalSilently(perms),
				Enabled:      true,
				CreatedOn:    time.Now().UTC(),
			}); err != nil {
				return databaseError{err}
			}

			fmt.Printf("Initialized %s (schema version %d)\n", baseFolder, model.CurrentSchemaVersion)
			if generated {
				fmt.Printf("Admin user created with password: %s\n", adminPassword)
			} else {
				fmt.Println("Admin user created.")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbHost, "db-host", "", "database host")
	cmd.Flags().IntVar(&dbPort, "db-port", 0, "database port")
	cmd.Flags().StringVar(&dbUser, "db-user", "", "database user")
	cmd.Flags().StringVar(&dbPassword, "db-password", "", "database password")
	cmd.Flags().StringVar(&dbName, "db-name", "", "database name")
	cmd.Flags().StringVar(&adminPassword, "admin-password", "", "admin password (generated when empty)")
	return cmd
}

func newUpgradeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade",
		Short: "Run schema migrations and advance the schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := loadConfigAndConnect(cmd.Context())
			if err != nil {
				return err
			}
			if err := db.Migrate(); err != nil {
				return databaseError{err}
			}
			if err := db.SetSchemaVersion(cmd.Context(), model.CurrentSchemaVersion); err != nil {
				return databaseError{err}
			}
			fmt.Printf("Schema upgraded to version %d\n", model.CurrentSchemaVersion)
			return nil
		},
	}
}
