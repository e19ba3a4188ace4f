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

	"github.com/MolSSI/QCFractal-sub000/pkg/database/model"
	"github.com/MolSSI/QCFractal-sub000/pkg/handlers/authority"
	"github.com/MolSSI/QCFractal-sub000/pkg/jsonutil"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}
	cmd.AddCommand(newUserAddCmd())
	cmd.AddCommand(newUserShowCmd())
	cmd.AddCommand(newUserModifyCmd())
	cmd.AddCommand(newUserRemoveCmd())
	return cmd
}

func newUserAddCmd() *cobra.Command {
	var role, password string
	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := loadConfigAndConnect(cmd.Context())
			if err != nil {
				return err
			}
			perms, err := authority.RolePermissions(role)
			if err != nil {
				return err
			}
			generated := false
			if password == "" {
				password = uuid.NewString()
				generated = true
			}
			hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			if err := db.CreateUser(cmd.Context(), &model.User{
				Username:     args[0],
				PasswordHash: string(hashed),
				Role:         role,
				Permissions:  jsonutil.MarshalSilently(perms),
				Enabled:      true,
				CreatedOn:    time.Now().UTC(),
			}); err != nil {
				return databaseError{err}
			}
			if generated {
				fmt.Printf("Created user %q (%s) with password: %s\n", args[0], role, password)
			} else {
				fmt.Printf("Created user %q (%s)\n", args[0], role)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", authority.RoleRead, "role: read|monitor|compute|submit|admin")
	cmd.Flags().StringVar(&password, "password", "", "password (generated when empty)")
	return cmd
}

func newUserShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <username>",
		Short: "Show a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := loadConfigAndConnect(cmd.Context())
			if err != nil {
				return err
			}
			user, err := db.GetUser(cmd.Context(), args[0])
			if err != nil {
				return databaseError{err}
			}
			fmt.Printf("username: %s\nrole: %s\nenabled: %v\npermissions: %s\ncreated: %s\n",
				user.Username, user.Role, user.Enabled, user.Permissions,
				user.CreatedOn.Format(time.RFC3339))
			return nil
		},
	}
}

func newUserModifyCmd() *cobra.Command {
	var role, password string
	var enable, disable bool
	cmd := &cobra.Command{
		Use:   "modify <username>",
		Short: "Change a user's role, password or enabled flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if enable && disable {
				return fmt.Errorf("--enable and --disable are mutually exclusive")
			}
			db, err := loadConfigAndConnect(cmd.Context())
			if err != nil {
				return err
			}
			updates := map[string]interface{}{}
			if role != "" {
				perms, err := authority.RolePermissions(role)
				if err != nil {
					return err
				}
				updates["role"] = role
				updates["permissions"] = jsonutil.MarshalSilently(perms)
			}
			if password != "" {
				hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
				if err != nil {
					return err
				}
				updates["password_hash"] = string(hashed)
			}
			if enable {
				updates["enabled"] = true
			}
			if disable {
				updates["enabled"] = false
			}
			if len(updates) == 0 {
				return fmt.Errorf("nothing to modify")
			}
			if err := db.UpdateUser(cmd.Context(), args[0], updates); err != nil {
				return databaseError{err}
			}
			fmt.Printf("Updated user %q\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "new role")
	cmd.Flags().StringVar(&password, "password", "", "new password")
	cmd.Flags().BoolVar(&enable, "enable", false, "enable the account")
	cmd.Flags().BoolVar(&disable, "disable", false, "disable the account")
	return cmd
}

func newUserRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <username>",
		Short: "Delete a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := loadConfigAndConnect(cmd.Context())
			if err != nil {
				return err
			}
			if err := db.DeleteUser(cmd.Context(), args[0]); err != nil {
				return databaseError{err}
			}
			fmt.Printf("Removed user %q\n", args[0])
			return nil
		},
	}
}
