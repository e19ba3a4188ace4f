/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

// fractal-server is the server CLI: init creates the config and schema,
// start runs the server, upgrade advances the schema, user manages accounts.
package main

import (
	"errors"
	"fmt"
	"os"

	"k8s.io/klog/v2"
)

// Exit codes.
const (
	exitOK           = 0
	exitUsage        = 2
	exitConfig       = 3
	exitDatabase     = 4
	exitMigration    = 5
)

// configError, databaseError and migrationError tag failures with their exit
// code; everything else exits with the usage code.
type (
	configError    struct{ err error }
	databaseError  struct{ err error }
	migrationError struct{ err error }
)

func (e configError) Error() string    { return e.err.Error() }
func (e databaseError) Error() string  { return e.err.Error() }
func (e migrationError) Error() string { return e.err.Error() }

func exitCode(err error) int {
	var cfg configError
	var db databaseError
	var mig migrationError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &cfg):
		return exitConfig
	case errors.As(err, &db):
		return exitDatabase
	case errors.As(err, &mig):
		return exitMigration
	}
	return exitUsage
}

func main() {
	defer klog.Flush()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}
