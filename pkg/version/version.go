/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package version

var (
	// Version is the server release version, overridable at build time with
	// -ldflags "-X github.com/MolSSI/QCFractal-sub000/pkg/version.Version=...".
	Version = "0.1.0-dev"

	// GitCommit is the source revision the binary was built from.
	GitCommit = "unknown"
)
