// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package paths

import (
	"path/filepath"
)

const (
	// DefaultConfFile is where the provisioning template writes the
	// substituted configuration before the installer runs.
	DefaultConfFile = "/etc/forgeagent/forgeagent.conf"

	dataDir    = "/var/lib/forgeagent"
	logDir     = "/var/log/forgeagent"
	installDir = "/opt/forgeagent/agent"
)

// Paths holds the filesystem layout used by an install or prune run.
// Production code uses Default; tests point the roots at temp dirs.
type Paths struct {
	// DataDir holds state persisted between runs, including the
	// access token retrieved from the vault.
	DataDir string

	// LogDir receives the install and prune log files.
	LogDir string

	// InstallDir is where the build agent tree is unpacked and
	// registered from.
	InstallDir string
}

// Default returns the production layout.
func Default() Paths {
	return Paths{
		DataDir:    dataDir,
		LogDir:     logDir,
		InstallDir: installDir,
	}
}

// TokenFile returns the location of the persisted personal access
// token. The file must only ever be readable by its owner.
func (p Paths) TokenFile() string {
	return filepath.Join(p.DataDir, "pat.token")
}

// EnvFile returns the environment override file consumed by the agent
// service unit.
func (p Paths) EnvFile() string {
	return filepath.Join(p.InstallDir, ".env")
}

// WorkDir returns the build working directory handed to the agent at
// registration time.
func (p Paths) WorkDir() string {
	return filepath.Join(p.InstallDir, "_work")
}

// InstallLogFile returns the log file appended to by install runs.
func (p Paths) InstallLogFile() string {
	return filepath.Join(p.LogDir, "install.log")
}

// PruneLogFile returns the log file appended to by prune runs.
func (p Paths) PruneLogFile() string {
	return filepath.Join(p.LogDir, "prune.log")
}
