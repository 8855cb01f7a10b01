// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package common holds the init-system-agnostic service definition.
package common

import (
	"time"

	"github.com/juju/errors"
)

// Conf describes a background service. Its fields map onto the unit
// directives the init system understands.
type Conf struct {
	// Desc is the service's description.
	Desc string

	// ExecStart is the command (with arguments) the service runs.
	ExecStart string

	// WorkingDir is the directory the command runs in.
	WorkingDir string

	// User is the account the service runs as; empty means root.
	User string

	// Env holds environment variables set for the command.
	Env map[string]string

	// EnvironmentFile, when set, is read for additional environment
	// variables before the command starts.
	EnvironmentFile string

	// Limit holds ulimit values, keyed by resource name ("nofile",
	// "core", ...).
	Limit map[string]string

	// Restart is the restart policy, for example "always"; empty
	// means the init system default.
	Restart string

	// RestartSec is the pause before a restart; zero means the init
	// system default.
	RestartSec time.Duration

	// After lists units that must be started before this one.
	After []string

	// Wants lists units to pull in when this one starts.
	Wants []string
}

// IsZero reports whether the conf is the zero value.
func (c Conf) IsZero() bool {
	return c.Desc == "" && c.ExecStart == "" && c.WorkingDir == "" &&
		c.User == "" && len(c.Env) == 0 && c.EnvironmentFile == "" &&
		len(c.Limit) == 0 && c.Restart == "" && c.RestartSec == 0 &&
		len(c.After) == 0 && len(c.Wants) == 0
}

// Validate checks the conf is complete enough to install.
func (c Conf) Validate(name string) error {
	if name == "" {
		return errors.NotValidf("missing service name")
	}
	if c.Desc == "" {
		return errors.NotValidf("missing Desc in conf for %q", name)
	}
	if c.ExecStart == "" {
		return errors.NotValidf("missing ExecStart in conf for %q", name)
	}
	return nil
}
