// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package systemd

var (
	IsRunningSystemd = &isRunning
	Serialize        = serialize
	Deserialize      = deserialize
)
