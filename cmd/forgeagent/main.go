// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// forgeagent provisions a machine as a build agent and keeps its pool
// free of stale registrations.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/juju/cmd/v3"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("forgeagent.cmd")

// loggingConfigEnvKey tunes module log levels, in loggo specification
// form, before any flags are parsed.
const loggingConfigEnvKey = "FORGEAGENT_LOGGING_CONFIG"

const currentVersion = "1.0.0"

const forgeagentDoc = `
forgeagent turns a freshly booted virtual machine into a registered
build agent: it installs the tooling builds expect, retrieves the
access token from the vault using the machine's instance identity,
registers the agent with the orchestration service and installs the
agent service together with a timer that prunes stale registrations
from the pool.
`

func init() {
	if err := loggo.ConfigureLoggers(os.Getenv(loggingConfigEnvKey)); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR parsing %s: %s\n\n", loggingConfigEnvKey, err)
	}
}

func main() {
	os.Exit(Main(os.Args))
}

// Main provides an entry point for testing with arbitrary command
// line arguments.
func Main(args []string) int {
	ctx, err := cmd.DefaultContext()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	return cmd.Main(newForgeagentCommand(), ctx, args[1:])
}

func newForgeagentCommand() cmd.Command {
	fcmd := cmd.NewSuperCommand(cmd.SuperCommandParams{
		Name:    "forgeagent",
		Doc:     forgeagentDoc,
		Version: currentVersion,
		Log: &cmd.Log{
			DefaultConfig: os.Getenv(loggingConfigEnvKey),
		},
		NotifyRun: runNotifier,
	})
	fcmd.Register(newInstallCommand())
	fcmd.Register(newPruneCommand())
	return fcmd
}

func runNotifier(name string) {
	logger.Infof("running %s [%s %s %s]", name, currentVersion, runtime.Compiler, runtime.Version())
}
