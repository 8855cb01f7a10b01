// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"os"
	"strings"

	"github.com/juju/cmd/v3"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	jujuhttp "github.com/juju/http/v2"

	"github.com/juju/forgeagent/internal/config"
	"github.com/juju/forgeagent/internal/paths"
	"github.com/juju/forgeagent/internal/pipelines"
	"github.com/juju/forgeagent/internal/pruner"
)

const pruneDoc = `
prune removes stale registrations from the agent pool: agents that
are offline and have no request assigned. It is run periodically by
the timer the install command sets up.

Failing to reach the orchestration service or to resolve the pool is
fatal; individual agents that cannot be removed are logged and
retried on the next run.
`

type pruneCommand struct {
	cmd.CommandBase

	configPath  string
	logToStderr bool
}

func newPruneCommand() cmd.Command {
	return &pruneCommand{}
}

// Info implements Command.
func (c *pruneCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "prune",
		Purpose: "remove stale agents from the pool",
		Doc:     pruneDoc,
	}
}

// SetFlags implements Command.
func (c *pruneCommand) SetFlags(f *gnuflag.FlagSet) {
	c.CommandBase.SetFlags(f)
	f.StringVar(&c.configPath, "config", paths.DefaultConfFile, "path to the provisioning configuration")
	f.BoolVar(&c.logToStderr, "log-to-stderr", false, "log to stderr instead of the prune log file")
}

// Init implements Command.
func (c *pruneCommand) Init(args []string) error {
	return cmd.CheckEmpty(args)
}

// Run implements Command.
func (c *pruneCommand) Run(ctx *cmd.Context) error {
	p := paths.Default()
	if !c.logToStderr {
		if err := addLogFileWriter(p.LogDir, p.PruneLogFile()); err != nil {
			return errors.Trace(err)
		}
	}

	cfg, err := config.ReadConfig(c.configPath)
	if err != nil {
		return errors.Trace(err)
	}

	pat, err := readToken(p.TokenFile())
	if err != nil {
		return errors.Trace(err)
	}

	client, err := pipelines.NewClient(pipelines.Config{
		BaseURL:   cfg.OrchestratorURL(),
		PAT:       pat,
		Transport: jujuhttp.NewClient(jujuhttp.WithLogger(logger.Child("http"))),
	})
	if err != nil {
		return errors.Trace(err)
	}

	pruned, err := pruner.Run(context.Background(), pruner.Config{
		Client: client,
		Pool:   cfg.Pool(),
	})
	if err != nil {
		return errors.Trace(err)
	}
	ctx.Infof("removed %d stale agents from pool %q", pruned, cfg.Pool())
	return nil
}

// readToken loads the access token persisted at install time.
func readToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Annotate(err, "reading access token")
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", errors.Errorf("access token file %q is empty", path)
	}
	return token, nil
}
