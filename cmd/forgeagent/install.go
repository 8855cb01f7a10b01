// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"os"

	"github.com/juju/clock"
	"github.com/juju/cmd/v3"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	jujuhttp "github.com/juju/http/v2"
	"github.com/juju/loggo/v2"
	"github.com/juju/lumberjack/v2"
	"github.com/juju/utils/v4/exec"

	"github.com/juju/forgeagent/internal/config"
	"github.com/juju/forgeagent/internal/downloader"
	"github.com/juju/forgeagent/internal/imds"
	"github.com/juju/forgeagent/internal/keyvault"
	"github.com/juju/forgeagent/internal/packaging"
	"github.com/juju/forgeagent/internal/paths"
	"github.com/juju/forgeagent/internal/pipelines"
	"github.com/juju/forgeagent/internal/provision"
	"github.com/juju/forgeagent/internal/service/common"
	"github.com/juju/forgeagent/internal/service/systemd"
)

const installDoc = `
install provisions this machine as a build agent: tooling, access
token, agent registration, the agent service and the prune timer. The
run is idempotent; re-running converges instead of failing.

Progress is appended to the install log file unless --log-to-stderr
is given.
`

type installCommand struct {
	cmd.CommandBase

	configPath  string
	logToStderr bool
}

func newInstallCommand() cmd.Command {
	return &installCommand{}
}

// Info implements Command.
func (c *installCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "install",
		Purpose: "provision this machine as a build agent",
		Doc:     installDoc,
	}
}

// SetFlags implements Command.
func (c *installCommand) SetFlags(f *gnuflag.FlagSet) {
	c.CommandBase.SetFlags(f)
	f.StringVar(&c.configPath, "config", paths.DefaultConfFile, "path to the provisioning configuration")
	f.BoolVar(&c.logToStderr, "log-to-stderr", false, "log to stderr instead of the install log file")
}

// Init implements Command.
func (c *installCommand) Init(args []string) error {
	return cmd.CheckEmpty(args)
}

// execRunner runs commands on the local machine.
type execRunner struct{}

func (execRunner) RunCommands(run exec.RunParams) (*exec.ExecResponse, error) {
	return exec.RunCommands(run)
}

// imdsTokens adapts the instance metadata client to the vault
// client's token source.
type imdsTokens struct {
	client *imds.Client
}

func (t imdsTokens) Token(ctx context.Context, resource string) (string, error) {
	token, err := t.client.AccessToken(ctx, resource)
	if err != nil {
		return "", errors.Trace(err)
	}
	return token.AccessToken, nil
}

// Run implements Command.
func (c *installCommand) Run(ctx *cmd.Context) error {
	p := paths.Default()
	if !c.logToStderr {
		if err := addLogFileWriter(p.LogDir, p.InstallLogFile()); err != nil {
			return errors.Trace(err)
		}
	}

	cfg, err := config.ReadConfig(c.configPath)
	if err != nil {
		return errors.Trace(err)
	}

	executable, err := os.Executable()
	if err != nil {
		return errors.Annotate(err, "locating own executable")
	}

	httpClient := jujuhttp.NewClient(jujuhttp.WithLogger(logger.Child("http")))
	runner := execRunner{}

	vault, err := keyvault.NewClient(cfg.VaultURL(), httpClient, imdsTokens{
		client: imds.NewClient("", httpClient, clock.WallClock),
	})
	if err != nil {
		return errors.Trace(err)
	}

	return errors.Trace(provision.Run(context.Background(), provision.Config{
		Config:         cfg,
		ConfPath:       c.configPath,
		Paths:          p,
		ExecutablePath: executable,
		Runner:         runner,
		Packages:       packaging.NewAptManager(runner, cfg.AptProxySettings()),
		Downloader:     downloader.New(httpClient, clock.WallClock),
		Secrets:        vault,
		NewPipelines: func(pat string) (provision.PipelinesAPI, error) {
			return pipelines.NewClient(pipelines.Config{
				BaseURL:   cfg.OrchestratorURL(),
				PAT:       pat,
				Transport: httpClient,
			})
		},
		NewService: func(name string, conf common.Conf) (provision.Service, error) {
			return systemd.NewServiceWithDefaults(name, conf)
		},
		NewTimer: func(name string, conf systemd.TimerConf) (provision.Timer, error) {
			return systemd.NewTimerWithDefaults(name, conf)
		},
		Clock: clock.WallClock,
	}))
}

// addLogFileWriter mirrors log output to a rotating file.
func addLogFileWriter(logDir, filename string) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return errors.Trace(err)
	}
	writer := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    100, // megabytes
		MaxBackups: 2,
		Compress:   true,
	}
	return errors.Trace(loggo.RegisterWriter(
		"logfile", loggo.NewSimpleWriter(writer, loggo.DefaultFormatter)))
}
