// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package provision turns a freshly booted machine into a registered
// build agent. The run is a strict sequence of named steps; the
// first failing step aborts the whole run so a broken machine never
// half-joins the pool.
package provision

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	jujuos "github.com/juju/os/v2"
	"github.com/juju/os/v2/series"
	"github.com/juju/utils/v4/exec"
	"github.com/kballard/go-shellquote"

	"github.com/juju/forgeagent/internal/agentbinary"
	"github.com/juju/forgeagent/internal/config"
	"github.com/juju/forgeagent/internal/downloader"
	"github.com/juju/forgeagent/internal/netcheck"
	"github.com/juju/forgeagent/internal/packaging"
	"github.com/juju/forgeagent/internal/paths"
	"github.com/juju/forgeagent/internal/pipelines/params"
	"github.com/juju/forgeagent/internal/service/common"
	"github.com/juju/forgeagent/internal/service/systemd"
	"github.com/juju/forgeagent/internal/toolchain"
)

var logger = loggo.GetLogger("forgeagent.provision")

// AgentServiceName is the unit the build agent runs under.
const AgentServiceName = "forge-build-agent"

// PruneTimerName is the unit pair that runs the periodic cleanup.
const PruneTimerName = "forgeagent-prune"

// basePackages are installed on every build machine before any
// tooling; jobs and the installers themselves rely on them.
var basePackages = []string{
	"apt-transport-https",
	"ca-certificates",
	"curl",
	"git",
	"gnupg",
	"jq",
	"unzip",
}

// CommandRunner allows to run commands on the underlying system.
type CommandRunner interface {
	RunCommands(run exec.RunParams) (*exec.ExecResponse, error)
}

// PackageManager drives apt on the host.
type PackageManager interface {
	WriteProxyConfig() error
	Update() error
	Install(packages ...string) error
	AddRepository(repo packaging.Repository) error
}

// Downloader fetches remote files.
type Downloader interface {
	Download(ctx context.Context, req downloader.Request) (downloader.Status, error)
}

// SecretSource reads secrets from the vault.
type SecretSource interface {
	Secret(ctx context.Context, name string) (string, error)
}

// PipelinesAPI is the slice of the orchestration client the
// installer uses. It is constructed late, once the PAT is known.
type PipelinesAPI interface {
	ValidateCredentials(ctx context.Context) error
	PoolByName(ctx context.Context, name string) (params.Pool, error)
}

// Service installs and starts a background service.
type Service interface {
	Install() error
	Start() error
}

// Timer installs and starts a periodic job.
type Timer interface {
	Install() error
	Start() error
}

// Config holds everything an install run needs.
type Config struct {
	// Config is the template-substituted provisioning configuration.
	Config *config.Config

	// ConfPath is where that configuration lives; the prune timer
	// references it.
	ConfPath string

	// Paths is the filesystem layout to provision into.
	Paths paths.Paths

	// ExecutablePath is the forgeagent binary the prune timer runs.
	ExecutablePath string

	// Runner executes shell commands on the host.
	Runner CommandRunner

	// Packages drives apt.
	Packages PackageManager

	// Downloader fetches tool and agent archives.
	Downloader Downloader

	// Secrets reads the PAT from the vault.
	Secrets SecretSource

	// NewPipelines builds the orchestration client once the PAT is
	// known.
	NewPipelines func(pat string) (PipelinesAPI, error)

	// NewService builds the agent service unit.
	NewService func(name string, conf common.Conf) (Service, error)

	// NewTimer builds the prune timer unit pair.
	NewTimer func(name string, conf systemd.TimerConf) (Timer, error)

	// Clock times the readiness waits.
	Clock clock.Clock

	// Geteuid reports the effective UID; nil means os.Geteuid.
	Geteuid func() int

	// HostOS reports the host OS; nil means the real probe.
	HostOS func() jujuos.OSType

	// HostSeries reports the host series; nil means the real probe.
	HostSeries func() (string, error)

	// LookupUser resolves an OS account to uid/gid; nil means the
	// real lookup.
	LookupUser func(name string) (uid, gid int, err error)

	// Resolver overrides DNS resolution in the readiness checks;
	// nil means the system resolver.
	Resolver netcheck.Resolver
}

// Validate ensures that the config values are valid.
func (c *Config) Validate() error {
	if c.Config == nil {
		return errors.NotValidf("missing Config")
	}
	if c.ConfPath == "" {
		return errors.NotValidf("missing ConfPath")
	}
	if c.ExecutablePath == "" {
		return errors.NotValidf("missing ExecutablePath")
	}
	if c.Runner == nil {
		return errors.NotValidf("missing Runner")
	}
	if c.Packages == nil {
		return errors.NotValidf("missing Packages")
	}
	if c.Downloader == nil {
		return errors.NotValidf("missing Downloader")
	}
	if c.Secrets == nil {
		return errors.NotValidf("missing Secrets")
	}
	if c.NewPipelines == nil {
		return errors.NotValidf("missing NewPipelines")
	}
	if c.NewService == nil {
		return errors.NotValidf("missing NewService")
	}
	if c.NewTimer == nil {
		return errors.NotValidf("missing NewTimer")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	return nil
}

type step struct {
	name string
	run  func(context.Context) error
}

// installer carries the state threaded between steps.
type installer struct {
	cfg Config

	// pat is acquired by the secret step and consumed by the
	// orchestrator and registration steps.
	pat string

	pipelines PipelinesAPI
}

// Run executes the install sequence. Each step logs its progress; a
// failure annotates the error with the step name and aborts.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return errors.Trace(err)
	}
	if cfg.Geteuid == nil {
		cfg.Geteuid = os.Geteuid
	}
	if cfg.HostOS == nil {
		cfg.HostOS = jujuos.HostOS
	}
	if cfg.HostSeries == nil {
		cfg.HostSeries = series.HostSeries
	}
	if cfg.LookupUser == nil {
		cfg.LookupUser = lookupUser
	}

	inst := &installer{cfg: cfg}
	steps := []step{
		{"host gate", inst.checkHost},
		{"network readiness", inst.waitNetwork},
		{"base packages", inst.installBasePackages},
		{"toolchain", inst.installToolchain},
		{"agent user", inst.ensureAgentUser},
		{"vault secret", inst.fetchSecret},
		{"orchestrator checks", inst.checkOrchestrator},
		{"agent install", inst.installAgent},
		{"agent service", inst.installService},
		{"prune timer", inst.installPruneTimer},
	}
	for i, s := range steps {
		logger.Infof("step %d/%d: %s", i+1, len(steps), s.name)
		if err := s.run(ctx); err != nil {
			return errors.Annotatef(err, "step %q", s.name)
		}
	}
	logger.Infof("provisioning complete: agent %q registered in pool %q",
		cfg.Config.AgentName(), cfg.Config.Pool())
	return nil
}

func lookupUser(name string) (int, int, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, 0, errors.Trace(err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, errors.Trace(err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, errors.Trace(err)
	}
	return uid, gid, nil
}

func (inst *installer) checkHost(ctx context.Context) error {
	if euid := inst.cfg.Geteuid(); euid != 0 {
		return errors.Errorf("must run as root, not uid %d", euid)
	}
	if hostOS := inst.cfg.HostOS(); hostOS != jujuos.Ubuntu {
		return errors.Errorf("unsupported host OS %q, only Ubuntu is supported", hostOS)
	}
	return nil
}

func (inst *installer) waitNetwork(ctx context.Context) error {
	for _, host := range []string{
		inst.cfg.Config.VaultHost(),
		inst.cfg.Config.OrchestratorHost(),
	} {
		err := netcheck.WaitResolvable(ctx, netcheck.WaitArgs{
			Host:     host,
			Clock:    inst.cfg.Clock,
			Resolver: inst.cfg.Resolver,
		})
		if err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (inst *installer) installBasePackages(ctx context.Context) error {
	if err := inst.cfg.Packages.WriteProxyConfig(); err != nil {
		return errors.Trace(err)
	}
	if err := inst.cfg.Packages.Update(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(inst.cfg.Packages.Install(basePackages...))
}

func (inst *installer) installToolchain(ctx context.Context) error {
	err := toolchain.InstallTerraform(ctx, toolchain.TerraformArgs{
		Version:    inst.cfg.Config.TerraformVersion(),
		Downloader: inst.cfg.Downloader,
		Runner:     inst.cfg.Runner,
	})
	if err != nil {
		return errors.Trace(err)
	}
	hostSeries, err := inst.cfg.HostSeries()
	if err != nil {
		return errors.Annotate(err, "determining host series")
	}
	return errors.Trace(toolchain.InstallAzureCLI(toolchain.AzureCLIArgs{
		Packages: inst.cfg.Packages,
		Runner:   inst.cfg.Runner,
		Series:   hostSeries,
	}))
}

// ensureAgentUser creates the service account if it does not exist.
// getent makes re-runs no-ops.
func (inst *installer) ensureAgentUser(ctx context.Context) error {
	agentUser := inst.cfg.Config.AgentUser()
	command := fmt.Sprintf(
		"getent passwd %[1]s >/dev/null || useradd --system --create-home --home-dir /home/%[1]s --shell /bin/bash %[1]s",
		shellquote.Join(agentUser))
	result, err := inst.cfg.Runner.RunCommands(exec.RunParams{Commands: command})
	if err != nil {
		return errors.Trace(err)
	}
	if result.Code != 0 {
		return errors.Errorf("creating user %q: %s", agentUser, strings.TrimSpace(string(result.Stderr)))
	}
	return nil
}

// fetchSecret retrieves the PAT from the vault and persists it for
// the prune job, readable only by the agent user.
func (inst *installer) fetchSecret(ctx context.Context) error {
	pat, err := inst.cfg.Secrets.Secret(ctx, inst.cfg.Config.SecretName())
	if err != nil {
		return errors.Trace(err)
	}
	inst.pat = pat

	uid, gid, err := inst.cfg.LookupUser(inst.cfg.Config.AgentUser())
	if err != nil {
		return errors.Annotatef(err, "resolving user %q", inst.cfg.Config.AgentUser())
	}

	dataDir := inst.cfg.Paths.DataDir
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return errors.Trace(err)
	}
	if err := os.Chown(dataDir, uid, gid); err != nil {
		return errors.Trace(err)
	}

	// Write-then-rename so a re-run replaces the file atomically.
	tokenFile := inst.cfg.Paths.TokenFile()
	tmp, err := os.CreateTemp(dataDir, ".pat-")
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if tmp != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err := tmp.WriteString(pat); err != nil {
		return errors.Trace(err)
	}
	if err := tmp.Chmod(0600); err != nil {
		return errors.Trace(err)
	}
	if err := tmp.Chown(uid, gid); err != nil {
		return errors.Trace(err)
	}
	if err := tmp.Close(); err != nil {
		return errors.Trace(err)
	}
	if err := os.Rename(tmp.Name(), tokenFile); err != nil {
		return errors.Trace(err)
	}
	tmp = nil
	logger.Infof("access token persisted to %s", tokenFile)
	return nil
}

func (inst *installer) checkOrchestrator(ctx context.Context) error {
	client, err := inst.cfg.NewPipelines(inst.pat)
	if err != nil {
		return errors.Trace(err)
	}
	inst.pipelines = client

	if err := client.ValidateCredentials(ctx); err != nil {
		return errors.Trace(err)
	}
	pool, err := client.PoolByName(ctx, inst.cfg.Config.Pool())
	if err != nil {
		return errors.Trace(err)
	}
	logger.Infof("pool %q resolved to id %d", pool.Name, pool.ID)
	return nil
}

func (inst *installer) installAgent(ctx context.Context) error {
	tmpDir, err := os.MkdirTemp("", "forgeagent-agent-")
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	archive, err := agentbinary.Download(ctx, inst.cfg.Downloader, inst.cfg.Config.AgentDownloadURL(), tmpDir)
	if err != nil {
		return errors.Trace(err)
	}
	installDir := inst.cfg.Paths.InstallDir
	if err := agentbinary.Unpack(archive, installDir); err != nil {
		return errors.Trace(err)
	}
	if err := os.MkdirAll(inst.cfg.Paths.WorkDir(), 0755); err != nil {
		return errors.Trace(err)
	}
	if err := inst.chownTree(filepath.Dir(installDir)); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(agentbinary.Register(ctx, inst.cfg.Runner, agentbinary.RegisterParams{
		InstallDir: installDir,
		ServerURL:  inst.cfg.Config.OrchestratorURL(),
		PAT:        inst.pat,
		Pool:       inst.cfg.Config.Pool(),
		Name:       inst.cfg.Config.AgentName(),
		WorkDir:    inst.cfg.Paths.WorkDir(),
		User:       inst.cfg.Config.AgentUser(),
	}))
}

func (inst *installer) chownTree(dir string) error {
	agentUser := inst.cfg.Config.AgentUser()
	result, err := inst.cfg.Runner.RunCommands(exec.RunParams{
		Commands: fmt.Sprintf("chown -R %[1]s:%[1]s %[2]s", shellquote.Join(agentUser), shellquote.Join(dir)),
	})
	if err != nil {
		return errors.Trace(err)
	}
	if result.Code != 0 {
		return errors.Errorf("chown %q: %s", dir, strings.TrimSpace(string(result.Stderr)))
	}
	return nil
}

// installService writes the environment override file and installs
// the agent unit.
func (inst *installer) installService(ctx context.Context) error {
	if err := inst.writeEnvFile(); err != nil {
		return errors.Trace(err)
	}

	installDir := inst.cfg.Paths.InstallDir
	svc, err := inst.cfg.NewService(AgentServiceName, common.Conf{
		Desc:            "Forge build agent",
		ExecStart:       filepath.Join(installDir, "bin", "runsvc.sh"),
		WorkingDir:      installDir,
		User:            inst.cfg.Config.AgentUser(),
		EnvironmentFile: inst.cfg.Paths.EnvFile(),
		Limit:           map[string]string{"nofile": "65536"},
		Restart:         "always",
		RestartSec:      15 * time.Second,
		After:           []string{"network-online.target"},
		Wants:           []string{"network-online.target"},
	})
	if err != nil {
		return errors.Trace(err)
	}
	if err := svc.Install(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(svc.Start())
}

func (inst *installer) writeEnvFile() error {
	env := map[string]string{
		"LANG": "C.UTF-8",
		"PATH": "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	}
	for k, v := range inst.cfg.Config.AgentEnv() {
		env[k] = v
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var lines []string
	for _, k := range keys {
		lines = append(lines, k+"="+env[k])
	}
	content := strings.Join(lines, "\n") + "\n"

	envFile := inst.cfg.Paths.EnvFile()
	if err := os.WriteFile(envFile, []byte(content), 0640); err != nil {
		return errors.Trace(err)
	}
	uid, gid, err := inst.cfg.LookupUser(inst.cfg.Config.AgentUser())
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.Chown(envFile, uid, gid))
}

func (inst *installer) installPruneTimer(ctx context.Context) error {
	timer, err := inst.cfg.NewTimer(PruneTimerName, systemd.TimerConf{
		Desc: "Prune stale build agents",
		ExecStart: fmt.Sprintf("%s prune --config %s",
			inst.cfg.ExecutablePath, inst.cfg.ConfPath),
		OnBootSec:       5 * time.Minute,
		OnUnitActiveSec: inst.cfg.Config.PruneInterval(),
	})
	if err != nil {
		return errors.Trace(err)
	}
	if err := timer.Install(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(timer.Start())
}
