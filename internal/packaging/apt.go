// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package packaging installs OS packages and apt repositories on the
// machine being provisioned. Every operation is idempotent so a
// failed install run can simply be repeated.
package packaging

import (
	"fmt"
	"os"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/proxy"
	"github.com/juju/utils/v4/exec"
	"github.com/kballard/go-shellquote"
)

var logger = loggo.GetLogger("forgeagent.packaging")

const (
	// aptget disables dpkg conffile prompts and confirmation; a
	// provisioning run has nobody to answer them.
	aptget = "apt-get --option=Dpkg::Options::=--force-confold --option=Dpkg::options::=--force-unsafe-io --assume-yes --quiet"

	// AptConfFilePath receives the proxy settings apt operations run
	// behind.
	AptConfFilePath = "/etc/apt/apt.conf.d/42-forgeagent-proxy-settings"

	aptSourcesDir  = "/etc/apt/sources.list.d"
	aptKeyringsDir = "/etc/apt/keyrings"
)

// CommandRunner allows to run commands on the underlying system.
type CommandRunner interface {
	RunCommands(run exec.RunParams) (*exec.ExecResponse, error)
}

// Repository describes an additional apt source.
type Repository struct {
	// Name is the sources list basename, e.g. "azure-cli" for
	// /etc/apt/sources.list.d/azure-cli.list.
	Name string

	// KeyURL is where the repository signing key is published.
	KeyURL string

	// Entry is the full deb line, with [signed-by=...] referring to
	// KeyringPath(Name).
	Entry string
}

// KeyringPath returns where a repository's dearmored signing key is
// installed.
func KeyringPath(name string) string {
	return fmt.Sprintf("%s/%s.gpg", aptKeyringsDir, name)
}

// AptManager drives apt on the host through a CommandRunner.
type AptManager struct {
	runner        CommandRunner
	proxySettings proxy.Settings
	confFilePath  string
}

// NewAptManager returns an AptManager running behind the given proxy
// settings. Zero settings mean a direct connection.
func NewAptManager(runner CommandRunner, proxySettings proxy.Settings) *AptManager {
	return &AptManager{
		runner:        runner,
		proxySettings: proxySettings,
		confFilePath:  AptConfFilePath,
	}
}

func (m *AptManager) run(commands string) (*exec.ExecResponse, error) {
	result, err := m.runner.RunCommands(exec.RunParams{
		Commands:    commands,
		Environment: append(os.Environ(), "DEBIAN_FRONTEND=noninteractive"),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return result, nil
}

// WriteProxyConfig persists the proxy settings where apt reads them.
// Without configured proxies any stale configuration is removed, so
// re-runs converge.
func (m *AptManager) WriteProxyConfig() error {
	content := proxyConfigContent(m.proxySettings)
	if content == "" {
		err := os.Remove(m.confFilePath)
		if err != nil && !os.IsNotExist(err) {
			return errors.Annotate(err, "removing apt proxy configuration")
		}
		return nil
	}
	if err := os.WriteFile(m.confFilePath, []byte(content+"\n"), 0644); err != nil {
		return errors.Annotate(err, "writing apt proxy configuration")
	}
	logger.Infof("apt proxy configuration written to %s", m.confFilePath)
	return nil
}

func proxyConfigContent(s proxy.Settings) string {
	var lines []string
	addSetting := func(scheme, value string) {
		if value != "" {
			lines = append(lines, fmt.Sprintf("Acquire::%s::Proxy %q;", scheme, value))
		}
	}
	addSetting("http", s.Http)
	addSetting("https", s.Https)
	for _, host := range strings.Split(s.NoProxy, ",") {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("Acquire::http::Proxy::%s %q;", host, "DIRECT"))
		lines = append(lines, fmt.Sprintf("Acquire::https::Proxy::%s %q;", host, "DIRECT"))
	}
	return strings.Join(lines, "\n")
}

// Update refreshes the package indexes.
func (m *AptManager) Update() error {
	logger.Infof("running apt-get update")
	result, err := m.run(aptget + " update")
	if err != nil {
		return errors.Trace(err)
	}
	if result.Code != 0 {
		return errors.Errorf("apt-get update failed: %s", strings.TrimSpace(string(result.Stderr)))
	}
	return nil
}

// Install installs the named packages. apt treats already installed
// packages as satisfied, so repeated calls are no-ops.
func (m *AptManager) Install(packages ...string) error {
	if len(packages) == 0 {
		return nil
	}
	logger.Infof("installing packages: %s", strings.Join(packages, " "))
	result, err := m.run(aptget + " install " + shellquote.Join(packages...))
	if err != nil {
		return errors.Trace(err)
	}
	if result.Code != 0 {
		return errors.Errorf("installing packages %q: %s",
			strings.Join(packages, " "), strings.TrimSpace(string(result.Stderr)))
	}
	return nil
}

// AddRepository installs the repository signing key and sources list
// entry, then refreshes the indexes so its packages are visible.
func (m *AptManager) AddRepository(repo Repository) error {
	if repo.Name == "" || repo.KeyURL == "" || repo.Entry == "" {
		return errors.NotValidf("repository %+v", repo)
	}
	logger.Infof("adding apt repository %q", repo.Name)
	keyring := KeyringPath(repo.Name)
	sourcesList := fmt.Sprintf("%s/%s.list", aptSourcesDir, repo.Name)
	commands := strings.Join([]string{
		"install -d -m 0755 " + aptKeyringsDir,
		fmt.Sprintf("curl -sSL %s | gpg --dearmor --yes -o %s",
			shellquote.Join(repo.KeyURL), shellquote.Join(keyring)),
		fmt.Sprintf("echo %s > %s", shellquote.Join(repo.Entry), shellquote.Join(sourcesList)),
	}, "\n")
	result, err := m.run(commands)
	if err != nil {
		return errors.Trace(err)
	}
	if result.Code != 0 {
		return errors.Errorf("adding repository %q: %s",
			repo.Name, strings.TrimSpace(string(result.Stderr)))
	}
	return errors.Trace(m.Update())
}
