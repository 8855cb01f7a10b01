// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package packaging_test

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/proxy"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/utils/v4/exec"
	gc "gopkg.in/check.v1"

	"github.com/juju/forgeagent/internal/packaging"
)

type aptSuite struct {
	jujutesting.IsolationSuite
}

var _ = gc.Suite(&aptSuite{})

type fakeRunner struct {
	calls     []exec.RunParams
	responses []*exec.ExecResponse
	errs      []error
}

func (r *fakeRunner) RunCommands(params exec.RunParams) (*exec.ExecResponse, error) {
	r.calls = append(r.calls, params)
	i := len(r.calls) - 1
	var err error
	if i < len(r.errs) {
		err = r.errs[i]
	}
	resp := &exec.ExecResponse{}
	if i < len(r.responses) && r.responses[i] != nil {
		resp = r.responses[i]
	}
	return resp, err
}

func (s *aptSuite) TestInstallRunsAptGet(c *gc.C) {
	runner := &fakeRunner{}
	mgr := packaging.NewAptManager(runner, proxy.Settings{})
	err := mgr.Install("curl", "jq", "unzip")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(runner.calls, gc.HasLen, 1)
	c.Check(runner.calls[0].Commands, gc.Matches, `apt-get .*--assume-yes.* install curl jq unzip`)
	c.Check(strings.Join(runner.calls[0].Environment, "\n"), jc.Contains, "DEBIAN_FRONTEND=noninteractive")
}

func (s *aptSuite) TestInstallNoPackagesIsNoop(c *gc.C) {
	runner := &fakeRunner{}
	mgr := packaging.NewAptManager(runner, proxy.Settings{})
	err := mgr.Install()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(runner.calls, gc.HasLen, 0)
}

func (s *aptSuite) TestInstallReportsStderrOnFailure(c *gc.C) {
	runner := &fakeRunner{
		responses: []*exec.ExecResponse{{
			Code:   100,
			Stderr: []byte("E: Unable to locate package nonesuch\n"),
		}},
	}
	mgr := packaging.NewAptManager(runner, proxy.Settings{})
	err := mgr.Install("nonesuch")
	c.Assert(err, gc.ErrorMatches, `installing packages "nonesuch": E: Unable to locate package nonesuch`)
}

func (s *aptSuite) TestUpdateFailure(c *gc.C) {
	runner := &fakeRunner{
		responses: []*exec.ExecResponse{{
			Code:   100,
			Stderr: []byte("some index error"),
		}},
	}
	mgr := packaging.NewAptManager(runner, proxy.Settings{})
	err := mgr.Update()
	c.Assert(err, gc.ErrorMatches, "apt-get update failed: some index error")
}

func (s *aptSuite) TestAddRepositoryCommands(c *gc.C) {
	runner := &fakeRunner{}
	mgr := packaging.NewAptManager(runner, proxy.Settings{})
	err := mgr.AddRepository(packaging.Repository{
		Name:   "azure-cli",
		KeyURL: "https://packages.microsoft.com/keys/microsoft.asc",
		Entry:  "deb [signed-by=/etc/apt/keyrings/azure-cli.gpg] https://packages.microsoft.com/repos/azure-cli/ jammy main",
	})
	c.Assert(err, jc.ErrorIsNil)
	// One call writing the key and sources list, one refreshing indexes.
	c.Assert(runner.calls, gc.HasLen, 2)
	c.Check(runner.calls[0].Commands, jc.Contains, "gpg --dearmor")
	c.Check(runner.calls[0].Commands, jc.Contains, "/etc/apt/keyrings/azure-cli.gpg")
	c.Check(runner.calls[0].Commands, jc.Contains, "/etc/apt/sources.list.d/azure-cli.list")
	c.Check(runner.calls[1].Commands, gc.Matches, `apt-get .* update`)
}

func (s *aptSuite) TestAddRepositoryValidates(c *gc.C) {
	runner := &fakeRunner{}
	mgr := packaging.NewAptManager(runner, proxy.Settings{})
	err := mgr.AddRepository(packaging.Repository{Name: "azure-cli"})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
	c.Check(runner.calls, gc.HasLen, 0)
}

func (s *aptSuite) TestWriteProxyConfig(c *gc.C) {
	dir := c.MkDir()
	confPath := filepath.Join(dir, "42-proxy")
	runner := &fakeRunner{}
	mgr := packaging.NewAptManager(runner, proxy.Settings{
		Http:    "http://proxy.internal:3128",
		Https:   "https://proxy.internal:3128",
		NoProxy: "localhost,10.0.0.1",
	})
	packaging.PatchConfFilePath(mgr, confPath)
	err := mgr.WriteProxyConfig()
	c.Assert(err, jc.ErrorIsNil)
	data, err := os.ReadFile(confPath)
	c.Assert(err, jc.ErrorIsNil)
	content := string(data)
	c.Check(content, jc.Contains, `Acquire::http::Proxy "http://proxy.internal:3128";`)
	c.Check(content, jc.Contains, `Acquire::https::Proxy "https://proxy.internal:3128";`)
	c.Check(content, jc.Contains, `Acquire::http::Proxy::localhost "DIRECT";`)
	c.Check(content, jc.Contains, `Acquire::https::Proxy::10.0.0.1 "DIRECT";`)
	c.Check(strings.HasSuffix(content, "\n"), jc.IsTrue)
}

func (s *aptSuite) TestWriteProxyConfigRemovesStaleFile(c *gc.C) {
	dir := c.MkDir()
	confPath := filepath.Join(dir, "42-proxy")
	c.Assert(os.WriteFile(confPath, []byte("stale"), 0644), jc.ErrorIsNil)
	runner := &fakeRunner{}
	mgr := packaging.NewAptManager(runner, proxy.Settings{})
	packaging.PatchConfFilePath(mgr, confPath)
	err := mgr.WriteProxyConfig()
	c.Assert(err, jc.ErrorIsNil)
	_, err = os.Stat(confPath)
	c.Check(os.IsNotExist(err), jc.IsTrue)
}
