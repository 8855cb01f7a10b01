// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"os"
	"path/filepath"

	"github.com/juju/cmd/v3/cmdtesting"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
)

type commandSuite struct {
	jujutesting.IsolationSuite
}

var _ = gc.Suite(&commandSuite{})

func (s *commandSuite) TestInstallInitDefaults(c *gc.C) {
	command := &installCommand{}
	err := cmdtesting.InitCommand(command, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(command.configPath, gc.Equals, "/etc/forgeagent/forgeagent.conf")
	c.Check(command.logToStderr, jc.IsFalse)
}

func (s *commandSuite) TestInstallInitFlags(c *gc.C) {
	command := &installCommand{}
	err := cmdtesting.InitCommand(command, []string{
		"--config", "/tmp/other.conf", "--log-to-stderr",
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(command.configPath, gc.Equals, "/tmp/other.conf")
	c.Check(command.logToStderr, jc.IsTrue)
}

func (s *commandSuite) TestInstallRejectsExtraArgs(c *gc.C) {
	err := cmdtesting.InitCommand(&installCommand{}, []string{"surprise"})
	c.Assert(err, gc.ErrorMatches, `unrecognized args: \["surprise"\]`)
}

func (s *commandSuite) TestPruneInitDefaults(c *gc.C) {
	command := &pruneCommand{}
	err := cmdtesting.InitCommand(command, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(command.configPath, gc.Equals, "/etc/forgeagent/forgeagent.conf")
}

func (s *commandSuite) TestPruneRejectsExtraArgs(c *gc.C) {
	err := cmdtesting.InitCommand(&pruneCommand{}, []string{"surprise"})
	c.Assert(err, gc.ErrorMatches, `unrecognized args: \["surprise"\]`)
}

func (s *commandSuite) TestReadToken(c *gc.C) {
	path := filepath.Join(c.MkDir(), "pat.token")
	c.Assert(os.WriteFile(path, []byte("pat-value\n"), 0600), jc.ErrorIsNil)
	token, err := readToken(path)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(token, gc.Equals, "pat-value")
}

func (s *commandSuite) TestReadTokenMissing(c *gc.C) {
	_, err := readToken(filepath.Join(c.MkDir(), "pat.token"))
	c.Assert(err, gc.ErrorMatches, "reading access token: .*")
}

func (s *commandSuite) TestReadTokenEmpty(c *gc.C) {
	path := filepath.Join(c.MkDir(), "pat.token")
	c.Assert(os.WriteFile(path, []byte("\n"), 0600), jc.ErrorIsNil)
	_, err := readToken(path)
	c.Assert(err, gc.ErrorMatches, `access token file ".*" is empty`)
}
