// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package config_test

import (
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	"github.com/juju/proxy"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/forgeagent/internal/config"
)

type configSuite struct {
	jujutesting.IsolationSuite
}

var _ = gc.Suite(&configSuite{})

func minimalAttrs() config.Attrs {
	return config.Attrs{
		"orchestrator-url": "https://pipelines.example.com/acme",
		"pool":             "BUILD-POOL",
		"agent-version":    "3.232.0",
		"vault-name":       "kv-build-1",
		"secret-name":      "agent-pat",
	}
}

func (s *configSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.PatchValue(config.OSHostname, func() (string, error) {
		return "vm-build-0.internal.cloudapp.net", nil
	})
}

func (s *configSuite) TestMinimalDefaults(c *gc.C) {
	cfg, err := config.New(minimalAttrs())
	c.Assert(err, jc.ErrorIsNil)

	c.Check(cfg.OrchestratorURL(), gc.Equals, "https://pipelines.example.com/acme")
	c.Check(cfg.OrchestratorHost(), gc.Equals, "pipelines.example.com")
	c.Check(cfg.Pool(), gc.Equals, "BUILD-POOL")
	c.Check(cfg.AgentName(), gc.Equals, "vm-build-0")
	c.Check(cfg.AgentVersion().String(), gc.Equals, "3.232.0")
	c.Check(cfg.AgentUser(), gc.Equals, "forgeagent")
	c.Check(cfg.AgentEnv(), gc.HasLen, 0)
	c.Check(cfg.VaultURL(), gc.Equals, "https://kv-build-1.vault.azure.net")
	c.Check(cfg.VaultHost(), gc.Equals, "kv-build-1.vault.azure.net")
	c.Check(cfg.SecretName(), gc.Equals, "agent-pat")
	c.Check(cfg.TerraformVersion().String(), gc.Equals, "1.6.6")
	c.Check(cfg.PruneInterval(), gc.Equals, 5*time.Minute)
	c.Check(cfg.AptProxySettings(), gc.DeepEquals, proxy.Settings{})
}

func (s *configSuite) TestTrailingSlashTrimmed(c *gc.C) {
	attrs := minimalAttrs()
	attrs["orchestrator-url"] = "https://pipelines.example.com/acme/"
	cfg, err := config.New(attrs)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cfg.OrchestratorURL(), gc.Equals, "https://pipelines.example.com/acme")
}

func (s *configSuite) TestAgentDownloadURL(c *gc.C) {
	cfg, err := config.New(minimalAttrs())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cfg.AgentDownloadURL(), gc.Equals,
		"https://packages.forgepipelines.com/agent/3.232.0/forge-agent-linux-x64-3.232.0.tar.gz")

	attrs := minimalAttrs()
	attrs["agent-download-base"] = "http://mirror.internal/agent/"
	cfg, err = config.New(attrs)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cfg.AgentDownloadURL(), gc.Equals,
		"http://mirror.internal/agent/3.232.0/forge-agent-linux-x64-3.232.0.tar.gz")
}

func (s *configSuite) TestMissingRequiredKey(c *gc.C) {
	for _, key := range []string{
		"orchestrator-url", "pool", "agent-version", "vault-name", "secret-name",
	} {
		attrs := minimalAttrs()
		delete(attrs, key)
		_, err := config.New(attrs)
		c.Check(err, gc.NotNil, gc.Commentf("key %q", key))
		c.Check(err, gc.ErrorMatches, ".*"+key+".*", gc.Commentf("key %q", key))
	}
}

func (s *configSuite) TestUnknownKeyRejected(c *gc.C) {
	attrs := minimalAttrs()
	attrs["agent-verson"] = "3.232.0"
	_, err := config.New(attrs)
	c.Assert(err, gc.ErrorMatches, `.*agent-verson.*`)
}

func (s *configSuite) TestBadOrchestratorURL(c *gc.C) {
	attrs := minimalAttrs()
	attrs["orchestrator-url"] = "ftp://pipelines.example.com/acme"
	_, err := config.New(attrs)
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *configSuite) TestBadAgentVersion(c *gc.C) {
	attrs := minimalAttrs()
	attrs["agent-version"] = "three-ish"
	_, err := config.New(attrs)
	c.Assert(err, gc.ErrorMatches, `parsing agent-version: .*`)
}

func (s *configSuite) TestPruneIntervalTooSmall(c *gc.C) {
	attrs := minimalAttrs()
	attrs["prune-interval"] = "5s"
	_, err := config.New(attrs)
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *configSuite) TestPruneIntervalParsed(c *gc.C) {
	attrs := minimalAttrs()
	attrs["prune-interval"] = "10m"
	cfg, err := config.New(attrs)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cfg.PruneInterval(), gc.Equals, 10*time.Minute)
}

func (s *configSuite) TestAgentEnv(c *gc.C) {
	attrs := minimalAttrs()
	attrs["agent-env"] = map[string]interface{}{
		"NO_PROXY":          "localhost",
		"AGENT_DIAGLOGPATH": "/var/log/forgeagent",
	}
	cfg, err := config.New(attrs)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cfg.AgentEnv(), jc.DeepEquals, map[string]string{
		"NO_PROXY":          "localhost",
		"AGENT_DIAGLOGPATH": "/var/log/forgeagent",
	})
}

func (s *configSuite) TestAptProxySettings(c *gc.C) {
	attrs := minimalAttrs()
	attrs["apt-http-proxy"] = "http://proxy.internal:3128"
	attrs["apt-https-proxy"] = "http://proxy.internal:3128"
	attrs["apt-no-proxy"] = "localhost,169.254.169.254"
	cfg, err := config.New(attrs)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cfg.AptProxySettings(), gc.DeepEquals, proxy.Settings{
		Http:    "http://proxy.internal:3128",
		Https:   "http://proxy.internal:3128",
		NoProxy: "localhost,169.254.169.254",
	})
}

func (s *configSuite) TestExplicitAgentNameKept(c *gc.C) {
	attrs := minimalAttrs()
	attrs["agent-name"] = "builder-7"
	cfg, err := config.New(attrs)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cfg.AgentName(), gc.Equals, "builder-7")
}

func (s *configSuite) TestReadConfig(c *gc.C) {
	path := filepath.Join(c.MkDir(), "forgeagent.conf")
	content := `
orchestrator-url: https://pipelines.example.com/acme
pool: BUILD-POOL
agent-version: 3.232.0
vault-name: kv-build-1
secret-name: agent-pat
prune-interval: 7m
`
	err := os.WriteFile(path, []byte(content), 0644)
	c.Assert(err, jc.ErrorIsNil)

	cfg, err := config.ReadConfig(path)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cfg.Pool(), gc.Equals, "BUILD-POOL")
	c.Check(cfg.PruneInterval(), gc.Equals, 7*time.Minute)
}

func (s *configSuite) TestReadConfigMissingFile(c *gc.C) {
	_, err := config.ReadConfig(filepath.Join(c.MkDir(), "absent.conf"))
	c.Assert(err, gc.ErrorMatches, "reading configuration: .*")
}

func (s *configSuite) TestReadConfigBadYAML(c *gc.C) {
	path := filepath.Join(c.MkDir(), "forgeagent.conf")
	err := os.WriteFile(path, []byte(":\t:"), 0644)
	c.Assert(err, jc.ErrorIsNil)
	_, err = config.ReadConfig(path)
	c.Assert(err, gc.ErrorMatches, `parsing configuration .*`)
}
