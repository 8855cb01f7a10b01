// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config reads and validates the provisioning configuration
// written by the machine template. Every provisioning input arrives
// through this file; a typo or a missing value must abort the run
// before anything on the machine is touched, so unknown keys are
// rejected rather than warned about.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/proxy"
	"github.com/juju/schema"
	"github.com/juju/version/v2"
	"gopkg.in/yaml.v3"
)

// Attrs holds the raw key/value pairs read from the configuration file.
type Attrs map[string]interface{}

const (
	// OrchestratorURLKey is the base URL of the orchestration service
	// organisation the agent registers with.
	OrchestratorURLKey = "orchestrator-url"

	// PoolKey names the agent pool the machine joins.
	PoolKey = "pool"

	// AgentNameKey names the agent registration. Defaults to the
	// machine's short hostname.
	AgentNameKey = "agent-name"

	// AgentVersionKey pins the build agent release to install.
	AgentVersionKey = "agent-version"

	// AgentDownloadBaseKey is the base URL agent tarballs are
	// published under.
	AgentDownloadBaseKey = "agent-download-base"

	// AgentUserKey is the OS user the agent service runs as.
	AgentUserKey = "agent-user"

	// AgentEnvKey holds extra environment variables injected into the
	// agent service unit.
	AgentEnvKey = "agent-env"

	// VaultNameKey names the vault instance holding the access token.
	VaultNameKey = "vault-name"

	// VaultDNSSuffixKey is the DNS suffix vault URLs are composed with.
	VaultDNSSuffixKey = "vault-dns-suffix"

	// SecretNameKey names the vault secret holding the personal
	// access token.
	SecretNameKey = "secret-name"

	// TerraformVersionKey pins the Terraform release to install.
	TerraformVersionKey = "terraform-version"

	// AptHTTPProxyKey, AptHTTPSProxyKey and AptNoProxyKey configure
	// the proxy apt operations run behind.
	AptHTTPProxyKey  = "apt-http-proxy"
	AptHTTPSProxyKey = "apt-https-proxy"
	AptNoProxyKey    = "apt-no-proxy"

	// PruneIntervalKey is the cadence of the stale agent cleanup timer.
	PruneIntervalKey = "prune-interval"
)

const (
	// DefaultAgentDownloadBase is where released agent tarballs live.
	DefaultAgentDownloadBase = "https://packages.forgepipelines.com/agent"

	// DefaultAgentUser is the account the agent service runs under.
	DefaultAgentUser = "forgeagent"

	// DefaultVaultDNSSuffix is the public vault DNS suffix.
	DefaultVaultDNSSuffix = "vault.azure.net"

	// DefaultTerraformVersion is installed when the template does not
	// pin one.
	DefaultTerraformVersion = "1.6.6"

	// DefaultPruneInterval is how often the cleanup timer fires.
	DefaultPruneInterval = 5 * time.Minute

	// MinimumPruneInterval guards against template typos that would
	// hammer the orchestrator.
	MinimumPruneInterval = time.Minute
)

var configFields = schema.Fields{
	OrchestratorURLKey:   schema.NonEmptyString(OrchestratorURLKey),
	PoolKey:              schema.NonEmptyString(PoolKey),
	AgentNameKey:         schema.String(),
	AgentVersionKey:      schema.NonEmptyString(AgentVersionKey),
	AgentDownloadBaseKey: schema.String(),
	AgentUserKey:         schema.String(),
	AgentEnvKey:          schema.StringMap(schema.String()),
	VaultNameKey:         schema.NonEmptyString(VaultNameKey),
	VaultDNSSuffixKey:    schema.String(),
	SecretNameKey:        schema.NonEmptyString(SecretNameKey),
	TerraformVersionKey:  schema.String(),
	AptHTTPProxyKey:      schema.String(),
	AptHTTPSProxyKey:     schema.String(),
	AptNoProxyKey:        schema.String(),
	PruneIntervalKey:     schema.TimeDuration(),
}

var configDefaults = schema.Defaults{
	AgentNameKey:         schema.Omit,
	AgentDownloadBaseKey: DefaultAgentDownloadBase,
	AgentUserKey:         DefaultAgentUser,
	AgentEnvKey:          schema.Omit,
	VaultDNSSuffixKey:    DefaultVaultDNSSuffix,
	TerraformVersionKey:  DefaultTerraformVersion,
	AptHTTPProxyKey:      schema.Omit,
	AptHTTPSProxyKey:     schema.Omit,
	AptNoProxyKey:        schema.Omit,
	PruneIntervalKey:     DefaultPruneInterval,
}

var configChecker = schema.StrictFieldMap(configFields, configDefaults)

// For testing.
var osHostname = os.Hostname

// Config holds the coerced, validated provisioning configuration.
type Config struct {
	attrs map[string]interface{}
}

// ReadConfig loads the configuration file at path.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading configuration")
	}
	var raw Attrs
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Annotatef(err, "parsing configuration %q", path)
	}
	cfg, err := New(raw)
	if err != nil {
		return nil, errors.Annotatef(err, "configuration %q", path)
	}
	return cfg, nil
}

// New builds a Config from raw attributes, applying defaults and
// rejecting unknown or malformed keys.
func New(attrs Attrs) (*Config, error) {
	coerced, err := configChecker.Coerce(map[string]interface{}(attrs), nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	cfg := &Config{attrs: coerced.(map[string]interface{})}
	if err := cfg.validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	for _, key := range []string{OrchestratorURLKey} {
		u, err := url.Parse(c.asString(key))
		if err != nil {
			return errors.Annotatef(err, "parsing %s", key)
		}
		if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
			return errors.NotValidf("%s %q", key, c.asString(key))
		}
	}
	for _, key := range []string{AgentVersionKey, TerraformVersionKey} {
		if _, err := version.Parse(c.asString(key)); err != nil {
			return errors.Annotatef(err, "parsing %s", key)
		}
	}
	if c.asString(AgentNameKey) == "" {
		host, err := osHostname()
		if err != nil {
			return errors.Annotate(err, "determining agent name from hostname")
		}
		// Cloud hostnames can be fully qualified; agents register
		// with the short label.
		c.attrs[AgentNameKey] = strings.SplitN(host, ".", 2)[0]
	}
	if c.PruneInterval() < MinimumPruneInterval {
		return errors.NotValidf("%s %v (below %v)", PruneIntervalKey, c.PruneInterval(), MinimumPruneInterval)
	}
	return nil
}

func (c *Config) asString(name string) string {
	value, _ := c.attrs[name].(string)
	return value
}

func (c *Config) mustVersion(name string) version.Number {
	v, err := version.Parse(c.asString(name))
	if err != nil {
		// validate parsed this already.
		panic(err)
	}
	return v
}

// OrchestratorURL returns the organisation base URL without a
// trailing slash.
func (c *Config) OrchestratorURL() string {
	return strings.TrimRight(c.asString(OrchestratorURLKey), "/")
}

// Pool returns the agent pool name.
func (c *Config) Pool() string {
	return c.asString(PoolKey)
}

// AgentName returns the name the agent registers under.
func (c *Config) AgentName() string {
	return c.asString(AgentNameKey)
}

// AgentVersion returns the pinned build agent version.
func (c *Config) AgentVersion() version.Number {
	return c.mustVersion(AgentVersionKey)
}

// AgentUser returns the OS account the agent service runs as.
func (c *Config) AgentUser() string {
	return c.asString(AgentUserKey)
}

// AgentEnv returns extra environment variables for the service unit.
func (c *Config) AgentEnv() map[string]string {
	env := make(map[string]string)
	raw, _ := c.attrs[AgentEnvKey].(map[string]interface{})
	for k, v := range raw {
		env[k] = v.(string)
	}
	return env
}

// AgentDownloadURL composes the tarball URL for the pinned agent
// version.
func (c *Config) AgentDownloadURL() string {
	v := c.AgentVersion()
	return fmt.Sprintf("%s/%s/forge-agent-linux-x64-%s.tar.gz",
		strings.TrimRight(c.asString(AgentDownloadBaseKey), "/"), v, v)
}

// VaultURL returns the base URL of the vault instance.
func (c *Config) VaultURL() string {
	return fmt.Sprintf("https://%s.%s", c.asString(VaultNameKey), c.asString(VaultDNSSuffixKey))
}

// VaultHost returns the vault host name, the DNS readiness probe
// target.
func (c *Config) VaultHost() string {
	return fmt.Sprintf("%s.%s", c.asString(VaultNameKey), c.asString(VaultDNSSuffixKey))
}

// OrchestratorHost returns the host component of the orchestrator URL.
func (c *Config) OrchestratorHost() string {
	u, err := url.Parse(c.asString(OrchestratorURLKey))
	if err != nil {
		// validate parsed this already.
		panic(err)
	}
	return u.Hostname()
}

// SecretName returns the vault secret holding the access token.
func (c *Config) SecretName() string {
	return c.asString(SecretNameKey)
}

// TerraformVersion returns the pinned Terraform version.
func (c *Config) TerraformVersion() version.Number {
	return c.mustVersion(TerraformVersionKey)
}

// AptProxySettings returns the proxy configuration apt runs behind.
// The zero value means no proxy.
func (c *Config) AptProxySettings() proxy.Settings {
	return proxy.Settings{
		Http:    c.asString(AptHTTPProxyKey),
		Https:   c.asString(AptHTTPSProxyKey),
		NoProxy: c.asString(AptNoProxyKey),
	}
}

// PruneInterval returns the cleanup timer cadence.
func (c *Config) PruneInterval() time.Duration {
	return c.attrs[PruneIntervalKey].(time.Duration)
}
