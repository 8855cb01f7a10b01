// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package pipelines is the REST client for the orchestration service
// the build agent registers with. All calls authenticate with a PAT
// in a basic-auth header and pin a single API version.
package pipelines

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/juju/errors"
	jujuhttp "github.com/juju/http/v2"
	"github.com/juju/loggo/v2"
	"gopkg.in/httprequest.v1"

	"github.com/juju/forgeagent/internal/pipelines/params"
)

var logger = loggo.GetLogger("forgeagent.pipelines")

// apiVersion is pinned; the service rejects unversioned requests.
const apiVersion = "7.0"

// Transport performs HTTP requests. *jujuhttp.Client satisfies it.
type Transport interface {
	Do(*http.Request) (*http.Response, error)
}

// Config holds what a Client needs to talk to one organisation.
type Config struct {
	// BaseURL is the organisation base URL, for example
	// https://pipelines.example.com/acme.
	BaseURL string

	// PAT is the personal access token authenticating every call.
	PAT string

	// Transport performs the requests; nil means a default client.
	Transport Transport
}

// Client talks to the orchestration REST API.
type Client struct {
	baseURL   string
	authValue string
	transport Transport
}

// NewClient returns a client for the given organisation.
func NewClient(config Config) (*Client, error) {
	u, err := url.Parse(config.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.NotValidf("base URL %q", config.BaseURL)
	}
	if config.PAT == "" {
		return nil, errors.NotValidf("empty PAT")
	}
	transport := config.Transport
	if transport == nil {
		transport = jujuhttp.NewClient(jujuhttp.WithLogger(logger))
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		// The service ignores the user name part of basic auth.
		authValue: "Basic " + base64.StdEncoding.EncodeToString([]byte(":"+config.PAT)),
		transport: transport,
	}, nil
}

func (c *Client) get(ctx context.Context, pathAndQuery string, result interface{}) (*http.Response, error) {
	return c.do(ctx, "GET", pathAndQuery, result)
}

func (c *Client) do(ctx context.Context, method, pathAndQuery string, result interface{}) (*http.Response, error) {
	sep := "?"
	if strings.Contains(pathAndQuery, "?") {
		sep = "&"
	}
	requestURL := c.baseURL + pathAndQuery + sep + "api-version=" + apiVersion
	req, err := http.NewRequestWithContext(ctx, method, requestURL, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	req.Header.Set("Authorization", c.authValue)
	req.Header.Set("Accept", "application/json")

	resp, err := c.transport.Do(req)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if result != nil && resp.StatusCode == http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		if err := httprequest.UnmarshalJSONResponse(resp, result); err != nil {
			return resp, errors.Annotatef(err, "%s %s", method, pathAndQuery)
		}
		return resp, nil
	}
	_ = resp.Body.Close()
	return resp, nil
}

// ValidateCredentials checks that the configured PAT is usable. An
// expired or revoked PAT does not produce a 401 here: the service
// answers 203 with an HTML sign-in page instead, so only a JSON 200
// passes.
func (c *Client) ValidateCredentials(ctx context.Context) error {
	var projects params.CountList[struct{}]
	resp, err := c.get(ctx, "/_apis/projects", &projects)
	if err != nil {
		return errors.Annotate(err, "validating credentials")
	}
	switch resp.StatusCode {
	case http.StatusOK:
		logger.Debugf("credentials valid: %d projects visible", projects.Count)
		return nil
	case http.StatusNonAuthoritativeInfo, http.StatusUnauthorized:
		return errors.Unauthorizedf("the configured PAT was rejected")
	default:
		return errors.Errorf("credential validation responded %q", resp.Status)
	}
}

// PoolByName resolves the named agent pool. The service's poolName
// filter can match loosely, so the result is filtered for an exact
// name match client side.
func (c *Client) PoolByName(ctx context.Context, name string) (params.Pool, error) {
	if name == "" {
		return params.Pool{}, errors.NotValidf("empty pool name")
	}
	var pools params.CountList[params.Pool]
	resp, err := c.get(ctx, "/_apis/distributedtask/pools?poolName="+url.QueryEscape(name), &pools)
	if err != nil {
		return params.Pool{}, errors.Trace(err)
	}
	if resp.StatusCode != http.StatusOK {
		return params.Pool{}, errors.Errorf("pool lookup responded %q", resp.Status)
	}
	var matches []params.Pool
	for _, pool := range pools.Value {
		if pool.Name == name {
			matches = append(matches, pool)
		}
	}
	switch len(matches) {
	case 0:
		return params.Pool{}, errors.NotFoundf("agent pool %q", name)
	case 1:
		return matches[0], nil
	default:
		return params.Pool{}, errors.Errorf("agent pool %q matched %d pools", name, len(matches))
	}
}

// Agents lists the agents in a pool, with their assigned requests
// expanded so callers can tell busy agents from idle ones.
func (c *Client) Agents(ctx context.Context, poolID int) ([]params.Agent, error) {
	var agents params.CountList[params.Agent]
	path := fmt.Sprintf("/_apis/distributedtask/pools/%d/agents?includeAssignedRequest=true", poolID)
	resp, err := c.get(ctx, path, &agents)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("agent listing responded %q", resp.Status)
	}
	return agents.Value, nil
}

// DeleteAgent removes an agent registration from a pool.
func (c *Client) DeleteAgent(ctx context.Context, poolID, agentID int) error {
	path := fmt.Sprintf("/_apis/distributedtask/pools/%d/agents/%d", poolID, agentID)
	resp, err := c.do(ctx, "DELETE", path, nil)
	if err != nil {
		return errors.Trace(err)
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return errors.NotFoundf("agent %d in pool %d", agentID, poolID)
	default:
		return errors.Errorf("deleting agent %d responded %q", agentID, resp.Status)
	}
}
