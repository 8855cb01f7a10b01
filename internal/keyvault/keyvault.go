// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package keyvault retrieves secrets from a managed vault over its
// REST interface, authenticating with tokens issued against the
// machine identity.
package keyvault

import (
	"context"
	"net/http"
	"net/url"

	"github.com/juju/errors"
	jujuhttp "github.com/juju/http/v2"
	"github.com/juju/loggo/v2"
	"gopkg.in/httprequest.v1"
)

var logger = loggo.GetLogger("forgeagent.keyvault")

const (
	// Resource is the audience vault access tokens are scoped to.
	Resource = "https://vault.azure.net"

	// apiVersion is the vault secrets API version.
	apiVersion = "7.4"
)

// Transport performs HTTP requests. *jujuhttp.Client satisfies it.
type Transport interface {
	Do(*http.Request) (*http.Response, error)
}

// TokenSource issues access tokens scoped to a resource. The imds
// client satisfies it via an adapter in the command wiring.
type TokenSource interface {
	Token(ctx context.Context, resource string) (string, error)
}

// Client reads secrets from one vault instance.
type Client struct {
	vaultURL  string
	transport Transport
	tokens    TokenSource
}

// NewClient returns a client for the vault at vaultURL, such as
// https://kv-build-agents.vault.azure.net. A nil transport means a
// default client.
func NewClient(vaultURL string, transport Transport, tokens TokenSource) (*Client, error) {
	if _, err := url.Parse(vaultURL); err != nil || vaultURL == "" {
		return nil, errors.NotValidf("vault URL %q", vaultURL)
	}
	if tokens == nil {
		return nil, errors.NotValidf("missing token source")
	}
	if transport == nil {
		transport = jujuhttp.NewClient(jujuhttp.WithLogger(logger))
	}
	return &Client{
		vaultURL:  vaultURL,
		transport: transport,
		tokens:    tokens,
	}, nil
}

type secretBundle struct {
	Value string `json:"value"`
	ID    string `json:"id"`
}

// Secret returns the current value of the named secret.
func (c *Client) Secret(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", errors.NotValidf("empty secret name")
	}
	token, err := c.tokens.Token(ctx, Resource)
	if err != nil {
		return "", errors.Annotate(err, "acquiring vault access token")
	}

	secretURL := c.vaultURL + "/secrets/" + url.PathEscape(name) + "?api-version=" + apiVersion
	req, err := http.NewRequestWithContext(ctx, "GET", secretURL, nil)
	if err != nil {
		return "", errors.Trace(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.transport.Do(req)
	if err != nil {
		return "", errors.Trace(err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", errors.NotFoundf("secret %q", name)
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", errors.Errorf("access to secret %q denied (%s): check the machine identity's vault permissions", name, resp.Status)
	default:
		return "", errors.Errorf("vault responded %q for secret %q", resp.Status, name)
	}

	var bundle secretBundle
	if err := httprequest.UnmarshalJSONResponse(resp, &bundle); err != nil {
		return "", errors.Annotatef(err, "parsing secret %q response", name)
	}
	if bundle.Value == "" {
		return "", errors.Errorf("secret %q has no value", name)
	}
	logger.Debugf("retrieved secret %q (%s)", name, bundle.ID)
	return bundle.Value, nil
}
