// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package imds acquires access tokens from the instance metadata
// service using the machine's platform-assigned identity. The service
// only answers on a fixed link-local address and refuses requests
// that arrive through a proxy, hence the Metadata header and the
// direct transport.
package imds

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	jujuhttp "github.com/juju/http/v2"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"
	"gopkg.in/httprequest.v1"
)

var logger = loggo.GetLogger("forgeagent.imds")

const (
	// DefaultEndpoint is the fixed link-local metadata address.
	DefaultEndpoint = "http://169.254.169.254"

	// apiVersion is the metadata token API version.
	apiVersion = "2018-02-01"

	// The metadata service can be slow to answer right after boot,
	// so token requests get a short retry budget.
	defaultAttempts = 5
	defaultDelay    = 2 * time.Second
)

// Transport performs HTTP requests. *jujuhttp.Client satisfies it.
type Transport interface {
	Do(*http.Request) (*http.Response, error)
}

// Token is an access token issued against the machine identity.
type Token struct {
	AccessToken string `json:"access_token"`
	ExpiresOn   string `json:"expires_on"`
	Resource    string `json:"resource"`
	TokenType   string `json:"token_type"`
}

// Client fetches identity tokens from the metadata service.
type Client struct {
	endpoint  string
	transport Transport
	clock     clock.Clock
	attempts  int
	delay     time.Duration
}

// NewClient returns a metadata client for the given endpoint. An
// empty endpoint means DefaultEndpoint; a nil transport means a
// default client; a nil clk means the wall clock.
func NewClient(endpoint string, transport Transport, clk clock.Clock) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if transport == nil {
		transport = jujuhttp.NewClient(jujuhttp.WithLogger(logger))
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Client{
		endpoint:  endpoint,
		transport: transport,
		clock:     clk,
		attempts:  defaultAttempts,
		delay:     defaultDelay,
	}
}

// AccessToken acquires a token scoped to the given resource, for
// example "https://vault.azure.net".
func (c *Client) AccessToken(ctx context.Context, resource string) (Token, error) {
	if resource == "" {
		return Token{}, errors.NotValidf("empty resource")
	}
	var token Token
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			token, err = c.requestToken(ctx, resource)
			return err
		},
		NotifyFunc: func(lastError error, attempt int) {
			logger.Debugf("attempt %d acquiring token for %q: %v", attempt, resource, lastError)
		},
		Attempts: c.attempts,
		Delay:    c.delay,
		Clock:    c.clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		return Token{}, errors.Annotatef(err, "acquiring instance identity token for %q", resource)
	}
	return token, nil
}

func (c *Client) requestToken(ctx context.Context, resource string) (Token, error) {
	query := url.Values{
		"api-version": []string{apiVersion},
		"resource":    []string{resource},
	}
	tokenURL := c.endpoint + "/metadata/identity/oauth2/token?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, "GET", tokenURL, nil)
	if err != nil {
		return Token{}, errors.Trace(err)
	}
	req.Header.Set("Metadata", "true")

	resp, err := c.transport.Do(req)
	if err != nil {
		return Token{}, errors.Trace(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return Token{}, errors.Errorf("metadata service responded %q", resp.Status)
	}

	var token Token
	if err := httprequest.UnmarshalJSONResponse(resp, &token); err != nil {
		return Token{}, errors.Annotate(err, "parsing token response")
	}
	if token.AccessToken == "" {
		return Token{}, errors.Errorf("metadata service returned an empty access token")
	}
	return token, nil
}
