// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package pruner removes stale agent registrations from the pool.
// Machines in an ephemeral pool disappear without deregistering;
// their records linger as offline agents and clutter scheduling. The
// prune pass deletes registrations that are offline with no assigned
// request, and nothing else.
package pruner

import (
	"context"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/forgeagent/internal/pipelines/params"
)

var logger = loggo.GetLogger("forgeagent.pruner")

// PoolAPI is the slice of the orchestration client the pruner uses.
type PoolAPI interface {
	PoolByName(ctx context.Context, name string) (params.Pool, error)
	Agents(ctx context.Context, poolID int) ([]params.Agent, error)
	DeleteAgent(ctx context.Context, poolID, agentID int) error
}

// Config holds what a prune pass needs.
type Config struct {
	// Client talks to the orchestration service.
	Client PoolAPI

	// Pool is the pool name to reconcile.
	Pool string
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Client == nil {
		return errors.NotValidf("missing Client")
	}
	if c.Pool == "" {
		return errors.NotValidf("missing Pool")
	}
	return nil
}

// Run performs one prune pass and returns the number of agents
// removed. Failing to resolve the pool is fatal; per-agent delete
// failures are logged and skipped so a timer-driven run never leaves
// the scheduler unit in a failed state.
func Run(ctx context.Context, cfg Config) (int, error) {
	if err := cfg.Validate(); err != nil {
		return 0, errors.Trace(err)
	}

	pool, err := cfg.Client.PoolByName(ctx, cfg.Pool)
	if err != nil {
		return 0, errors.Annotatef(err, "resolving pool %q", cfg.Pool)
	}
	agents, err := cfg.Client.Agents(ctx, pool.ID)
	if err != nil {
		return 0, errors.Annotatef(err, "listing agents in pool %q", cfg.Pool)
	}

	var stale []params.Agent
	kept := set.NewStrings()
	for _, agent := range agents {
		if agent.Status == params.StatusOffline && agent.Idle() {
			stale = append(stale, agent)
		} else {
			kept.Add(agent.Name)
		}
	}
	if len(stale) == 0 {
		logger.Debugf("pool %q has no stale agents", cfg.Pool)
		return 0, nil
	}
	logger.Infof("pruning %d stale agents from pool %q (keeping %d: %v)",
		len(stale), cfg.Pool, kept.Size(), kept.SortedValues())

	var pruned int
	for _, agent := range stale {
		err := cfg.Client.DeleteAgent(ctx, pool.ID, agent.ID)
		if errors.Is(err, errors.NotFound) {
			// Already gone, nothing to do.
			logger.Debugf("agent %q (%d) already removed", agent.Name, agent.ID)
			continue
		} else if err != nil {
			// Log the error, we'll try again next time.
			logger.Errorf("failed to remove agent %q (%d): %v", agent.Name, agent.ID, err)
			continue
		}
		logger.Infof("removed stale agent %q (%d)", agent.Name, agent.ID)
		pruned++
	}
	return pruned, nil
}
