// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package netcheck gates provisioning on basic network readiness.
// Freshly booted machines can race their own DNS configuration; the
// installer refuses to proceed until the endpoints it is about to use
// actually resolve.
package netcheck

import (
	"context"
	"net"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"
)

var logger = loggo.GetLogger("forgeagent.netcheck")

const (
	// DefaultAttempts bounds the resolution retries for one host.
	DefaultAttempts = 12

	// DefaultDelay is the fixed pause between attempts.
	DefaultDelay = 10 * time.Second
)

// Resolver resolves host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// WaitArgs configures a readiness wait.
type WaitArgs struct {
	// Host is the name that must resolve.
	Host string

	// Attempts bounds the number of lookups; zero means
	// DefaultAttempts.
	Attempts int

	// Delay is the fixed pause between lookups; zero means
	// DefaultDelay.
	Delay time.Duration

	// Clock times the pauses; nil means the wall clock.
	Clock clock.Clock

	// Resolver performs the lookups; nil means the system resolver.
	Resolver Resolver
}

// WaitResolvable blocks until args.Host resolves, the attempt budget
// runs out, or ctx is cancelled.
func WaitResolvable(ctx context.Context, args WaitArgs) error {
	if args.Host == "" {
		return errors.NotValidf("empty host")
	}
	if args.Attempts == 0 {
		args.Attempts = DefaultAttempts
	}
	if args.Delay == 0 {
		args.Delay = DefaultDelay
	}
	if args.Clock == nil {
		args.Clock = clock.WallClock
	}
	if args.Resolver == nil {
		args.Resolver = net.DefaultResolver
	}

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			addrs, err := args.Resolver.LookupHost(ctx, args.Host)
			if err != nil {
				return errors.Trace(err)
			}
			if len(addrs) == 0 {
				return errors.Errorf("no addresses for %q", args.Host)
			}
			logger.Debugf("%q resolves to %v", args.Host, addrs)
			return nil
		},
		NotifyFunc: func(lastError error, attempt int) {
			logger.Debugf("attempt %d resolving %q: %v", attempt, args.Host, lastError)
		},
		Attempts: args.Attempts,
		Delay:    args.Delay,
		Clock:    args.Clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		return errors.Annotatef(err, "cannot resolve %q after %d attempts", args.Host, args.Attempts)
	}
	return nil
}
