/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package retry implements the exponential back-off retry budget used for
// transient OS errors (spec §7, category 2): a fixed number of attempts
// with a doubling base delay, grounded on the daemon's WaitUntilReady
// retry.Do use in pkg/daemon/daemon.go, generalized from a fixed
// attempts/delay pair to a configurable budget.
package retry

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Budget configures an exponential back-off retry loop.
type Budget struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultBudget is the spec §7 default: 5 attempts, 5s base delay.
var DefaultBudget = Budget{Attempts: 5, BaseDelay: 5 * time.Second}

// Do invokes fn up to b.Attempts times, sleeping BaseDelay*2^(n-1) between
// attempts, stopping early on ctx cancellation. It returns the error from
// the final attempt if every attempt fails.
func (b Budget) Do(ctx context.Context, fn func() error) error {
	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	delay := b.BaseDelay
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return errors.Wrapf(lastErr, "exhausted retry budget (%d attempts)", attempts)
}
