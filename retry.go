// drew-bridge
// Copyright (c) 2026 The Drew Vending Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of drew-bridge.
//
// drew-bridge is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// drew-bridge is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with drew-bridge; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

package bridge

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryConfig is the serial open policy: how many times to try the port and
// how long to wait between tries.
type RetryConfig struct {
	// MaxAttempts is the number of opens before giving up (0 = single attempt)
	MaxAttempts int
	// InitialBackoff is the wait after the first failed open
	InitialBackoff time.Duration
	// MaxBackoff caps the wait between opens
	MaxBackoff time.Duration
	// BackoffMultiplier grows the wait after each failure
	BackoffMultiplier float64
	// Jitter adds up to this fraction of the wait, so several bridges
	// restarting together do not hammer a shared hub in lockstep
	Jitter float64
	// RetryTimeout bounds the whole attempt sequence
	RetryTimeout time.Duration
}

// DefaultRetryConfig returns the serial port reconnect policy.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       DefaultConnectionRetries,
		InitialBackoff:    ConnectionInitialBackoff,
		MaxBackoff:        ConnectionMaxBackoff,
		BackoffMultiplier: ConnectionBackoffMultiplier,
		Jitter:            ConnectionJitter,
		RetryTimeout:      ConnectionRetryTimeout,
	}
}

// backoff yields the wait before each retry.
type backoff struct {
	cfg  *RetryConfig
	base time.Duration
}

func newBackoff(cfg *RetryConfig) *backoff {
	return &backoff{cfg: cfg, base: cfg.InitialBackoff}
}

// next returns the jittered wait for the current step and advances.
func (b *backoff) next() time.Duration {
	wait := b.base
	if b.cfg.Jitter > 0 {
		wait += time.Duration(rand.Float64() * b.cfg.Jitter * float64(b.base))
	}

	grown := time.Duration(float64(b.base) * b.cfg.BackoffMultiplier)
	if b.cfg.MaxBackoff > 0 && grown > b.cfg.MaxBackoff {
		grown = b.cfg.MaxBackoff
	}
	b.base = grown
	return wait
}

// RetryableFunc is one attempt. attempt starts at 1.
type RetryableFunc func(attempt int) error

// RetryWithConfig calls fn until it succeeds, fails with an error that
// IsRetryable rejects, or runs out of attempts. When ctx ends during a wait
// the last attempt's error is returned.
func RetryWithConfig(ctx context.Context, config *RetryConfig, fn RetryableFunc) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if config.MaxAttempts <= 0 {
		return fn(1)
	}
	if config.RetryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.RetryTimeout)
		defer cancel()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("retry context cancelled: %w", err)
	}

	b := newBackoff(config)
	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == config.MaxAttempts {
			break
		}

		wait := b.next()
		Debugf("attempt %d/%d failed, retrying in %v: %v", attempt, config.MaxAttempts, wait, lastErr)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", config.MaxAttempts, lastErr)
}
