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
	"fmt"
	"time"
)

// Config holds the bridge pipeline settings.
type Config struct {
	// Retry is the serial open/reopen policy
	Retry *RetryConfig
	// Port is the serial device path; empty runs simulate-only
	Port string
	// DataDir holds card-scans/ and dispense-requests/
	DataDir string
	// AuditDBPath is the SQLite audit database; empty disables auditing
	AuditDBPath      string
	BaudRate         int
	DebounceWindow   time.Duration
	DispenseTimeout  time.Duration
	DrainInterval    time.Duration
	ScanArchiveDelay time.Duration
	CleanupInterval  time.Duration
	DegradedRetry    time.Duration
	MaxLineBuffer    int
}

// DefaultConfig returns the default bridge configuration
func DefaultConfig() *Config {
	return &Config{
		Retry:            DefaultRetryConfig(),
		DataDir:          "./public",
		BaudRate:         DefaultBaudRate,
		DebounceWindow:   DefaultDebounceWindow,
		DispenseTimeout:  DefaultDispenseTimeout,
		DrainInterval:    DefaultDrainInterval,
		ScanArchiveDelay: DefaultScanArchiveDelay,
		CleanupInterval:  DefaultCleanupInterval,
		DegradedRetry:    DegradedRetryInterval,
		MaxLineBuffer:    MaxLineBuffer,
	}
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data dir is required", ErrInvalidParameter)
	}
	if c.BaudRate <= 0 {
		return fmt.Errorf("%w: baud rate must be positive, got %d", ErrInvalidParameter, c.BaudRate)
	}
	if c.DispenseTimeout < MinDispenseTimeout || c.DispenseTimeout > MaxDispenseTimeout {
		return fmt.Errorf("%w: dispense timeout %v outside [%v, %v]",
			ErrInvalidParameter, c.DispenseTimeout, MinDispenseTimeout, MaxDispenseTimeout)
	}

	durations := map[string]time.Duration{
		"debounce window":    c.DebounceWindow,
		"drain interval":     c.DrainInterval,
		"scan archive delay": c.ScanArchiveDelay,
		"cleanup interval":   c.CleanupInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidParameter, name, d)
		}
	}
	if c.MaxLineBuffer < 0 {
		return fmt.Errorf("%w: max line buffer must not be negative", ErrInvalidParameter)
	}
	return nil
}
