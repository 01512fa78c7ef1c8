// Copyright 2026 The Drew Vending Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package dispense

import (
	"time"

	bridge "github.com/drewvending/serialbridge"
)

// Config holds queue timing options
type Config struct {
	// DrainInterval is how often the active slot is checked for a pending request
	DrainInterval time.Duration

	// CleanupInterval is how often stray request files are moved to archive/
	CleanupInterval time.Duration

	// StopTimeout bounds how long Stop waits for an in-flight dispense
	StopTimeout time.Duration
}

// DefaultConfig returns the default queue configuration
func DefaultConfig() *Config {
	return &Config{
		DrainInterval:   bridge.DefaultDrainInterval,
		CleanupInterval: bridge.DefaultCleanupInterval,
		StopTimeout:     bridge.MaxDispenseTimeout,
	}
}

func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.DrainInterval <= 0 {
		out.DrainInterval = d.DrainInterval
	}
	if out.CleanupInterval <= 0 {
		out.CleanupInterval = d.CleanupInterval
	}
	if out.StopTimeout <= 0 {
		out.StopTimeout = d.StopTimeout
	}
	return &out
}
