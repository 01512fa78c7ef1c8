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


package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 9600, cfg.BaudRate)
	assert.Equal(t, 30*time.Second, cfg.DispenseTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.DebounceWindow)
	assert.Equal(t, 5*time.Second, cfg.ScanArchiveDelay)
	assert.Empty(t, cfg.Port, "no port means simulate-only")
	assert.Empty(t, cfg.AuditDBPath, "auditing is opt-in")
	assert.NotNil(t, cfg.Retry)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mutate func(*Config)
		name   string
		errMsg string
	}{
		{name: "missing data dir", mutate: func(c *Config) { c.DataDir = "" }, errMsg: "data dir"},
		{name: "zero baud", mutate: func(c *Config) { c.BaudRate = 0 }, errMsg: "baud rate"},
		{name: "dispense timeout too short", mutate: func(c *Config) { c.DispenseTimeout = 500 * time.Millisecond }, errMsg: "dispense timeout"},
		{name: "dispense timeout too long", mutate: func(c *Config) { c.DispenseTimeout = time.Hour }, errMsg: "dispense timeout"},
		{name: "zero debounce", mutate: func(c *Config) { c.DebounceWindow = 0 }, errMsg: "debounce window"},
		{name: "negative drain", mutate: func(c *Config) { c.DrainInterval = -time.Second }, errMsg: "drain interval"},
		{name: "zero archive delay", mutate: func(c *Config) { c.ScanArchiveDelay = 0 }, errMsg: "scan archive delay"},
		{name: "zero cleanup", mutate: func(c *Config) { c.CleanupInterval = 0 }, errMsg: "cleanup interval"},
		{name: "negative line buffer", mutate: func(c *Config) { c.MaxLineBuffer = -1 }, errMsg: "line buffer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalidParameter)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestConfig_ValidateBoundaries(t *testing.T) {
	t.Parallel()

	for _, d := range []time.Duration{MinDispenseTimeout, MaxDispenseTimeout} {
		cfg := DefaultConfig()
		cfg.DispenseTimeout = d
		assert.NoError(t, cfg.Validate(), d.String())
	}
}
