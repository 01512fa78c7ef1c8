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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRetryConfig(t *testing.T) {
	t.Parallel()

	config := DefaultRetryConfig()
	assert.Equal(t, DefaultConnectionRetries, config.MaxAttempts)
	assert.Equal(t, 5*time.Second, config.InitialBackoff)
	assert.Greater(t, config.MaxBackoff, config.InitialBackoff)
	assert.Greater(t, config.BackoffMultiplier, 1.0)
	assert.GreaterOrEqual(t, config.Jitter, 0.0)
	assert.LessOrEqual(t, config.Jitter, 1.0)
	assert.Positive(t, config.RetryTimeout)
}

func TestBackoff_Schedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		config *RetryConfig
		name   string
		want   []time.Duration
	}{
		{
			name:   "doubles up to the cap",
			config: &RetryConfig{InitialBackoff: 5 * time.Second, BackoffMultiplier: 2, MaxBackoff: 20 * time.Second},
			want:   []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 20 * time.Second},
		},
		{
			name:   "no cap",
			config: &RetryConfig{InitialBackoff: time.Minute, BackoffMultiplier: 1.5},
			want:   []time.Duration{time.Minute, 90 * time.Second},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := newBackoff(tt.config)
			for i, want := range tt.want {
				assert.Equal(t, want, b.next(), "step %d", i)
			}
		})
	}
}

func TestBackoff_Jitter(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond
	for range 20 {
		b := newBackoff(&RetryConfig{InitialBackoff: base, BackoffMultiplier: 1, Jitter: 0.5})
		got := b.next()
		assert.GreaterOrEqual(t, got, base)
		assert.LessOrEqual(t, got, base+base/2)
	}
}

func TestRetryWithConfig(t *testing.T) {
	t.Parallel()

	transient := NewTransportError("open", "/dev/ttyUSB0", ErrPortNotFound, ErrorTypeTransient)
	permanent := NewTransportError("open", "/dev/ttyUSB0", errors.New("bad port"), ErrorTypePermanent)

	tests := []struct {
		wantErr   error
		failWith  error
		name      string
		failCount int
		attempts  int
		wantCalls int
	}{
		{name: "first try", attempts: 3, wantCalls: 1},
		{name: "succeeds after transient failures", attempts: 3, failCount: 2, failWith: transient, wantCalls: 3},
		{name: "gives up", attempts: 3, failCount: 5, failWith: transient, wantCalls: 3, wantErr: ErrPortNotFound},
		{name: "permanent error stops", attempts: 3, failCount: 5, failWith: permanent, wantCalls: 1, wantErr: permanent},
		{name: "zero attempts runs once", attempts: 0, failCount: 5, failWith: transient, wantCalls: 1, wantErr: transient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := &RetryConfig{
				MaxAttempts:       tt.attempts,
				InitialBackoff:    time.Millisecond,
				MaxBackoff:        2 * time.Millisecond,
				BackoffMultiplier: 2,
				RetryTimeout:      time.Second,
			}
			calls := 0
			err := RetryWithConfig(context.Background(), cfg, func(attempt int) error {
				calls++
				assert.Equal(t, calls, attempt)
				if calls <= tt.failCount {
					return tt.failWith
				}
				return nil
			})

			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRetryWithConfig_GiveUpMessage(t *testing.T) {
	t.Parallel()

	cfg := &RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, BackoffMultiplier: 2}
	err := RetryWithConfig(context.Background(), cfg, func(int) error {
		return NewTransportReadError("Read", "COM7")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 2 attempts")
}

func TestRetryWithConfig_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := RetryWithConfig(ctx, &RetryConfig{MaxAttempts: 3, InitialBackoff: time.Second}, func(int) error {
		calls++
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestRetryWithConfig_CancelDuringBackoffReturnsLastError(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	transient := NewTransportReadError("Read", "COM7")
	start := time.Now()
	err := RetryWithConfig(ctx, &RetryConfig{MaxAttempts: 3, InitialBackoff: time.Minute, BackoffMultiplier: 2},
		func(int) error { return transient })
	require.ErrorIs(t, err, ErrTransportRead)
	assert.Less(t, time.Since(start), time.Second)
}
