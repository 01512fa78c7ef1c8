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


package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bridge "github.com/drewvending/serialbridge"
	"github.com/drewvending/serialbridge/dispense"
	virtual "github.com/drewvending/serialbridge/internal/testing"
)

func testConfig(t *testing.T) *bridge.Config {
	t.Helper()
	cfg := bridge.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.DrainInterval = 10 * time.Millisecond
	cfg.DispenseTimeout = bridge.MinDispenseTimeout
	cfg.Retry = &bridge.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	return cfg
}

func firmwareOpener(fw *virtual.VirtualFirmware) bridge.Opener {
	return func(context.Context) (bridge.Transport, error) {
		return bridge.NewStreamTransport(fw, "virtual0"), nil
	}
}

func startService(t *testing.T, cfg *bridge.Config, opts ...Option) *Service {
	t.Helper()
	svc, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return svc
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := bridge.DefaultConfig()
	cfg.DataDir = ""
	_, err := New(cfg)
	require.ErrorIs(t, err, bridge.ErrInvalidParameter)
}

func TestService_SimulateScanThenLastCard(t *testing.T) {
	t.Parallel()

	svc := startService(t, testConfig(t))

	scan, delivered, err := svc.SimulateScan("23DF3F2A")
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.True(t, scan.Simulated)

	rec, err := svc.LatestScan(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "23DF3F2A", rec.CardUID)
	assert.Equal(t, "23:DF:3F:2A", rec.FormattedUID)
	assert.True(t, rec.Simulated)
	assert.False(t, rec.Processed)

	last := svc.LastScan()
	require.NotNil(t, last)
	assert.Equal(t, "23DF3F2A", last.UID)
}

func TestService_SimulateScanDebounced(t *testing.T) {
	t.Parallel()

	svc := startService(t, testConfig(t))

	_, delivered, err := svc.SimulateScan("AABBCCDD")
	require.NoError(t, err)
	require.True(t, delivered)

	_, delivered, err = svc.SimulateScan("aa:bb:cc:dd")
	require.NoError(t, err)
	assert.False(t, delivered, "same card within the debounce window")
}

func TestService_SimulateScanInvalid(t *testing.T) {
	t.Parallel()

	svc := startService(t, testConfig(t))

	tests := []struct {
		name string
		uid  string
	}{
		{name: "empty", uid: ""},
		{name: "not hex", uid: "XYZ"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.SimulateScan(tt.uid)
			require.ErrorIs(t, err, bridge.ErrInvalidUID)
		})
	}
}

func TestService_ConsumeOnce(t *testing.T) {
	t.Parallel()

	svc := startService(t, testConfig(t))
	_, _, err := svc.SimulateScan("01020304")
	require.NoError(t, err)

	rec, err := svc.ConsumeScan(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Processed)

	again, err := svc.ConsumeScan(context.Background())
	require.NoError(t, err)
	assert.Nil(t, again)

	latest, err := svc.LatestScan(context.Background())
	require.NoError(t, err)
	require.NotNil(t, latest, "most recent scan is still reported")
	assert.True(t, latest.Processed)
}

func TestService_ClearScan(t *testing.T) {
	t.Parallel()

	svc := startService(t, testConfig(t))
	_, _, err := svc.SimulateScan("01020304")
	require.NoError(t, err)

	cleared, err := svc.ClearScan(context.Background())
	require.NoError(t, err)
	assert.True(t, cleared)

	latest, err := svc.LatestScan(context.Background())
	require.NoError(t, err)
	assert.Nil(t, latest)
	assert.Nil(t, svc.LastScan())
}

func TestService_DegradedWithoutPort(t *testing.T) {
	t.Parallel()

	svc := startService(t, testConfig(t))

	require.Eventually(t, func() bool {
		return svc.Status().Degraded
	}, time.Second, 10*time.Millisecond)

	st := svc.Status()
	assert.Equal(t, "disconnected", st.Status)
	assert.False(t, st.Connected)
	assert.True(t, st.Running)
	assert.Nil(t, st.ConnectedAt)
}

func TestService_FirmwareScanAndDispense(t *testing.T) {
	t.Parallel()

	fw := virtual.NewVirtualFirmware()
	cfg := testConfig(t)
	cfg.Port = "virtual0"
	svc := startService(t, cfg, WithOpener(firmwareOpener(fw)))

	require.Eventually(t, func() bool {
		return svc.Status().Connected
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "connected", svc.Status().Status)
	assert.Equal(t, "virtual0", svc.Status().Port)

	fw.Boot()
	fw.HoldCard("04a1b2c3", 5)
	require.Eventually(t, func() bool {
		last := svc.LastScan()
		return last != nil && last.UID == "04A1B2C3"
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, svc.LastScan().Simulated)

	id, err := svc.EnqueueDispense("Pads")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return svc.Status().Dispense.Succeeded == 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"DISPENSE:pad"}, fw.Commands())
	assert.Equal(t, int64(1), svc.Status().Reader.ScansDelivered, "held card delivered once")
	assert.FileExists(t, filepath.Join(cfg.DataDir, dispense.DirName, dispense.DoneDirName,
		findDone(t, cfg.DataDir, id)))
}

func findDone(t *testing.T, dataDir, id string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dataDir, dispense.DirName, dispense.DoneDirName, "*_"+id+".json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	return filepath.Base(matches[0])
}

func TestService_DispenseTimesOutWhenFirmwareSilent(t *testing.T) {
	t.Parallel()

	fw := virtual.NewVirtualFirmware()
	fw.SetSilent(true)
	cfg := testConfig(t)
	cfg.Port = "virtual0"
	svc := startService(t, cfg, WithOpener(firmwareOpener(fw)))

	require.Eventually(t, func() bool {
		return svc.Status().Connected
	}, 2*time.Second, 10*time.Millisecond)

	_, err := svc.EnqueueDispense("tampon")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return svc.Status().Dispense.Failed == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestService_EnqueueDispenseInvalid(t *testing.T) {
	t.Parallel()

	svc := startService(t, testConfig(t))
	_, err := svc.EnqueueDispense("soap")
	require.ErrorIs(t, err, bridge.ErrInvalidProductType)
}

func TestService_AuditTrail(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.AuditDBPath = filepath.Join(t.TempDir(), "audit.db")
	svc := startService(t, cfg)
	require.NotNil(t, svc.Audit())

	_, _, err := svc.SimulateScan("23DF3F2A")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		scans, qerr := svc.Audit().RecentScans(context.Background(), 10)
		return qerr == nil && len(scans) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestService_Lifecycle(t *testing.T) {
	t.Parallel()

	svc, err := New(testConfig(t))
	require.NoError(t, err)

	_, _, err = svc.SimulateScan("01")
	require.ErrorIs(t, err, bridge.ErrServiceStopped, "not started yet")

	require.NoError(t, svc.Start(context.Background()))
	require.ErrorIs(t, svc.Start(context.Background()), bridge.ErrServiceStarted)
	assert.True(t, svc.Running())

	require.NoError(t, svc.Stop(context.Background()))
	require.NoError(t, svc.Stop(context.Background()))
	assert.False(t, svc.Running())
	require.ErrorIs(t, svc.Start(context.Background()), bridge.ErrServiceStopped)
}
