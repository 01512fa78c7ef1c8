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


package detection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDetector struct {
	err       error
	transport string
	devices   []DeviceInfo
	calls     int
}

func (s *stubDetector) Detect(context.Context, *Options) ([]DeviceInfo, error) {
	s.calls++
	return s.devices, s.err
}

func (s *stubDetector) Transport() string { return s.transport }

type blockingDetector struct{}

func (*blockingDetector) Detect(ctx context.Context, _ *Options) ([]DeviceInfo, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (*blockingDetector) Transport() string { return "blocking" }

func noCache() *Options {
	opts := DefaultOptions()
	opts.EnableCache = false
	opts.Timeout = time.Second
	return &opts
}

func TestDeviceInfo_String(t *testing.T) {
	t.Parallel()

	d := DeviceInfo{Transport: "uart", Path: "/dev/ttyUSB0", Confidence: High}
	assert.Equal(t, "uart device at /dev/ttyUSB0 (confidence: high)", d.String())
	assert.Equal(t, "unknown", Confidence(9).String())
}

func TestDefaultOptions(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	assert.Equal(t, Listen, opts.Mode)
	assert.Equal(t, 9600, opts.BaudRate)
	assert.Positive(t, opts.ProbeTimeout)
	assert.True(t, opts.EnableCache)
	assert.NotEmpty(t, opts.Blocklist)
}

func TestDetectWith_SortsByConfidence(t *testing.T) {
	t.Parallel()

	a := &stubDetector{transport: "uart", devices: []DeviceInfo{
		{Path: "/dev/ttyS0", Confidence: Low},
		{Path: "/dev/ttyUSB0", Confidence: High},
	}}
	b := &stubDetector{transport: "other", devices: []DeviceInfo{{Path: "/dev/ttyACM0", Confidence: Medium}}}

	devices, err := detectWith(context.Background(), []Detector{a, b}, noCache())
	require.NoError(t, err)
	require.Len(t, devices, 3)
	assert.Equal(t, "/dev/ttyUSB0", devices[0].Path)
	assert.Equal(t, "/dev/ttyACM0", devices[1].Path)
	assert.Equal(t, "/dev/ttyS0", devices[2].Path)
}

func TestDetectWith_Errors(t *testing.T) {
	t.Parallel()

	boom := errors.New("enumerate failed")
	tests := []struct {
		want      error
		name      string
		detectors []Detector
	}{
		{name: "no detectors", detectors: nil},
		{name: "nothing found", detectors: []Detector{&stubDetector{err: ErrNoDevicesFound}}, want: ErrNoDevicesFound},
		{name: "detector error", detectors: []Detector{&stubDetector{err: boom}}, want: boom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := detectWith(context.Background(), tt.detectors, noCache())
			require.Error(t, err)
			if tt.want != nil {
				require.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestDetectWith_PartialFailureStillReturnsDevices(t *testing.T) {
	t.Parallel()

	good := &stubDetector{transport: "uart", devices: []DeviceInfo{{Path: "COM7"}}}
	bad := &stubDetector{transport: "other", err: errors.New("boom")}

	devices, err := detectWith(context.Background(), []Detector{good, bad}, noCache())
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestDetectWith_Timeout(t *testing.T) {
	t.Parallel()

	opts := noCache()
	opts.Timeout = 10 * time.Millisecond

	_, err := detectWith(context.Background(), []Detector{&blockingDetector{}}, opts)
	require.ErrorIs(t, err, ErrDetectionTimeout)
}

func TestDetectAll_NoMatchingTransport(t *testing.T) {
	t.Parallel()

	opts := noCache()
	opts.Transports = []string{"nonexistent"}
	_, err := DetectAll(context.Background(), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no detectors available")
}

func TestBest(t *testing.T) {
	t.Parallel()

	_, ok := Best(nil)
	assert.False(t, ok)

	best, ok := Best([]DeviceInfo{
		{Path: "a", Confidence: Medium},
		{Path: "b", Confidence: High},
		{Path: "c", Confidence: High},
	})
	require.True(t, ok)
	assert.Equal(t, "b", best.Path)
}

func TestResultCache(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	c := newResultCache(func() time.Time { return now })

	_, ok := c.get("uart", time.Minute)
	assert.False(t, ok)

	devices := []DeviceInfo{{Path: "/dev/ttyUSB0"}}
	c.set("uart", devices)
	devices[0].Path = "mutated"

	got, ok := c.get("uart", time.Minute)
	require.True(t, ok)
	assert.Equal(t, "/dev/ttyUSB0", got[0].Path)

	now = now.Add(2 * time.Minute)
	_, ok = c.get("uart", time.Minute)
	assert.False(t, ok, "expired entries are ignored")

	c.set("uart", got)
	c.drop("uart")
	_, ok = c.get("uart", time.Minute)
	assert.False(t, ok)

	c.set("uart", got)
	c.clear()
	_, ok = c.get("uart", time.Minute)
	assert.False(t, ok)
}

func TestFilterDevices(t *testing.T) {
	t.Parallel()

	devices := []DeviceInfo{
		{Path: "/dev/ttyUSB0", Metadata: map[string]string{"vidpid": "10C4:EA60"}},
		{Path: "/dev/ttyUSB1", Metadata: map[string]string{"vidpid": "1366:0105"}},
		{Path: "COM7"},
	}
	opts := &Options{Blocklist: DefaultBlocklist(), IgnorePaths: []string{"com7"}}

	filtered := filterDevices(devices, opts)
	require.Len(t, filtered, 1)
	assert.Equal(t, "/dev/ttyUSB0", filtered[0].Path)
}

func TestIsBlocked(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		vidpid    string
		blocklist []string
		want      bool
	}{
		{name: "match", vidpid: "1366:0105", blocklist: []string{"1366:0105"}, want: true},
		{name: "case insensitive", vidpid: "abcd:ef01", blocklist: []string{"ABCD:EF01"}, want: true},
		{name: "whitespace", vidpid: " 1234:5678 ", blocklist: []string{"1234:5678"}, want: true},
		{name: "no match", vidpid: "10C4:EA60", blocklist: []string{"1366:0105"}, want: false},
		{name: "empty vidpid", vidpid: "", blocklist: []string{""}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsBlocked(tt.vidpid, tt.blocklist))
		})
	}
}

func TestFormatVIDPID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name, vid, pid, want string
	}{
		{name: "lower case", vid: "10c4", pid: "ea60", want: "10C4:EA60"},
		{name: "missing pid", vid: "10C4", pid: "", want: ""},
		{name: "not hex", vid: "zz", pid: "0001", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, FormatVIDPID(tt.vid, tt.pid))
		})
	}
}

func TestKnownBoard(t *testing.T) {
	t.Parallel()

	chip, ok := KnownBoard("1a86:7523")
	require.True(t, ok)
	assert.Equal(t, "CH340", chip)

	_, ok = KnownBoard("AAAA:BBBB")
	assert.False(t, ok)
}

func TestIsPathIgnored(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		path   string
		ignore []string
		want   bool
	}{
		{name: "exact", path: "/dev/ttyUSB0", ignore: []string{"/dev/ttyUSB0"}, want: true},
		{name: "windows case", path: "COM7", ignore: []string{"com7"}, want: true},
		{name: "unclean path", path: "/dev/../dev/ttyUSB0", ignore: []string{"/dev/ttyUSB0"}, want: true},
		{name: "other port", path: "/dev/ttyUSB1", ignore: []string{"/dev/ttyUSB0"}, want: false},
		{name: "empty entries", path: "/dev/ttyUSB0", ignore: []string{""}, want: false},
		{name: "empty path", path: "", ignore: []string{""}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsPathIgnored(tt.path, tt.ignore))
		})
	}
}
