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


// Package detection finds the serial port the reader firmware is attached to.
//
// Detectors register themselves on import (see detection/uart) and DetectAll
// runs every registered detector in parallel, merging their candidates.
package detection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Mode represents how invasive detection is allowed to be.
type Mode int

const (
	// Passive only inspects USB descriptors; ports are never opened.
	Passive Mode = iota
	// Listen opens each candidate port and waits for firmware output without
	// writing to it. Opening an ESP32 over USB usually resets the board, which
	// makes it print its boot banner.
	Listen
)

// Confidence represents how sure a detector is about a candidate.
type Confidence int

const (
	// Low: an unrecognized serial port.
	Low Confidence = iota
	// Medium: a USB bridge chip used by the reader boards.
	Medium
	// High: the port produced firmware output.
	High
)

func (c Confidence) String() string {
	switch c {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return "unknown"
	}
}

// DeviceInfo is one candidate port.
type DeviceInfo struct {
	// Metadata such as "vidpid", "chip", "product", "serial" and "evidence".
	Metadata map[string]string
	// Transport type, "uart" for every current detector.
	Transport string
	// Path is the port name passed to the serial opener, e.g. /dev/ttyUSB0 or COM7.
	Path string
	// Name is a human-readable label.
	Name       string
	Confidence Confidence
}

// String returns a human-readable representation of the device
func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s device at %s (confidence: %s)", d.Transport, d.Path, d.Confidence)
}

// Options configures the detection behavior
type Options struct {
	// USB VID:PID pairs to skip (e.g., ["1234:5678"])
	Blocklist []string
	// Port paths to ignore (e.g., ["/dev/ttyUSB0", "COM2"])
	IgnorePaths []string
	// Which transports to check (empty = all)
	Transports []string
	// BaudRate used when a detector opens a port.
	BaudRate int
	// ProbeTimeout bounds how long a single port is listened to.
	ProbeTimeout time.Duration
	// CacheTTL is how long results are reused when EnableCache is set.
	CacheTTL time.Duration
	// Timeout bounds the whole detection run.
	Timeout     time.Duration
	Mode        Mode
	EnableCache bool
}

// DefaultOptions listens on candidate ports for up to three seconds each.
func DefaultOptions() Options {
	return Options{
		Mode:         Listen,
		BaudRate:     9600,
		ProbeTimeout: 3 * time.Second,
		Timeout:      15 * time.Second,
		Blocklist:    DefaultBlocklist(),
		EnableCache:  true,
		CacheTTL:     30 * time.Second,
	}
}

// Detector interface for transport-specific device detection
type Detector interface {
	// Detect searches for devices using the given options
	Detect(ctx context.Context, opts *Options) ([]DeviceInfo, error)
	// Transport returns the transport type this detector handles
	Transport() string
}

var (
	// ErrNoDevicesFound indicates no candidate port was found.
	ErrNoDevicesFound = errors.New("no reader board found")
	// ErrDetectionTimeout indicates detection timed out
	ErrDetectionTimeout = errors.New("detection timeout")
)

var registry []Detector

// RegisterDetector adds a detector to the registry
func RegisterDetector(d Detector) {
	registry = append(registry, d)
}

func getDetectors(transports []string) []Detector {
	if len(transports) == 0 {
		return registry
	}

	var filtered []Detector
	for _, d := range registry {
		for _, t := range transports {
			if d.Transport() == t {
				filtered = append(filtered, d)
				break
			}
		}
	}
	return filtered
}

type detectionResult struct {
	err     error
	devices []DeviceInfo
}

// DetectAll runs every registered detector and returns the candidates sorted
// by confidence, best first.
func DetectAll(ctx context.Context, opts *Options) ([]DeviceInfo, error) {
	if opts == nil {
		defaults := DefaultOptions()
		opts = &defaults
	}
	return detectWith(ctx, getDetectors(opts.Transports), opts)
}

func detectWith(ctx context.Context, detectors []Detector, opts *Options) ([]DeviceInfo, error) {
	if len(detectors) == 0 {
		return nil, errors.New("no detectors available for specified transports")
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	results := make(chan detectionResult, len(detectors))
	for _, d := range detectors {
		go func() {
			results <- runSingleDetector(ctx, d, opts)
		}()
	}

	var devices []DeviceInfo
	var errs []error
	for range detectors {
		select {
		case res := <-results:
			if res.err != nil {
				errs = append(errs, res.err)
				continue
			}
			devices = append(devices, res.devices...)
		case <-ctx.Done():
			return nil, ErrDetectionTimeout
		}
	}

	if len(devices) == 0 {
		if ctx.Err() != nil {
			return nil, ErrDetectionTimeout
		}
		if len(errs) > 0 {
			return nil, errs[0]
		}
		return nil, ErrNoDevicesFound
	}
	sortByConfidence(devices)
	return devices, nil
}

func runSingleDetector(ctx context.Context, detector Detector, opts *Options) detectionResult {
	if opts.EnableCache {
		if cached, found := results.get(detector.Transport(), opts.CacheTTL); found {
			// Cached entries predate the caller's filters.
			return detectionResult{devices: filterDevices(cached, opts)}
		}
	}

	devices, err := detector.Detect(ctx, opts)
	if err != nil && !errors.Is(err, ErrNoDevicesFound) {
		return detectionResult{err: err}
	}

	if opts.EnableCache {
		if len(devices) > 0 {
			results.set(detector.Transport(), devices)
		} else {
			// A board that was unplugged must not linger until the TTL expires.
			results.drop(detector.Transport())
		}
	}
	return detectionResult{devices: devices}
}

// Best returns the highest-confidence candidate. Ties keep detector order.
func Best(devices []DeviceInfo) (DeviceInfo, bool) {
	if len(devices) == 0 {
		return DeviceInfo{}, false
	}
	best := devices[0]
	for _, d := range devices[1:] {
		if d.Confidence > best.Confidence {
			best = d
		}
	}
	return best, true
}

func sortByConfidence(devices []DeviceInfo) {
	sort.SliceStable(devices, func(i, j int) bool {
		return devices[i].Confidence > devices[j].Confidence
	})
}

// filterDevices applies IgnorePaths and Blocklist filtering to a device list.
func filterDevices(devices []DeviceInfo, opts *Options) []DeviceInfo {
	if len(opts.IgnorePaths) == 0 && len(opts.Blocklist) == 0 {
		return devices
	}

	var filtered []DeviceInfo
	for _, device := range devices {
		if IsPathIgnored(device.Path, opts.IgnorePaths) {
			continue
		}
		if vidpid, ok := device.Metadata["vidpid"]; ok && IsBlocked(vidpid, opts.Blocklist) {
			continue
		}
		filtered = append(filtered, device)
	}
	return filtered
}

// ClearDetectionCache removes all cached detection results
func ClearDetectionCache() {
	results.clear()
}
