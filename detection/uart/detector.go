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


// Package uart detects reader boards on USB serial ports. Importing it
// registers the detector with the detection package.
package uart

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"

	bridge "github.com/drewvending/serialbridge"
	"github.com/drewvending/serialbridge/detection"
	"github.com/drewvending/serialbridge/transport/uart"
)

const probeReadTimeout = 100 * time.Millisecond

// Evidence values recorded in DeviceInfo.Metadata["evidence"].
const (
	EvidenceReady    = "ready"
	EvidenceCard     = "card"
	EvidenceDispense = "dispense"
	EvidenceBanner   = "banner"
)

var (
	listPorts = enumerator.GetDetailedPortsList
	openPort  = func(path string, baudRate int) (bridge.Transport, error) {
		t, err := uart.New(path, baudRate)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
)

type detector struct{}

// New creates a new UART detector
func New() detection.Detector {
	return &detector{}
}

func init() {
	detection.RegisterDetector(New())
}

// Transport returns the transport type
func (*detector) Transport() string {
	return "uart"
}

// Detect lists serial ports, drops blocked and ignored ones and grades the
// rest. In Listen mode every remaining port is opened once and listened to.
func (d *detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	var devices []detection.DeviceInfo
	for _, port := range ports {
		if ctx.Err() != nil {
			break
		}
		if device, ok := d.processPort(ctx, port, opts); ok {
			devices = append(devices, device)
		}
	}

	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}

func (*detector) processPort(ctx context.Context, port *enumerator.PortDetails,
	opts *detection.Options,
) (detection.DeviceInfo, bool) {
	if port == nil || port.Name == "" {
		return detection.DeviceInfo{}, false
	}
	vidpid := ""
	if port.IsUSB {
		vidpid = detection.FormatVIDPID(port.VID, port.PID)
	}
	if detection.IsBlocked(vidpid, opts.Blocklist) || detection.IsPathIgnored(port.Name, opts.IgnorePaths) {
		return detection.DeviceInfo{}, false
	}

	device := newDeviceInfo(port, vidpid)
	chip, known := detection.KnownBoard(vidpid)
	if known {
		device.Confidence = detection.Medium
		device.Metadata["chip"] = chip
		device.Name = chip + " on " + port.Name
	}

	if opts.Mode == detection.Passive {
		// Without probing, only USB ports are worth reporting.
		return device, port.IsUSB
	}

	if evidence, ok := probePort(ctx, port.Name, opts); ok {
		device.Confidence = detection.High
		device.Metadata["evidence"] = evidence
		return device, true
	}
	// The firmware is quiet until a card is tapped, so a silent known board
	// is still a candidate.
	return device, known
}

func newDeviceInfo(port *enumerator.PortDetails, vidpid string) detection.DeviceInfo {
	device := detection.DeviceInfo{
		Transport:  "uart",
		Path:       port.Name,
		Name:       port.Name,
		Confidence: detection.Low,
		Metadata:   make(map[string]string),
	}
	if vidpid != "" {
		device.Metadata["vidpid"] = vidpid
	}
	if port.Product != "" {
		device.Metadata["product"] = port.Product
	}
	if port.SerialNumber != "" {
		device.Metadata["serial"] = port.SerialNumber
	}
	return device
}

// probePort opens path once; a port that fails to open is simply skipped.
func probePort(ctx context.Context, path string, opts *detection.Options) (string, bool) {
	t, err := openPort(path, opts.BaudRate)
	if err != nil {
		bridge.Debugf("detection: skipping %s: %v", path, err)
		return "", false
	}
	defer func() { _ = t.Close() }()

	timeout := opts.ProbeTimeout
	if timeout <= 0 {
		timeout = detection.DefaultOptions().ProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return listen(probeCtx, t)
}

// listen reads from t until it sees firmware output or ctx ends. It never
// writes to the port.
func listen(ctx context.Context, t bridge.Transport) (string, bool) {
	if err := t.SetTimeout(probeReadTimeout); err != nil {
		bridge.Debugf("detection: set timeout on %s: %v", t.Port(), err)
	}

	parser := bridge.NewLineParser(0)
	buf := make([]byte, 256)
	for ctx.Err() == nil {
		n, err := t.Read(buf)
		if err != nil {
			return "", false
		}
		if n == 0 {
			continue
		}
		for _, ev := range parser.Feed(buf[:n], time.Now()) {
			if evidence := classify(ev); evidence != "" {
				return evidence, true
			}
		}
	}
	return "", false
}

func classify(ev bridge.SerialEvent) string {
	switch e := ev.(type) {
	case bridge.SystemReady:
		return EvidenceReady
	case bridge.CardScanned:
		return EvidenceCard
	case bridge.DispenseStarted, bridge.DispenseCompleted:
		return EvidenceDispense
	case bridge.Unrecognized:
		if strings.Contains(strings.ToUpper(e.RawLine), "RFID READER") {
			return EvidenceBanner
		}
	}
	return ""
}
