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

// Package testing provides an in-process stand-in for the reader/motor
// firmware, used by tests and by the bridge's --simulate-firmware mode.
package testing

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrFirmwareClosed is returned by Read and Write after Close.
var ErrFirmwareClosed = errors.New("virtual firmware closed")

// Banner is what the firmware prints on boot before SYSTEM:READY.
var Banner = []string{
	"========================",
	"DREW RFID Reader v2",
	"Ready to scan",
	"========================",
}

// VirtualFirmware emulates the ESP32 sketch on the other end of the serial
// link. The host writes commands with Write and reads the firmware's output
// with Read; a Read with nothing to return waits for the read timeout and
// then returns 0, nil like a real serial port.
type VirtualFirmware struct {
	notify          chan struct{}
	completeProduct string
	out             []byte
	in              []byte
	commands        []string
	dispenseDelay   time.Duration
	readTimeout     time.Duration
	mu              sync.Mutex
	silent          bool
	skipStarted     bool
	closed          bool
}

// NewVirtualFirmware creates a firmware that acknowledges dispense commands
// after a short delay.
func NewVirtualFirmware() *VirtualFirmware {
	return &VirtualFirmware{
		notify:        make(chan struct{}, 1),
		dispenseDelay: 20 * time.Millisecond,
		readTimeout:   50 * time.Millisecond,
	}
}

// Read returns pending firmware output.
func (v *VirtualFirmware) Read(buf []byte) (int, error) {
	deadline := time.NewTimer(v.timeout())
	defer deadline.Stop()

	for {
		v.mu.Lock()
		if v.closed {
			v.mu.Unlock()
			return 0, ErrFirmwareClosed
		}
		if len(v.out) > 0 {
			n := copy(buf, v.out)
			v.out = v.out[n:]
			v.mu.Unlock()
			return n, nil
		}
		v.mu.Unlock()

		select {
		case <-v.notify:
		case <-deadline.C:
			return 0, nil
		}
	}
}

// Write accepts host commands. Complete lines are handled immediately.
func (v *VirtualFirmware) Write(data []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return 0, ErrFirmwareClosed
	}

	v.in = append(v.in, data...)
	for {
		idx := bytes.IndexByte(v.in, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSpace(string(v.in[:idx]))
		v.in = v.in[idx+1:]
		if line != "" {
			v.handleCommandLocked(line)
		}
	}
	return len(data), nil
}

func (v *VirtualFirmware) handleCommandLocked(line string) {
	v.commands = append(v.commands, line)
	if v.silent {
		return
	}

	upper := strings.ToUpper(line)
	if !strings.HasPrefix(upper, "DISPENSE:") {
		v.emitLocked("ERROR:UNKNOWN_COMMAND")
		return
	}

	product := strings.ToLower(strings.TrimSpace(line[len("DISPENSE:"):]))
	if !v.skipStarted {
		v.emitLocked("DISPENSING:" + product)
	}

	completed := product
	if v.completeProduct != "" {
		completed = v.completeProduct
	}
	delay := v.dispenseDelay
	time.AfterFunc(delay, func() {
		v.Emit("COMPLETE:" + completed)
	})
}

func (v *VirtualFirmware) emitLocked(line string) {
	v.out = append(v.out, line...)
	v.out = append(v.out, '\r', '\n')
	select {
	case v.notify <- struct{}{}:
	default:
	}
}

// Emit queues a raw line of firmware output.
func (v *VirtualFirmware) Emit(line string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.emitLocked(line)
}

// EmitRaw queues bytes exactly as given, without a line terminator.
func (v *VirtualFirmware) EmitRaw(data []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.out = append(v.out, data...)
	select {
	case v.notify <- struct{}{}:
	default:
	}
}

// Boot prints the banner followed by SYSTEM:READY.
func (v *VirtualFirmware) Boot() {
	for _, line := range Banner {
		v.Emit(line)
	}
	v.Emit("SYSTEM:READY")
}

// TapCard prints a card line for uid.
func (v *VirtualFirmware) TapCard(uid string) {
	v.Emit(fmt.Sprintf("CARDUID:%s", uid))
}

// HoldCard prints the card line count times, as a tag resting on the reader does.
func (v *VirtualFirmware) HoldCard(uid string, count int) {
	for range count {
		v.TapCard(uid)
	}
}

// SetSilent makes the firmware ignore dispense commands.
func (v *VirtualFirmware) SetSilent(silent bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.silent = silent
}

// SetDispenseDelay sets the time between DISPENSING and COMPLETE.
func (v *VirtualFirmware) SetDispenseDelay(d time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dispenseDelay = d
}

// SetCompleteProduct makes COMPLETE name product regardless of the command.
// Empty restores normal behavior.
func (v *VirtualFirmware) SetCompleteProduct(product string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.completeProduct = product
}

// SetSkipStarted suppresses the DISPENSING line.
func (v *VirtualFirmware) SetSkipStarted(skip bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.skipStarted = skip
}

// SetReadTimeout sets how long Read waits for output.
func (v *VirtualFirmware) SetReadTimeout(d time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.readTimeout = d
}

func (v *VirtualFirmware) timeout() time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.readTimeout
}

// Commands returns every command line received.
func (v *VirtualFirmware) Commands() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, len(v.commands))
	copy(out, v.commands)
	return out
}

// Close makes subsequent Read and Write calls fail, like an unplugged adapter.
func (v *VirtualFirmware) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.closed {
		v.closed = true
		close(v.notify)
	}
	return nil
}
