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

// Package uart implements the serial transport to the reader/motor firmware
// using go.bug.st/serial.
package uart

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"go.bug.st/serial"

	bridge "github.com/drewvending/serialbridge"
	"github.com/drewvending/serialbridge/internal/syncutil"
)

// openPort is the serial open function, replaced in tests.
var openPort = serial.Open

// Transport is a line-oriented serial link to the firmware (8N1).
type Transport struct {
	port     serial.Port
	portName string
	mu       syncutil.Mutex
	closed   bool
}

// New opens portName at baudRate, 8 data bits, no parity, one stop bit.
func New(portName string, baudRate int) (*Transport, error) {
	if baudRate <= 0 {
		baudRate = bridge.DefaultBaudRate
	}

	port, err := openPort(portName, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, classifyOpenError(portName, err)
	}

	if err := port.SetReadTimeout(bridge.SerialReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set UART read timeout: %w", err)
	}

	// Discard whatever the firmware printed before we were listening.
	if err := port.ResetInputBuffer(); err != nil {
		bridge.Debugf("UART %s: reset input buffer failed: %v", portName, err)
	}

	return &Transport{
		port:     port,
		portName: portName,
	}, nil
}

// Opener returns a bridge.Opener that opens portName on every call.
func Opener(portName string, baudRate int) bridge.Opener {
	return func(ctx context.Context) (bridge.Transport, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := New(portName, baudRate)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

// classifyOpenError marks a missing or busy port as retryable so the reader
// keeps trying while the adapter is plugged back in.
func classifyOpenError(portName string, err error) error {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound:
			return bridge.NewTransportError("open", portName,
				fmt.Errorf("%w: %w", bridge.ErrPortNotFound, err), bridge.ErrorTypeTransient)
		case serial.PortBusy, serial.PermissionDenied:
			return bridge.NewTransportError("open", portName, err, bridge.ErrorTypeTransient)
		case serial.InvalidSerialPort:
			return bridge.NewTransportError("open", portName, err, bridge.ErrorTypePermanent)
		}
	}
	if errors.Is(err, os.ErrNotExist) {
		return bridge.NewTransportError("open", portName,
			fmt.Errorf("%w: %w", bridge.ErrPortNotFound, err), bridge.ErrorTypeTransient)
	}
	return bridge.NewTransportError("open", portName, err, bridge.ErrorTypeTransient)
}

// Read reads available bytes; it returns 0, nil when the read timeout expires.
func (t *Transport) Read(buf []byte) (int, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return 0, bridge.NewTransportClosedError("Read", t.portName)
	}

	n, err := t.port.Read(buf)
	if err == nil {
		return n, nil
	}
	if isInterruptedSystemCall(err) {
		return n, bridge.NewTransportError("Read", t.portName, err, bridge.ErrorTypeTransient)
	}
	// Anything else on a USB serial port means the adapter went away.
	return n, bridge.NewTransportError("Read", t.portName,
		fmt.Errorf("%w: %w", bridge.ErrConnectionLost, err), bridge.ErrorTypePermanent)
}

// Write writes data and waits for it to leave the UART.
func (t *Transport) Write(data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, bridge.NewTransportClosedError("Write", t.portName)
	}

	n, err := t.port.Write(data)
	if err != nil {
		return n, bridge.NewTransportError("Write", t.portName,
			fmt.Errorf("%w: %w", bridge.ErrTransportWrite, err), bridge.ErrorTypePermanent)
	}
	if n != len(data) {
		return n, bridge.NewTransportWriteError("Write", t.portName)
	}

	if err := t.drainWithRetry("Write"); err != nil {
		return n, bridge.NewTransportError("Write", t.portName, err, bridge.ErrorTypeTransient)
	}
	windowsPostWriteDelay()
	return n, nil
}

// SetTimeout sets the per-read timeout.
func (t *Transport) SetTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.port.SetReadTimeout(timeout); err != nil {
		return fmt.Errorf("UART set timeout failed: %w", err)
	}
	return nil
}

// Close closes the transport connection
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.port == nil {
		t.closed = true
		return nil
	}
	t.closed = true
	if err := t.port.Close(); err != nil {
		return fmt.Errorf("UART close failed: %w", err)
	}
	return nil
}

// IsConnected returns true if the transport is connected
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil && !t.closed
}

// Type returns the transport type
func (*Transport) Type() bridge.TransportType {
	return bridge.TransportUART
}

// Port returns the device path.
func (t *Transport) Port() string {
	return t.portName
}

// windowsPostWriteDelay gives the Windows USB serial driver time to flush.
func windowsPostWriteDelay() {
	if runtime.GOOS == "windows" {
		time.Sleep(15 * time.Millisecond)
	}
}

// isInterruptedSystemCall checks if an error is caused by an interrupted system call
func isInterruptedSystemCall(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "interrupted system call") ||
		strings.Contains(errStr, "eintr")
}

// drainWithRetry performs port drain with retry logic for interrupted system calls
func (t *Transport) drainWithRetry(operation string) error {
	const maxRetries = 3
	baseDelay := 2 * time.Millisecond

	for attempt := range maxRetries {
		err := t.port.Drain()
		if err == nil {
			return nil
		}
		if !isInterruptedSystemCall(err) || attempt == maxRetries-1 {
			return fmt.Errorf("UART %s drain failed: %w", operation, err)
		}
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return fmt.Errorf("UART %s drain failed after %d retries", operation, maxRetries)
}

var _ bridge.Transport = (*Transport)(nil)
