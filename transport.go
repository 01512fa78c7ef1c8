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
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Transport is a byte-level link to the reader/motor firmware.
// The serial reader goroutine is the only caller of Read; Write may be
// called from the dispense controller concurrently with Read.
type Transport interface {
	// Read reads available bytes. On read timeout it returns 0, nil.
	Read(buf []byte) (int, error)

	// Write writes a complete command and flushes it to the device.
	Write(data []byte) (int, error)

	// Close closes the transport connection
	Close() error

	// SetTimeout sets the read timeout for the transport
	SetTimeout(timeout time.Duration) error

	// IsConnected returns true if the transport is connected
	IsConnected() bool

	// Type returns the transport type
	Type() TransportType

	// Port returns the device path or a descriptive name
	Port() string
}

// TransportType represents the type of transport
type TransportType string

const (
	// TransportUART represents a USB serial link.
	TransportUART TransportType = "uart"
	// TransportVirtual represents the in-process firmware simulator.
	TransportVirtual TransportType = "virtual"
	// TransportMock represents a mock transport for testing
	TransportMock TransportType = "mock"
)

// Opener opens a fresh Transport. The reader calls it on startup and after
// every connection loss.
type Opener func(ctx context.Context) (Transport, error)

// WriteLine writes line followed by a newline.
func WriteLine(t Transport, line string) error {
	data := []byte(line + "\n")
	n, err := t.Write(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return NewTransportError("WriteLine", t.Port(),
			fmt.Errorf("%w: short write %d/%d", ErrTransportWrite, n, len(data)), ErrorTypeTransient)
	}
	return nil
}

// MockTransport is an in-memory Transport. Inbound lines are queued with
// Inject or scripted per command with SetResponse.
type MockTransport struct {
	responses map[string][]string
	calls     map[string]int
	writeErr  error
	closed    chan struct{}
	pending   []byte
	written   []string
	inbound   chan []byte
	delay     time.Duration
	timeout   time.Duration
	port      string
	mu        sync.Mutex
	connected bool
}

// NewMockTransport creates a connected mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		responses: make(map[string][]string),
		calls:     make(map[string]int),
		closed:    make(chan struct{}),
		inbound:   make(chan []byte, 256),
		timeout:   SerialReadTimeout,
		port:      "mock0",
		connected: true,
	}
}

// Read implements Transport.
func (m *MockTransport) Read(buf []byte) (int, error) {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return 0, NewTransportClosedError("Read", m.port)
	}
	if len(m.pending) > 0 {
		n := copy(buf, m.pending)
		m.pending = m.pending[n:]
		m.mu.Unlock()
		return n, nil
	}
	timeout := m.timeout
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data := <-m.inbound:
		m.mu.Lock()
		defer m.mu.Unlock()
		n := copy(buf, data)
		m.pending = append(m.pending, data[n:]...)
		return n, nil
	case <-m.closed:
		return 0, NewTransportClosedError("Read", m.port)
	case <-timer.C:
		return 0, nil
	}
}

// Write implements Transport. Each newline-terminated command is recorded
// and answered with its scripted response, if any.
func (m *MockTransport) Write(data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, NewTransportClosedError("Write", m.port)
	}
	if m.writeErr != nil {
		return 0, m.writeErr
	}

	for _, cmd := range strings.Split(strings.TrimRight(string(data), "\r\n"), "\n") {
		cmd = strings.TrimSpace(cmd)
		m.written = append(m.written, cmd)
		m.calls[cmd]++
		if lines, ok := m.responses[cmd]; ok {
			m.scheduleLocked(lines)
		}
	}
	return len(data), nil
}

func (m *MockTransport) scheduleLocked(lines []string) {
	payload := []byte(strings.Join(lines, "\n") + "\n")
	if m.delay <= 0 {
		m.enqueue(payload)
		return
	}
	time.AfterFunc(m.delay, func() { m.enqueue(payload) })
}

func (m *MockTransport) enqueue(payload []byte) {
	select {
	case m.inbound <- payload:
	case <-m.closed:
	}
}

// Inject queues raw lines as if the firmware had printed them.
func (m *MockTransport) Inject(lines ...string) {
	m.enqueue([]byte(strings.Join(lines, "\n") + "\n"))
}

// InjectRaw queues bytes without adding line terminators.
func (m *MockTransport) InjectRaw(data []byte) {
	m.enqueue(append([]byte(nil), data...))
}

// Close implements Transport.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		m.connected = false
		close(m.closed)
	}
	return nil
}

// Disconnect simulates the adapter being unplugged.
func (m *MockTransport) Disconnect() {
	_ = m.Close()
}

// SetTimeout implements Transport.
func (m *MockTransport) SetTimeout(timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = timeout
	return nil
}

// IsConnected implements Transport.
func (m *MockTransport) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Type implements Transport.
func (*MockTransport) Type() TransportType {
	return TransportMock
}

// Port implements Transport.
func (m *MockTransport) Port() string {
	return m.port
}

// SetResponse scripts the lines sent back when command is written.
func (m *MockTransport) SetResponse(command string, lines ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[command] = lines
}

// SetError makes every Write fail with err. Nil clears it.
func (m *MockTransport) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// SetDelay delays scripted responses.
func (m *MockTransport) SetDelay(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = delay
}

// GetCallCount returns how many times command was written.
func (m *MockTransport) GetCallCount(command string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[command]
}

// Written returns every command written so far.
func (m *MockTransport) Written() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.written))
	copy(out, m.written)
	return out
}

// Reset clears scripted responses, errors and recorded writes.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = make(map[string][]string)
	m.calls = make(map[string]int)
	m.written = nil
	m.writeErr = nil
	m.delay = 0
}
