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
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/drewvending/serialbridge/internal/syncutil"
)

// timeoutSetter is implemented by streams that support read timeouts.
type timeoutSetter interface {
	SetReadTimeout(d time.Duration)
}

// StreamTransport adapts any io.ReadWriter, such as the built-in firmware
// simulator, to Transport. Read is expected to return 0, nil on timeout.
type StreamTransport struct {
	rw     io.ReadWriter
	name   string
	mu     syncutil.Mutex
	closed bool
}

// NewStreamTransport wraps rw. name is reported as the port.
func NewStreamTransport(rw io.ReadWriter, name string) *StreamTransport {
	return &StreamTransport{rw: rw, name: name}
}

// Read implements Transport.
func (s *StreamTransport) Read(buf []byte) (int, error) {
	if !s.IsConnected() {
		return 0, NewTransportClosedError("Read", s.name)
	}
	n, err := s.rw.Read(buf)
	if err != nil {
		return n, s.wrap("Read", err)
	}
	return n, nil
}

// Write implements Transport.
func (s *StreamTransport) Write(data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, NewTransportClosedError("Write", s.name)
	}
	n, err := s.rw.Write(data)
	if err != nil {
		return n, s.wrap("Write", err)
	}
	return n, nil
}

func (s *StreamTransport) wrap(op string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return NewTransportError(op, s.name, fmt.Errorf("%w: %w", ErrConnectionLost, err), ErrorTypePermanent)
	}
	return NewTransportError(op, s.name, err, ErrorTypePermanent)
}

// Close implements Transport. The stream is closed too if it is an io.Closer.
func (s *StreamTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if c, ok := s.rw.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("close %s: %w", s.name, err)
		}
	}
	return nil
}

// SetTimeout implements Transport.
func (s *StreamTransport) SetTimeout(timeout time.Duration) error {
	if ts, ok := s.rw.(timeoutSetter); ok {
		ts.SetReadTimeout(timeout)
	}
	return nil
}

// IsConnected implements Transport.
func (s *StreamTransport) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Type implements Transport.
func (*StreamTransport) Type() TransportType {
	return TransportVirtual
}

// Port implements Transport.
func (s *StreamTransport) Port() string {
	return s.name
}
