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


//nolint:paralleltest // Tests replace the package-level openPort
package uart

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	bridge "github.com/drewvending/serialbridge"
)

// fakePort is an in-memory serial.Port. Methods the transport never calls
// fall through to the nil embedded interface.
type fakePort struct {
	serial.Port
	readErr     error
	drainErr    error
	writeErr    error
	mode        *serial.Mode
	pending     []byte
	written     []byte
	drainCalls  int
	closeCalls  int
	readTimeout time.Duration
}

func (p *fakePort) SetReadTimeout(d time.Duration) error {
	p.readTimeout = d
	return nil
}

func (*fakePort) ResetInputBuffer() error { return nil }

func (p *fakePort) Read(buf []byte) (int, error) {
	if p.readErr != nil {
		return 0, p.readErr
	}
	n := copy(buf, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *fakePort) Write(data []byte) (int, error) {
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.written = append(p.written, data...)
	return len(data), nil
}

func (p *fakePort) Drain() error {
	p.drainCalls++
	if p.drainErr != nil && p.drainCalls == 1 {
		return p.drainErr
	}
	return nil
}

func (p *fakePort) Close() error {
	p.closeCalls++
	return nil
}

// withFakePort makes openPort hand out port for the duration of the test.
func withFakePort(t *testing.T, port *fakePort, openErr error) {
	t.Helper()
	orig := openPort
	openPort = func(_ string, mode *serial.Mode) (serial.Port, error) {
		if openErr != nil {
			return nil, openErr
		}
		port.mode = mode
		return port, nil
	}
	t.Cleanup(func() { openPort = orig })
}

func TestNew_ConfiguresPort(t *testing.T) {
	port := &fakePort{}
	withFakePort(t, port, nil)

	tr, err := New("/dev/ttyUSB0", 0)
	require.NoError(t, err)

	require.NotNil(t, port.mode)
	assert.Equal(t, bridge.DefaultBaudRate, port.mode.BaudRate)
	assert.Equal(t, 8, port.mode.DataBits)
	assert.Equal(t, serial.NoParity, port.mode.Parity)
	assert.Equal(t, serial.OneStopBit, port.mode.StopBits)
	assert.Equal(t, bridge.SerialReadTimeout, port.readTimeout)

	assert.Equal(t, "/dev/ttyUSB0", tr.Port())
	assert.Equal(t, bridge.TransportUART, tr.Type())
	assert.True(t, tr.IsConnected())
}

func TestNew_OpenErrors(t *testing.T) {
	tests := []struct {
		openErr       error
		name          string
		wantNotFound  bool
		wantRetryable bool
	}{
		{
			name:          "missing device node",
			openErr:       fmt.Errorf("open /dev/ttyUSB9: %w", os.ErrNotExist),
			wantNotFound:  true,
			wantRetryable: true,
		},
		{
			name:          "other failure is retried",
			openErr:       errors.New("device busy"),
			wantRetryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withFakePort(t, &fakePort{}, tt.openErr)

			_, err := New("/dev/ttyUSB9", 9600)
			require.Error(t, err)

			var te *bridge.TransportError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, "open", te.Op)
			assert.Equal(t, "/dev/ttyUSB9", te.Port)
			assert.Equal(t, tt.wantNotFound, errors.Is(err, bridge.ErrPortNotFound))
			assert.Equal(t, tt.wantRetryable, bridge.IsRetryable(err))
			assert.False(t, bridge.IsFatal(err))
		})
	}
}

func TestRead(t *testing.T) {
	port := &fakePort{pending: []byte("CARDUID:23DF3F2A\r\n")}
	withFakePort(t, port, nil)

	tr, err := New("/dev/ttyUSB0", 9600)
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := tr.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "CARDUID:23DF3F2A\r\n", string(buf[:n]))

	// Timeout with nothing pending.
	n, err = tr.Read(buf)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRead_Errors(t *testing.T) {
	tests := []struct {
		readErr   error
		name      string
		wantFatal bool
	}{
		{name: "unplugged adapter", readErr: errors.New("read /dev/ttyUSB0: input/output error"), wantFatal: true},
		{name: "interrupted system call", readErr: errors.New("interrupted system call"), wantFatal: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := &fakePort{readErr: tt.readErr}
			withFakePort(t, port, nil)

			tr, err := New("/dev/ttyUSB0", 9600)
			require.NoError(t, err)

			_, err = tr.Read(make([]byte, 8))
			require.Error(t, err)
			assert.Equal(t, tt.wantFatal, bridge.IsFatal(err))
			assert.Equal(t, tt.wantFatal, errors.Is(err, bridge.ErrConnectionLost))
		})
	}
}

func TestWrite(t *testing.T) {
	port := &fakePort{drainErr: errors.New("interrupted system call")}
	withFakePort(t, port, nil)

	tr, err := New("/dev/ttyUSB0", 9600)
	require.NoError(t, err)

	n, err := tr.Write([]byte("DISPENSE:tampon\n"))
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Equal(t, "DISPENSE:tampon\n", string(port.written))
	assert.Equal(t, 2, port.drainCalls, "interrupted drain is retried")
}

func TestWrite_Failure(t *testing.T) {
	port := &fakePort{writeErr: errors.New("write: no such device")}
	withFakePort(t, port, nil)

	tr, err := New("/dev/ttyUSB0", 9600)
	require.NoError(t, err)

	_, err = tr.Write([]byte("DISPENSE:pad\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, bridge.ErrTransportWrite)
	assert.True(t, bridge.IsFatal(err))
}

func TestClose_Idempotent(t *testing.T) {
	port := &fakePort{}
	withFakePort(t, port, nil)

	tr, err := New("/dev/ttyUSB0", 9600)
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Equal(t, 1, port.closeCalls)
	assert.False(t, tr.IsConnected())

	_, err = tr.Read(make([]byte, 4))
	require.ErrorIs(t, err, bridge.ErrTransportClosed)
	_, err = tr.Write([]byte("x"))
	require.ErrorIs(t, err, bridge.ErrTransportClosed)
}

func TestOpener(t *testing.T) {
	withFakePort(t, &fakePort{}, nil)

	open := Opener("/dev/ttyUSB0", 9600)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := open(ctx)
	require.ErrorIs(t, err, context.Canceled)

	tr, err := open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", tr.Port())
	require.NoError(t, tr.Close())
}
