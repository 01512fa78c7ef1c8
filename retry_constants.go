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

import "time"

// Connection retry constants control how the reader opens and reopens the
// serial port before falling back to simulate-only mode.
const (
	// DefaultConnectionRetries is the number of attempts to open the port.
	DefaultConnectionRetries = 3
	// ConnectionInitialBackoff is the delay after the first failed open.
	ConnectionInitialBackoff = 5 * time.Second
	// ConnectionMaxBackoff caps the delay between open attempts.
	ConnectionMaxBackoff = 20 * time.Second
	// ConnectionBackoffMultiplier is the exponential backoff multiplier.
	ConnectionBackoffMultiplier = 2.0
	// ConnectionJitter is the random jitter factor (0.0-1.0).
	ConnectionJitter = 0.1
	// ConnectionRetryTimeout bounds one full round of open attempts.
	ConnectionRetryTimeout = 2 * time.Minute
	// DegradedRetryInterval is how often a degraded bridge tries the port again.
	DegradedRetryInterval = time.Minute
)

// Serial line constants.
const (
	// DefaultBaudRate matches the reader firmware.
	DefaultBaudRate = 9600
	// MaxLineBuffer caps an unterminated line before the oldest bytes are dropped.
	MaxLineBuffer = 1000
	// SerialReadTimeout is the per-read timeout on the port, which is also how
	// quickly the reader loop notices shutdown and injected events.
	SerialReadTimeout = 100 * time.Millisecond
	// SerialReadBufferSize is the size of one read from the port.
	SerialReadBufferSize = 256
)

// Pipeline timing constants.
const (
	// DefaultDebounceWindow suppresses re-reads of a tag resting on the reader.
	DefaultDebounceWindow = 500 * time.Millisecond
	// DefaultDispenseTimeout bounds the wait for a COMPLETE line.
	DefaultDispenseTimeout = 30 * time.Second
	// MinDispenseTimeout and MaxDispenseTimeout bound the configured timeout.
	MinDispenseTimeout = time.Second
	MaxDispenseTimeout = 5 * time.Minute
	// DefaultScanArchiveDelay is how long an unconsumed scan stays in latest.json.
	DefaultScanArchiveDelay = 5 * time.Second
	// DefaultDrainInterval is the dispense queue poll interval.
	DefaultDrainInterval = 500 * time.Millisecond
	// DefaultCleanupInterval is how often stray request files are archived.
	DefaultCleanupInterval = time.Hour
)
