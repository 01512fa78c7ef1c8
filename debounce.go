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
	"time"

	"github.com/drewvending/serialbridge/internal/syncutil"
)

// ScanDebouncer drops repeat reads of a tag resting on the reader. A scan
// passes unless it has the same UID as the last delivered scan and arrives
// within the window of that delivery.
type ScanDebouncer struct {
	lastSeen time.Time
	lastUID  string
	window   time.Duration
	mu       syncutil.Mutex
}

// NewScanDebouncer creates a debouncer. Zero or negative selects DefaultDebounceWindow.
func NewScanDebouncer(window time.Duration) *ScanDebouncer {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &ScanDebouncer{window: window}
}

// Allow reports whether scan should be delivered, and records it if so.
// The arrival time is taken from scan.ObservedAt.
func (d *ScanDebouncer) Allow(scan CardScanned) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if scan.UID == d.lastUID && !d.lastSeen.IsZero() {
		if elapsed := scan.ObservedAt.Sub(d.lastSeen); elapsed >= 0 && elapsed < d.window {
			Debugf("debounced repeat scan of %s after %v", scan.UID, elapsed)
			return false
		}
	}

	d.lastUID = scan.UID
	d.lastSeen = scan.ObservedAt
	return true
}

// Window returns the configured debounce window.
func (d *ScanDebouncer) Window() time.Duration {
	return d.window
}

// Reset forgets the last delivered scan.
func (d *ScanDebouncer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastUID = ""
	d.lastSeen = time.Time{}
}
