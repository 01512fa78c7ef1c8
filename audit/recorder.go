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

package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	bridge "github.com/drewvending/serialbridge"
)

const (
	recorderQueueSize = 128
	recordTimeout     = 5 * time.Second
)

type entry struct {
	scan     *ScanEntry
	dispense *DispenseEntry
}

// Recorder feeds a Store from a buffered queue so event bus subscribers and
// dispense callbacks never wait on the database. Entries that do not fit in
// the queue are dropped with a warning.
type Recorder struct {
	store   *Store
	queue   chan entry
	done    chan struct{}
	dropped atomic.Uint64
	wg      sync.WaitGroup
	start   sync.Once
	stop    sync.Once
}

// NewRecorder creates a recorder for store. Call Start to begin writing.
func NewRecorder(store *Store) *Recorder {
	return &Recorder{
		store: store,
		queue: make(chan entry, recorderQueueSize),
		done:  make(chan struct{}),
	}
}

// Subscriber returns the bus subscriber that records card scans.
func (r *Recorder) Subscriber() bridge.Subscriber {
	return func(ev bridge.SerialEvent) error {
		if scan, ok := ev.(bridge.CardScanned); ok {
			r.RecordScan(ScanEntry{
				CardUID:      scan.UID,
				FormattedUID: scan.FormattedUID,
				ObservedAt:   scan.ObservedAt,
				Simulated:    scan.Simulated,
			})
		}
		return nil
	}
}

// RecordScan queues a scan. It reports false if the entry was dropped.
func (r *Recorder) RecordScan(e ScanEntry) bool {
	return r.offer(entry{scan: &e})
}

// RecordDispense queues a dispense outcome. It reports false if the entry
// was dropped.
func (r *Recorder) RecordDispense(e DispenseEntry) bool {
	return r.offer(entry{dispense: &e})
}

// Dropped is the number of entries dropped on a full queue.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Recorder) offer(e entry) bool {
	select {
	case <-r.done:
		r.dropped.Add(1)
		return false
	default:
	}
	select {
	case r.queue <- e:
		return true
	default:
		r.dropped.Add(1)
		log.Warn().Msg("audit queue full, dropping entry")
		return false
	}
}

// Start launches the writer goroutine.
func (r *Recorder) Start(ctx context.Context) {
	r.start.Do(func() {
		r.wg.Add(1)
		go r.loop(ctx)
	})
}

// Stop flushes queued entries and stops the writer.
func (r *Recorder) Stop() {
	r.stop.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}

func (r *Recorder) loop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case e := <-r.queue:
			r.write(ctx, e)
		case <-r.done:
			r.drain(ctx)
			return
		case <-ctx.Done():
			r.drain(context.WithoutCancel(ctx))
			return
		}
	}
}

func (r *Recorder) drain(ctx context.Context) {
	for {
		select {
		case e := <-r.queue:
			r.write(ctx, e)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, e entry) {
	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()

	switch {
	case e.scan != nil:
		if err := r.store.RecordScan(ctx, *e.scan); err != nil {
			log.Error().Err(err).Str("uid", e.scan.CardUID).Msg("failed to audit scan")
		}
	case e.dispense != nil:
		if err := r.store.RecordDispense(ctx, *e.dispense); err != nil {
			log.Error().Err(err).Str("id", e.dispense.RequestID).Msg("failed to audit dispense")
		}
	}
}
