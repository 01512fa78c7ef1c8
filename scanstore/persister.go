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

package scanstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	bridge "github.com/drewvending/serialbridge"
)

const (
	defaultQueueSize     = 64
	defaultSweepInterval = time.Second
)

// Persister writes scans delivered on the event bus to a Store from a
// background goroutine and sweeps expired scans on an interval. Its
// subscriber never blocks the publisher: when the queue is full the scan is
// dropped and counted.
type Persister struct {
	store     *Store
	queue     chan Record
	onWritten func(Record)
	done      chan struct{}
	flushReq  chan chan struct{}
	loopDone  chan struct{}
	interval  time.Duration
	dropped   atomic.Uint64
	written   atomic.Uint64
	archived  atomic.Uint64
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
}

// PersisterOption configures a Persister.
type PersisterOption func(*Persister)

// WithSweepInterval sets how often expired scans are archived.
func WithSweepInterval(d time.Duration) PersisterOption {
	return func(p *Persister) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithQueueSize sets the pending-write queue capacity.
func WithQueueSize(n int) PersisterOption {
	return func(p *Persister) {
		if n > 0 {
			p.queue = make(chan Record, n)
		}
	}
}

// WithOnWritten registers a callback run after each scan is written.
func WithOnWritten(fn func(Record)) PersisterOption {
	return func(p *Persister) {
		p.onWritten = fn
	}
}

// NewPersister creates a persister for store. Call Start to begin writing.
func NewPersister(store *Store, opts ...PersisterOption) *Persister {
	p := &Persister{
		store:    store,
		queue:    make(chan Record, defaultQueueSize),
		done:     make(chan struct{}),
		flushReq: make(chan chan struct{}),
		loopDone: make(chan struct{}),
		interval: defaultSweepInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscriber returns the bus subscriber that enqueues card scans.
func (p *Persister) Subscriber() bridge.Subscriber {
	return func(ev bridge.SerialEvent) error {
		scan, ok := ev.(bridge.CardScanned)
		if !ok {
			return nil
		}
		p.Enqueue(FromScan(scan))
		return nil
	}
}

// Enqueue schedules rec for writing. It reports false if the record was
// dropped because the queue was full or the persister stopped.
func (p *Persister) Enqueue(rec Record) bool {
	select {
	case <-p.done:
		p.dropped.Add(1)
		return false
	default:
	}

	select {
	case p.queue <- rec:
		return true
	default:
		p.dropped.Add(1)
		log.Warn().Str("uid", rec.CardUID).Msg("scan persistence queue full, dropping scan")
		return false
	}
}

// Start launches the writer and sweeper goroutines. They run until ctx is
// cancelled or Stop is called.
func (p *Persister) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.started.Store(true)
		p.wg.Add(2)
		go p.writeLoop(ctx)
		go p.sweepLoop(ctx)
	})
}

// Stop halts the goroutines after flushing queued scans.
func (p *Persister) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
}

// Flush blocks until every scan enqueued before the call has been written.
func (p *Persister) Flush(ctx context.Context) error {
	if !p.started.Load() {
		return nil
	}
	ack := make(chan struct{})
	select {
	case p.flushReq <- ack:
	case <-p.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Written is the number of scans written.
func (p *Persister) Written() uint64 {
	return p.written.Load()
}

// Dropped is the number of scans dropped on enqueue.
func (p *Persister) Dropped() uint64 {
	return p.dropped.Load()
}

// Archived is the number of scans archived by sweeps.
func (p *Persister) Archived() uint64 {
	return p.archived.Load()
}

func (p *Persister) writeLoop(ctx context.Context) {
	defer p.wg.Done()
	defer close(p.loopDone)
	for {
		select {
		case rec := <-p.queue:
			p.write(rec)
		case ack := <-p.flushReq:
			p.flush()
			close(ack)
		case <-ctx.Done():
			p.flush()
			return
		case <-p.done:
			p.flush()
			return
		}
	}
}

func (p *Persister) flush() {
	for {
		select {
		case rec := <-p.queue:
			p.write(rec)
		default:
			return
		}
	}
}

func (p *Persister) write(rec Record) {
	written, err := p.store.RecordScan(rec)
	if err != nil {
		log.Error().Err(err).Str("uid", rec.CardUID).Msg("failed to persist scan")
		return
	}
	p.written.Add(1)
	if p.onWritten != nil {
		p.onWritten(written)
	}
}

func (p *Persister) sweepLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := p.store.Sweep()
			if err != nil {
				log.Warn().Err(err).Msg("scan sweep failed")
			}
			if n > 0 {
				p.archived.Add(uint64(n)) //nolint:gosec // n is non-negative
			}
		case <-ctx.Done():
			return
		case <-p.done:
			return
		}
	}
}
