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
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/drewvending/serialbridge/internal/syncutil"
)

// maxConsecutiveReadErrors is how many non-fatal read errors in a row are
// tolerated before the link is treated as lost.
const maxConsecutiveReadErrors = 3

// ReaderConfig configures a Reader.
type ReaderConfig struct {
	// Open opens the serial link. Nil runs the reader in simulate-only mode.
	Open Opener
	// Bus receives every decoded event.
	Bus *EventBus
	// Debouncer filters repeat card reads. Nil uses the default window.
	Debouncer *ScanDebouncer
	// Retry is the open/reopen policy. Nil uses DefaultRetryConfig.
	Retry *RetryConfig
	// DegradedRetryInterval is how often a degraded reader tries the port again.
	// Zero selects DegradedRetryInterval; negative disables it.
	DegradedRetryInterval time.Duration
	// MaxLineBuffer caps a partial line. Zero selects MaxLineBuffer.
	MaxLineBuffer int
}

// LinkStatus is a snapshot of the serial link.
type LinkStatus struct {
	ConnectedAt time.Time
	LastError   string
	Port        string
	Connected   bool
	Degraded    bool
}

// ReaderMetrics tracks operational counters for the reader loop.
type ReaderMetrics struct {
	BytesRead      int64
	Lines          int64
	ScansDelivered int64
	ScansDebounced int64
	Unrecognized   int64
	Reconnects     int64
}

// Reader owns the serial connection. Its Run goroutine is the only reader of
// the port. Publishing is serialized with injected scans, so events reach
// subscribers one at a time in the order the firmware produced them.
type Reader struct {
	transport Transport
	open      Opener
	bus       *EventBus
	debouncer *ScanDebouncer
	parser    *LineParser
	retry     *RetryConfig
	linkDone  chan struct{}
	status    LinkStatus

	degradedRetry time.Duration

	bytesRead      int64
	lines          int64
	scansDelivered int64
	scansDebounced int64
	unrecognized   int64
	reconnects     int64

	mu         syncutil.RWMutex
	writeMu    syncutil.Mutex
	dispatchMu syncutil.Mutex
	running    atomic.Bool
}

// NewReader creates a reader. Call Run to start it.
func NewReader(cfg ReaderConfig) *Reader {
	if cfg.Bus == nil {
		cfg.Bus = NewEventBus()
	}
	if cfg.Debouncer == nil {
		cfg.Debouncer = NewScanDebouncer(DefaultDebounceWindow)
	}
	if cfg.Retry == nil {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.DegradedRetryInterval == 0 {
		cfg.DegradedRetryInterval = DegradedRetryInterval
	}

	closed := make(chan struct{})
	close(closed)

	return &Reader{
		open:          cfg.Open,
		bus:           cfg.Bus,
		debouncer:     cfg.Debouncer,
		parser:        NewLineParser(cfg.MaxLineBuffer),
		retry:         cfg.Retry,
		degradedRetry: cfg.DegradedRetryInterval,
		linkDone:      closed,
	}
}

// Bus returns the bus the reader publishes on.
func (r *Reader) Bus() *EventBus {
	return r.bus
}

// Run connects and reads until ctx is cancelled. Connection failures are
// retried per the retry policy; when they are exhausted the reader stays in
// degraded mode, where only injected scans are delivered, and tries the port
// again periodically.
func (r *Reader) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("reader already running")
	}
	defer r.running.Store(false)

	if r.open == nil {
		log.Warn().Msg("no serial port configured, running in simulate-only mode")
		r.setDegraded(ErrNoPort)
		r.serveDegraded(ctx, -1)
		return nil
	}

	for ctx.Err() == nil {
		transport, err := r.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("serial port unavailable, falling back to simulate-only mode")
			r.setDegraded(err)
			r.serveDegraded(ctx, r.degradedRetry)
			continue
		}

		err = r.readLoop(ctx, transport)
		r.disconnect(transport, err)
		if ctx.Err() != nil {
			return nil
		}
		atomic.AddInt64(&r.reconnects, 1)
		log.Error().Err(err).Str("port", transport.Port()).Msg("serial connection lost, reconnecting")
	}
	return nil
}

func (r *Reader) connect(ctx context.Context) (Transport, error) {
	var transport Transport
	err := RetryWithConfig(ctx, r.retry, func(attempt int) error {
		log.Info().Int("attempt", attempt).Int("max", r.retry.MaxAttempts).Msg("opening serial port")
		t, err := r.open(ctx)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("failed to open serial port")
			return err
		}
		transport = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := transport.SetTimeout(SerialReadTimeout); err != nil {
		log.Warn().Err(err).Msg("failed to set serial read timeout")
	}

	r.parser.Reset()
	r.mu.Lock()
	r.transport = transport
	r.linkDone = make(chan struct{})
	r.status = LinkStatus{
		Connected:   true,
		Port:        transport.Port(),
		ConnectedAt: time.Now(),
	}
	r.mu.Unlock()

	log.Info().Str("port", transport.Port()).Str("type", string(transport.Type())).Msg("serial port connected")
	return transport, nil
}

func (r *Reader) disconnect(transport Transport, cause error) {
	r.mu.Lock()
	if r.transport == transport {
		r.transport = nil
		close(r.linkDone)
		r.status.Connected = false
		if cause != nil {
			r.status.LastError = cause.Error()
		}
	}
	r.mu.Unlock()

	if err := transport.Close(); err != nil {
		Debugf("error closing serial port: %v", err)
	}
}

func (r *Reader) setDegraded(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.Connected = false
	r.status.Degraded = true
	if cause != nil {
		r.status.LastError = cause.Error()
	}
}

// serveDegraded waits until ctx ends or the retry interval elapses.
// A negative interval waits for ctx only.
func (r *Reader) serveDegraded(ctx context.Context, interval time.Duration) {
	if interval < 0 {
		<-ctx.Done()
		return
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (r *Reader) readLoop(ctx context.Context, transport Transport) error {
	buf := make([]byte, SerialReadBufferSize)
	consecutiveErrors := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := transport.Read(buf)
		if err != nil {
			if IsFatal(err) {
				return err
			}
			consecutiveErrors++
			if consecutiveErrors >= maxConsecutiveReadErrors {
				return fmt.Errorf("%w: %d consecutive read errors: %w", ErrConnectionLost, consecutiveErrors, err)
			}
			Debugf("serial read error (%d/%d): %v", consecutiveErrors, maxConsecutiveReadErrors, err)
			continue
		}
		consecutiveErrors = 0
		if n == 0 {
			continue
		}

		atomic.AddInt64(&r.bytesRead, int64(n))
		for _, ev := range r.parser.Feed(buf[:n], time.Now()) {
			atomic.AddInt64(&r.lines, 1)
			r.dispatch(ev)
		}
	}
}

func (r *Reader) dispatch(ev SerialEvent) {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	switch e := ev.(type) {
	case CardScanned:
		r.dispatchScan(e)
	case Unrecognized:
		atomic.AddInt64(&r.unrecognized, 1)
		r.bus.Publish(e)
	case SystemReady:
		log.Info().Msg("firmware reports ready")
		r.bus.Publish(e)
	case DispenseStarted:
		log.Info().Str("product", e.ProductType.String()).Msg("firmware dispensing")
		r.bus.Publish(e)
	case DispenseCompleted:
		log.Info().Str("product", e.ProductType.String()).Msg("firmware dispense complete")
		r.bus.Publish(e)
	}
}

func (r *Reader) dispatchScan(scan CardScanned) bool {
	if !r.debouncer.Allow(scan) {
		atomic.AddInt64(&r.scansDebounced, 1)
		return false
	}
	atomic.AddInt64(&r.scansDelivered, 1)
	log.Info().
		Str("uid", scan.UID).
		Str("formatted", scan.FormattedUID).
		Bool("simulated", scan.Simulated).
		Msg("card scanned")
	r.bus.Publish(scan)
	return true
}

// Inject runs a synthetic scan through the debouncer and bus exactly like a
// scan read from the port. It works in degraded mode and reports whether the
// scan was delivered or debounced.
func (r *Reader) Inject(scan CardScanned) bool {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()
	return r.dispatchScan(scan)
}

// WriteLine implements CommandLink.
func (r *Reader) WriteLine(line string) error {
	r.mu.RLock()
	transport := r.transport
	r.mu.RUnlock()

	if transport == nil {
		return ErrDegraded
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := WriteLine(transport, line); err != nil {
		return fmt.Errorf("write %q: %w", line, err)
	}
	return nil
}

// Done implements CommandLink.
func (r *Reader) Done() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.linkDone
}

// Status returns a snapshot of the link state.
func (r *Reader) Status() LinkStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Metrics returns the reader counters.
func (r *Reader) Metrics() ReaderMetrics {
	return ReaderMetrics{
		BytesRead:      atomic.LoadInt64(&r.bytesRead),
		Lines:          atomic.LoadInt64(&r.lines),
		ScansDelivered: atomic.LoadInt64(&r.scansDelivered),
		ScansDebounced: atomic.LoadInt64(&r.scansDebounced),
		Unrecognized:   atomic.LoadInt64(&r.unrecognized),
		Reconnects:     atomic.LoadInt64(&r.reconnects),
	}
}

var _ CommandLink = (*Reader)(nil)
