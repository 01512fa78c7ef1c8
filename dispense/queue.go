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

// Package dispense implements the directory-backed dispense request queue.
//
// Layout under <data dir>/dispense-requests:
//
//	latest.json        the active request, written by the queue or by the web app
//	processing.json    the claimed request while its dispense is in flight
//	queue/             requests waiting for the active slot, oldest first
//	done/              completed requests
//	errors/            failed, malformed and interrupted requests
//	archive/           stray files swept out of the top level
package dispense

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	bridge "github.com/drewvending/serialbridge"
	"github.com/drewvending/serialbridge/internal/fsutil"
	"github.com/drewvending/serialbridge/internal/syncutil"
)

const (
	DirName        = "dispense-requests"
	LatestFile     = "latest.json"
	ProcessingFile = "processing.json"
	QueueDirName   = "queue"
	DoneDirName    = "done"
	ErrorsDirName  = "errors"
	ArchiveDirName = "archive"
)

// ErrQueueStopped is returned by Enqueue after Stop.
var ErrQueueStopped = errors.New("dispense queue stopped")

// Dispenser runs one dispense to completion. bridge.Controller implements it.
type Dispenser interface {
	Dispense(ctx context.Context, product bridge.ProductType) error
}

// Metrics tracks queue outcomes
type Metrics struct {
	Claimed      int64         // Requests claimed from the active slot
	Succeeded    int64         // Requests moved to done/
	Failed       int64         // Requests moved to errors/ after a failed dispense
	Malformed    int64         // Unparsable or invalid request files
	Recovered    int64         // Requests found mid-processing at startup
	Archived     int64         // Stray or non-pending files moved to archive/
	LastDuration time.Duration // Duration of the last dispense
}

// QueueStatus is a point-in-time view of the queue.
type QueueStatus struct {
	Active     *Request `json:"active,omitempty"`
	Current    *Request `json:"current,omitempty"`
	Queued     []string `json:"queued"`
	Processing bool     `json:"processing"`
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// WithOnComplete registers a callback run after each dispensed request
// reaches a terminal state. It runs on the dispense goroutine and should
// return quickly.
func WithOnComplete(fn func(Request)) Option {
	return func(q *Queue) {
		q.onComplete = fn
	}
}

// Queue drains dispense requests one at a time. A request is claimed by
// renaming latest.json to processing.json, so two drain ticks, or the
// queue and another process, can never both claim the same record.
type Queue struct {
	dispenser   Dispenser
	config      *Config
	now         func() time.Time
	onComplete  func(Request)
	// readRequest decodes a claimed request file
	readRequest func(path string, v any) error
	inFlight    map[string]struct{}
	current     *Request
	stopChan    chan struct{}
	dir         string
	queueDir    string
	doneDir     string
	errorsDir   string
	archiveDir  string
	pending     []string
	lastTS      int64
	wg          sync.WaitGroup
	// Atomic counters for metrics
	claimed      atomic.Int64
	succeeded    atomic.Int64
	failed       atomic.Int64
	malformed    atomic.Int64
	recovered    atomic.Int64
	archived     atomic.Int64
	lastDuration atomic.Int64
	mu           syncutil.Mutex
	processing   bool
	running      atomic.Bool
	stopped      atomic.Bool
}

// New creates the queue directories under dataDir. Call Start to begin
// draining.
func New(dataDir string, dispenser Dispenser, config *Config, opts ...Option) (*Queue, error) {
	if dispenser == nil {
		return nil, fmt.Errorf("%w: nil dispenser", bridge.ErrInvalidParameter)
	}

	dir := filepath.Join(dataDir, DirName)
	q := &Queue{
		dispenser:   dispenser,
		config:      config.withDefaults(),
		now:         time.Now,
		readRequest: fsutil.ReadJSON,
		inFlight:    make(map[string]struct{}),
		stopChan:    make(chan struct{}),
		dir:         dir,
		queueDir:    filepath.Join(dir, QueueDirName),
		doneDir:     filepath.Join(dir, DoneDirName),
		errorsDir:   filepath.Join(dir, ErrorsDirName),
		archiveDir:  filepath.Join(dir, ArchiveDirName),
	}
	for _, opt := range opts {
		opt(q)
	}

	for _, d := range []string{q.queueDir, q.doneDir, q.errorsDir, q.archiveDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}
	return q, nil
}

// Dir returns the dispense-requests directory.
func (q *Queue) Dir() string {
	return q.dir
}

// Start recovers interrupted requests, reloads the durable queue and starts
// the drain loop. Calling Start on a running queue is a no-op.
func (q *Queue) Start(ctx context.Context) error {
	if q.stopped.Load() {
		return ErrQueueStopped
	}
	if !q.running.CompareAndSwap(false, true) {
		return nil
	}

	if _, err := q.Recover(); err != nil {
		log.Warn().Err(err).Msg("dispense recovery incomplete")
	}
	if err := q.loadQueued(); err != nil {
		q.running.Store(false)
		return err
	}
	if _, err := q.Cleanup(); err != nil {
		log.Warn().Err(err).Msg("dispense cleanup incomplete")
	}

	q.wg.Add(1)
	go q.drainLoop(ctx)

	log.Info().Str("dir", q.dir).Int("queued", q.queuedLen()).Msg("dispense queue started")
	return nil
}

// Stop halts the drain loop and waits for an in-flight dispense to finish,
// up to the configured stop timeout or ctx, whichever ends first.
func (q *Queue) Stop(ctx context.Context) error {
	if !q.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(q.stopChan)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(q.config.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("dispense queue stop: %w", bridge.ErrDispenseTimeout)
	case <-ctx.Done():
		return fmt.Errorf("dispense queue stop: %w", ctx.Err())
	}
}

// Enqueue records a pending request for product and returns its id. The
// request goes straight to the active slot when that is free, otherwise it
// waits in queue/ behind earlier requests.
func (q *Queue) Enqueue(product bridge.ProductType) (string, error) {
	if q.stopped.Load() {
		return "", ErrQueueStopped
	}
	product, err := bridge.ParseProductType(string(product))
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	// Queue file names sort by timestamp, so keep them strictly increasing.
	now := q.now()
	ts := q.stampLocked(now)

	req := Request{
		ID:          uuid.NewString(),
		ProductType: product,
		Timestamp:   ts,
		RequestedAt: now.UTC(),
		Status:      StatusPending,
	}

	name := req.fileName()
	if err := fsutil.WriteJSONAtomic(filepath.Join(q.queueDir, name), req); err != nil {
		return "", fmt.Errorf("persist dispense request: %w", err)
	}
	q.pending = append(q.pending, name)
	q.promoteLocked()

	log.Info().Str("id", req.ID).Str("product", product.String()).Msg("dispense request queued")
	return req.ID, nil
}

// Clear removes the active request if it is still pending and promotes the
// next queued one. It reports whether a request was removed.
func (q *Queue) Clear() (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	path := filepath.Join(q.dir, LatestFile)
	var req Request
	if err := fsutil.ReadJSON(path, &req); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read active request: %w", err)
	}
	if req.Status != "" && req.Status != StatusPending {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("clear active request: %w", err)
	}

	log.Info().Str("id", req.ID).Msg("pending dispense request cleared")
	q.promoteLocked()
	return true, nil
}

// Status returns the active request, the in-flight request and the ids
// waiting behind them.
func (q *Queue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := QueueStatus{
		Processing: q.processing,
		Queued:     make([]string, 0, len(q.pending)),
	}
	for _, name := range q.pending {
		st.Queued = append(st.Queued, idFromFileName(name))
	}
	if q.current != nil {
		cur := *q.current
		st.Current = &cur
	}
	var active Request
	if err := fsutil.ReadJSON(filepath.Join(q.dir, LatestFile), &active); err == nil {
		st.Active = &active
	}
	return st
}

// Metrics returns current queue counters
func (q *Queue) Metrics() Metrics {
	return Metrics{
		Claimed:      q.claimed.Load(),
		Succeeded:    q.succeeded.Load(),
		Failed:       q.failed.Load(),
		Malformed:    q.malformed.Load(),
		Recovered:    q.recovered.Load(),
		Archived:     q.archived.Load(),
		LastDuration: time.Duration(q.lastDuration.Load()),
	}
}

// Recover moves requests interrupted mid-dispense by a crash to errors/.
// The firmware may or may not have acted on them, and nothing confirmed it.
func (q *Queue) Recover() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var errs []error
	n := 0

	procPath := filepath.Join(q.dir, ProcessingFile)
	if _, err := os.Stat(procPath); err == nil {
		if err := q.failInterruptedLocked(procPath); err != nil {
			errs = append(errs, err)
		} else {
			n++
		}
	}

	latestPath := filepath.Join(q.dir, LatestFile)
	var latest Request
	if err := fsutil.ReadJSON(latestPath, &latest); err == nil && latest.Status == StatusProcessing {
		if err := q.failInterruptedLocked(latestPath); err != nil {
			errs = append(errs, err)
		} else {
			n++
		}
	}

	q.recovered.Add(int64(n))
	return n, errors.Join(errs...)
}

func (q *Queue) failInterruptedLocked(path string) error {
	var req Request
	if err := fsutil.ReadJSON(path, &req); err != nil {
		q.moveMalformedLocked(path, err)
		return nil
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	cause := errors.New("interrupted: bridge restarted before the dispense was confirmed")
	if err := q.writeFailureLocked(&req, cause); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove interrupted request: %w", err)
	}
	log.Warn().Str("id", req.ID).Str("product", req.ProductType.String()).
		Msg("recovered interrupted dispense request as failed")
	return nil
}

// Cleanup moves stray top-level json files, such as per-request files
// written by older web app versions, into archive/.
func (q *Queue) Cleanup() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := fsutil.JSONFiles(q.dir)
	if err != nil {
		return 0, err
	}

	var errs []error
	n := 0
	for _, name := range names {
		if name == LatestFile || name == ProcessingFile {
			continue
		}
		dst := filepath.Join(q.archiveDir, fmt.Sprintf("%d_%s", q.now().UnixMilli(), name))
		if err := os.Rename(filepath.Join(q.dir, name), dst); err != nil {
			errs = append(errs, fmt.Errorf("archive %s: %w", name, err))
			continue
		}
		n++
	}
	if n > 0 {
		q.archived.Add(int64(n))
		log.Info().Int("files", n).Msg("archived stray dispense request files")
	}
	return n, errors.Join(errs...)
}

func (q *Queue) loadQueued() error {
	names, err := fsutil.JSONFiles(q.queueDir)
	if err != nil {
		return err
	}
	sort.Strings(names)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = names
	q.promoteLocked()
	return nil
}

func (q *Queue) queuedLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// drainLoop runs drain ticks until stopped
func (q *Queue) drainLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.config.DrainInterval)
	defer ticker.Stop()
	cleanup := time.NewTicker(q.config.CleanupInterval)
	defer cleanup.Stop()

	q.tick(ctx)

	for {
		select {
		case <-ticker.C:
			q.tick(ctx)
		case <-cleanup.C:
			if _, err := q.Cleanup(); err != nil {
				log.Warn().Err(err).Msg("dispense cleanup incomplete")
			}
		case <-q.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick claims the active request if it is pending and nothing is in flight.
// The claim is the rename of latest.json to processing.json; only the
// claimed file is read, so a request written to latest.json during the
// claim stays there for the next tick.
func (q *Queue) tick(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.processing {
		return
	}
	q.promoteLocked()

	latestPath := filepath.Join(q.dir, LatestFile)
	procPath := filepath.Join(q.dir, ProcessingFile)
	if err := os.Rename(latestPath, procPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Error().Err(err).Msg("failed to claim dispense request")
		}
		return
	}

	var req Request
	if err := q.readRequest(procPath, &req); err != nil {
		q.moveMalformedLocked(procPath, err)
		q.promoteLocked()
		return
	}

	switch req.Status {
	case StatusPending, "":
	case StatusProcessing:
		if err := q.failInterruptedLocked(procPath); err != nil {
			log.Error().Err(err).Msg("failed to move abandoned dispense request")
		}
		q.recovered.Add(1)
		q.promoteLocked()
		return
	default:
		q.archiveLocked(procPath, req)
		q.promoteLocked()
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	product, err := bridge.ParseProductType(string(req.ProductType))
	if err != nil {
		q.malformed.Add(1)
		if werr := q.writeFailureLocked(&req, err); werr != nil {
			log.Error().Err(werr).Msg("failed to record invalid dispense request")
			return
		}
		_ = os.Remove(procPath)
		log.Warn().Err(err).Str("id", req.ID).Msg("rejected dispense request")
		q.promoteLocked()
		return
	}

	now := q.now()
	req.ProductType = product
	req.Status = StatusProcessing
	req.StartedAt = timePtr(now.UTC())
	if req.Timestamp == 0 {
		req.Timestamp = now.UnixMilli()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.UnixMilli(req.Timestamp).UTC()
	}
	if err := fsutil.WriteJSONAtomic(procPath, req); err != nil {
		log.Warn().Err(err).Str("id", req.ID).Msg("failed to mark request processing")
	}

	q.processing = true
	q.inFlight[req.ID] = struct{}{}
	cur := req
	q.current = &cur
	q.claimed.Add(1)

	log.Info().Str("id", req.ID).Str("product", product.String()).Msg("dispensing")

	q.wg.Add(1)
	go q.process(context.WithoutCancel(ctx), req)
}

// process runs the dispense for a claimed request and files the outcome.
func (q *Queue) process(ctx context.Context, req Request) {
	defer q.wg.Done()

	start := time.Now()
	err := q.dispenser.Dispense(ctx, req.ProductType)
	q.lastDuration.Store(int64(time.Since(start)))

	req = q.finish(req, err)
	if q.onComplete != nil {
		q.onComplete(req)
	}
}

func (q *Queue) finish(req Request, dispenseErr error) Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	if dispenseErr != nil {
		q.failed.Add(1)
		if err := q.writeFailureLocked(&req, dispenseErr); err != nil {
			log.Error().Err(err).Str("id", req.ID).Msg("failed to record dispense failure")
		}
		log.Error().Err(dispenseErr).Str("id", req.ID).Str("product", req.ProductType.String()).
			Msg("dispense failed")
	} else {
		q.succeeded.Add(1)
		req.Status = StatusDone
		req.CompletedAt = timePtr(q.now().UTC())
		if err := fsutil.WriteJSONAtomic(filepath.Join(q.doneDir, q.terminalName(&req)), req); err != nil {
			log.Error().Err(err).Str("id", req.ID).Msg("failed to record dispense completion")
		}
		log.Info().Str("id", req.ID).Str("product", req.ProductType.String()).Msg("dispense complete")
	}

	if err := os.Remove(filepath.Join(q.dir, ProcessingFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to remove processing file")
	}

	q.processing = false
	delete(q.inFlight, req.ID)
	q.current = nil
	q.promoteLocked()
	return req
}

// promoteLocked moves the oldest queued request into the active slot when
// the slot is free and nothing is in flight.
func (q *Queue) promoteLocked() {
	if q.processing || len(q.pending) == 0 {
		return
	}
	latestPath := filepath.Join(q.dir, LatestFile)
	if _, err := os.Stat(latestPath); err == nil {
		return
	}

	name := q.pending[0]
	if err := os.Rename(filepath.Join(q.queueDir, name), latestPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			q.pending = q.pending[1:]
			log.Warn().Str("file", name).Msg("queued dispense request vanished")
			return
		}
		log.Error().Err(err).Str("file", name).Msg("failed to promote queued dispense request")
		return
	}
	q.pending = q.pending[1:]
	bridge.Debugf("promoted queued dispense request %s", idFromFileName(name))
}

// stampLocked returns now in Unix milliseconds, bumped past the last stamp
// so names built from it never repeat.
func (q *Queue) stampLocked(now time.Time) int64 {
	ts := now.UnixMilli()
	if ts <= q.lastTS {
		ts = q.lastTS + 1
	}
	q.lastTS = ts
	return ts
}

// terminalName is <completed ms>_<id>.json.
func (q *Queue) terminalName(req *Request) string {
	return fmt.Sprintf("%d_%s.json", q.now().UnixMilli(), req.ID)
}

// writeFailureLocked files req under errors/ with its companion error record.
func (q *Queue) writeFailureLocked(req *Request, cause error) error {
	now := q.now()
	req.Status = StatusError
	req.Error = cause.Error()
	req.CompletedAt = timePtr(now.UTC())

	name := q.terminalName(req)
	if err := fsutil.WriteJSONAtomic(filepath.Join(q.errorsDir, name), req); err != nil {
		return fmt.Errorf("write failed request: %w", err)
	}
	rec := ErrorRecord{
		Error:       req.Error,
		Timestamp:   now.UTC(),
		ProductType: req.ProductType,
		RequestID:   req.ID,
	}
	errName := fmt.Sprintf("%d_%s_error.json", now.UnixMilli(), req.ID)
	if err := fsutil.WriteJSONAtomic(filepath.Join(q.errorsDir, errName), rec); err != nil {
		return fmt.Errorf("write error record: %w", err)
	}
	return nil
}

// moveMalformedLocked moves an unparsable file to errors/ as-is, next to an
// error record holding the parse error.
func (q *Queue) moveMalformedLocked(path string, cause error) {
	q.malformed.Add(1)
	now := q.now()
	base := fmt.Sprintf("%d_malformed", q.stampLocked(now))

	if err := os.Rename(path, filepath.Join(q.errorsDir, base+".json")); err != nil {
		log.Error().Err(err).Str("file", path).Msg("failed to move malformed dispense request")
		return
	}
	rec := ErrorRecord{Error: cause.Error(), Timestamp: now.UTC()}
	if err := fsutil.WriteJSONAtomic(filepath.Join(q.errorsDir, base+"_error.json"), rec); err != nil {
		log.Error().Err(err).Msg("failed to write malformed request error record")
	}
	log.Warn().Err(cause).Str("file", filepath.Base(path)).Msg("malformed dispense request moved to errors")
}

// archiveLocked moves an active-slot record that is not pending out of the way.
func (q *Queue) archiveLocked(path string, req Request) {
	name := LatestFile
	if req.ID != "" {
		name = req.ID + ".json"
	}
	dst := filepath.Join(q.archiveDir, fmt.Sprintf("%d_%s", q.stampLocked(q.now()), name))
	if err := os.Rename(path, dst); err != nil {
		log.Error().Err(err).Msg("failed to archive non-pending dispense request")
		return
	}
	q.archived.Add(1)
	log.Warn().Str("status", string(req.Status)).Msg("archived non-pending dispense request")
}
