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

// Package service assembles the bridge pipeline: serial reader, event bus,
// dispense controller, scan persistence, dispense queue and the optional
// audit trail, behind one value with explicit Start and Stop.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	bridge "github.com/drewvending/serialbridge"
	"github.com/drewvending/serialbridge/audit"
	"github.com/drewvending/serialbridge/dispense"
	"github.com/drewvending/serialbridge/internal/syncutil"
	"github.com/drewvending/serialbridge/scanstore"
	"github.com/drewvending/serialbridge/transport/uart"
)

// Status is the bridge state reported to HTTP clients.
type Status struct {
	ConnectedAt *time.Time           `json:"connectedAt,omitempty"`
	LastScan    *bridge.CardScanned  `json:"lastScan"`
	Status      string               `json:"status"`
	Port        string               `json:"port"`
	LastError   string               `json:"lastError,omitempty"`
	Reader      bridge.ReaderMetrics `json:"reader"`
	Dispense    dispense.Metrics     `json:"dispense"`
	Connected   bool                 `json:"connected"`
	Degraded    bool                 `json:"degraded"`
	Running     bool                 `json:"running"`
}

// Option configures a Service.
type Option func(*Service)

// WithOpener replaces the serial opener derived from Config.Port.
func WithOpener(open bridge.Opener) Option {
	return func(s *Service) {
		s.opener = open
	}
}

// WithAuditStore supplies an already open audit store. The service does not
// close it.
func WithAuditStore(store *audit.Store) Option {
	return func(s *Service) {
		s.auditStore = store
	}
}

// Service is one bridge instance. Several may run in one process as long as
// they use different data directories and ports.
type Service struct {
	cfg         *bridge.Config
	opener      bridge.Opener
	bus         *bridge.EventBus
	reader      *bridge.Reader
	controller  *bridge.Controller
	scans       *scanstore.Store
	persister   *scanstore.Persister
	queue       *dispense.Queue
	auditStore  *audit.Store
	recorder    *audit.Recorder
	auditDB     *sql.DB
	auditWriter *audit.Worker
	lastScan    atomic.Pointer[bridge.CardScanned]
	cancel      context.CancelFunc
	done        chan struct{}
	wg          sync.WaitGroup
	mu          syncutil.Mutex
	started     bool
	stopped     bool
}

// New builds a service from cfg. Nothing runs until Start.
func New(cfg *bridge.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = bridge.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{cfg: cfg, done: make(chan struct{})}
	for _, opt := range opts {
		opt(s)
	}
	if s.opener == nil && cfg.Port != "" {
		s.opener = uart.Opener(cfg.Port, cfg.BaudRate)
	}

	s.bus = bridge.NewEventBus()
	s.reader = bridge.NewReader(bridge.ReaderConfig{
		Open:                  s.opener,
		Bus:                   s.bus,
		Debouncer:             bridge.NewScanDebouncer(cfg.DebounceWindow),
		Retry:                 cfg.Retry,
		DegradedRetryInterval: cfg.DegradedRetry,
		MaxLineBuffer:         cfg.MaxLineBuffer,
	})
	s.controller = bridge.NewController(s.bus, s.reader, cfg.DispenseTimeout)

	var err error
	s.scans, err = scanstore.New(cfg.DataDir, scanstore.WithArchiveDelay(cfg.ScanArchiveDelay))
	if err != nil {
		return nil, err
	}
	s.persister = scanstore.NewPersister(s.scans)

	if err := s.openAudit(); err != nil {
		return nil, err
	}

	s.queue, err = dispense.New(cfg.DataDir, s.controller, &dispense.Config{
		DrainInterval:   cfg.DrainInterval,
		CleanupInterval: cfg.CleanupInterval,
	}, dispense.WithOnComplete(s.dispenseFinished))
	if err != nil {
		s.closeAudit()
		return nil, err
	}

	// The last-scan tracker runs first so status never lags persistence.
	subscribers := []bridge.Subscriber{s.trackLastScan, s.persister.Subscriber()}
	if s.recorder != nil {
		subscribers = append(subscribers, s.recorder.Subscriber())
	}
	for _, fn := range subscribers {
		if _, err := s.bus.Subscribe(fn); err != nil {
			s.closeAudit()
			return nil, fmt.Errorf("subscribe pipeline component: %w", err)
		}
	}
	return s, nil
}

func (s *Service) openAudit() error {
	if s.auditStore == nil && s.cfg.AuditDBPath != "" {
		db, err := audit.Open(context.Background(), s.cfg.AuditDBPath)
		if err != nil {
			return fmt.Errorf("open audit db: %w", err)
		}
		s.auditDB = db
		s.auditWriter = audit.NewWorker(db)
		s.auditStore = audit.NewStore(db, s.auditWriter)
	}
	if s.auditStore != nil {
		s.recorder = audit.NewRecorder(s.auditStore)
	}
	return nil
}

func (s *Service) closeAudit() {
	if s.auditWriter != nil {
		s.auditWriter.Close()
	}
	if s.auditDB != nil {
		if err := s.auditDB.Close(); err != nil {
			log.Warn().Err(err).Msg("closing audit db")
		}
	}
}

// Start launches the reader, the scan persister, the audit recorder and the
// dispense drain loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return bridge.ErrServiceStopped
	}
	if s.started {
		return bridge.ErrServiceStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.persister.Start(runCtx)
	if s.recorder != nil {
		s.recorder.Start(runCtx)
	}
	if err := s.queue.Start(runCtx); err != nil {
		cancel()
		s.persister.Stop()
		if s.recorder != nil {
			s.recorder.Stop()
		}
		return fmt.Errorf("start dispense queue: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.reader.Run(runCtx); err != nil {
			log.Error().Err(err).Msg("serial reader stopped")
		}
	}()

	s.cancel = cancel
	s.started = true
	log.Info().Str("port", s.cfg.Port).Str("data_dir", s.cfg.DataDir).Msg("bridge service started")
	return nil
}

// Stop shuts the pipeline down. An in-flight dispense is allowed to finish
// until ctx ends; the serial link closing usually ends it sooner.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()
	close(s.done)

	var errs []error
	if started {
		s.cancel()
		if err := s.queue.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		s.wg.Wait()
		s.persister.Stop()
		if s.recorder != nil {
			s.recorder.Stop()
		}
	}
	s.bus.Close()
	s.closeAudit()

	log.Info().Msg("bridge service stopped")
	return errors.Join(errs...)
}

// Done is closed as soon as Stop begins.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Running reports whether Start succeeded and Stop has not been called.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

// Config returns the service configuration.
func (s *Service) Config() *bridge.Config {
	return s.cfg
}

// Subscribe registers fn on the event bus.
func (s *Service) Subscribe(fn bridge.Subscriber) (bridge.SubscriptionID, error) {
	id, err := s.bus.Subscribe(fn)
	if err != nil {
		return 0, fmt.Errorf("subscribe: %w", err)
	}
	return id, nil
}

// Unsubscribe removes a subscription.
func (s *Service) Unsubscribe(id bridge.SubscriptionID) {
	s.bus.Unsubscribe(id)
}

// SimulateScan delivers a synthetic scan through the debouncer and the bus,
// exactly like a scan from the reader. It reports whether the scan was
// delivered rather than debounced.
func (s *Service) SimulateScan(rawUID string) (bridge.CardScanned, bool, error) {
	if !s.Running() {
		return bridge.CardScanned{}, false, bridge.ErrServiceStopped
	}
	scan, err := bridge.NewCardScanned(rawUID, time.Now(), true)
	if err != nil {
		return bridge.CardScanned{}, false, err
	}
	delivered := s.reader.Inject(scan)
	log.Info().Str("uid", scan.UID).Bool("delivered", delivered).Msg("simulated scan")
	return scan, delivered, nil
}

// LastScan returns the most recently delivered scan, or nil.
func (s *Service) LastScan() *bridge.CardScanned {
	return s.lastScan.Load()
}

// LatestScan returns the unconsumed scan if there is one, otherwise the most
// recent scan seen by this process, otherwise nil.
func (s *Service) LatestScan(ctx context.Context) (*scanstore.Record, error) {
	if err := s.persister.Flush(ctx); err != nil {
		return nil, err
	}
	rec, err := s.scans.Latest()
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}
	if last := s.lastScan.Load(); last != nil {
		fallback := scanstore.FromScan(*last)
		fallback.Processed = true
		return &fallback, nil
	}
	return nil, nil
}

// ConsumeScan takes the unconsumed scan. Each scan is returned to exactly
// one caller.
func (s *Service) ConsumeScan(ctx context.Context) (*scanstore.Record, error) {
	if err := s.persister.Flush(ctx); err != nil {
		return nil, err
	}
	return s.scans.ConsumeLatest()
}

// ClearScan discards the unconsumed scan and forgets the last scan.
func (s *Service) ClearScan(ctx context.Context) (bool, error) {
	if err := s.persister.Flush(ctx); err != nil {
		return false, err
	}
	s.lastScan.Store(nil)
	return s.scans.Clear()
}

// EnqueueDispense queues a dispense request and returns its id.
func (s *Service) EnqueueDispense(product string) (string, error) {
	p, err := bridge.ParseProductType(product)
	if err != nil {
		return "", err
	}
	return s.queue.Enqueue(p)
}

// ClearDispense removes the pending active dispense request.
func (s *Service) ClearDispense() (bool, error) {
	return s.queue.Clear()
}

// DispenseStatus returns the queue state.
func (s *Service) DispenseStatus() dispense.QueueStatus {
	return s.queue.Status()
}

// Audit returns the audit store, or nil when auditing is disabled.
func (s *Service) Audit() *audit.Store {
	return s.auditStore
}

// Status returns a snapshot of the link, the last scan and the counters.
func (s *Service) Status() Status {
	link := s.reader.Status()
	st := Status{
		Status:    "disconnected",
		Port:      link.Port,
		LastError: link.LastError,
		Connected: link.Connected,
		Degraded:  link.Degraded,
		Running:   s.Running(),
		LastScan:  s.lastScan.Load(),
		Reader:    s.reader.Metrics(),
		Dispense:  s.queue.Metrics(),
	}
	if st.Port == "" {
		st.Port = s.cfg.Port
	}
	if link.Connected {
		st.Status = "connected"
		at := link.ConnectedAt
		st.ConnectedAt = &at
	}
	return st
}

func (s *Service) trackLastScan(ev bridge.SerialEvent) error {
	if scan, ok := ev.(bridge.CardScanned); ok {
		s.lastScan.Store(&scan)
	}
	return nil
}

func (s *Service) dispenseFinished(req dispense.Request) {
	if s.recorder == nil {
		return
	}
	entry := audit.DispenseEntry{
		RequestID:   req.ID,
		ProductType: req.ProductType.String(),
		Status:      string(req.Status),
		Error:       req.Error,
		RequestedAt: req.RequestedAt,
	}
	if req.CompletedAt != nil {
		entry.CompletedAt = *req.CompletedAt
	}
	s.recorder.RecordDispense(entry)
}
