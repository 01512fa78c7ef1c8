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

// Package scanstore persists card scans as files the web app polls:
// card-scans/latest.json holds the current unconsumed scan, every scan also
// gets an immutable card-scans/scan-<unixms>.json copy, and both end up in
// card-scans/done/ once consumed or once the archive delay has passed.
package scanstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	bridge "github.com/drewvending/serialbridge"
	"github.com/drewvending/serialbridge/internal/fsutil"
	"github.com/drewvending/serialbridge/internal/syncutil"
)

const (
	// DirName is the directory under the data dir holding scan files.
	DirName = "card-scans"
	// LatestFile is the current unconsumed scan.
	LatestFile = "latest.json"
	// DoneDirName holds archived scans.
	DoneDirName = "done"

	scanPrefix  = "scan-"
	claimPrefix = ".consuming-"
)

// Record is the JSON document written for a scan.
type Record struct {
	Timestamp     time.Time `json:"timestamp"`
	CardUID       string    `json:"cardUID"`
	FormattedUID  string    `json:"formattedUID"`
	FileTimestamp int64     `json:"fileTimestamp"`
	Simulated     bool      `json:"simulated"`
	Processed     bool      `json:"processed"`
}

// FromScan builds a record from a delivered scan.
func FromScan(scan bridge.CardScanned) Record {
	return Record{
		CardUID:      scan.UID,
		FormattedUID: scan.FormattedUID,
		Timestamp:    scan.ObservedAt.UTC(),
		Simulated:    scan.Simulated,
	}
}

// Option configures a Store.
type Option func(*Store)

// WithArchiveDelay sets how long a scan stays unconsumed before it is archived.
func WithArchiveDelay(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.archiveDelay = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store owns the latest-scan slot. All mutations of the slot go through its
// mutex, and consumption is an atomic rename, so a scan is handed to at most
// one consumer even if another process also renames the file.
type Store struct {
	now          func() time.Time
	dir          string
	doneDir      string
	archiveDelay time.Duration
	lastFileTS   int64
	mu           syncutil.Mutex
}

// New creates the store under dataDir, creating card-scans/ and card-scans/done/.
func New(dataDir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:          filepath.Join(dataDir, DirName),
		archiveDelay: bridge.DefaultScanArchiveDelay,
		now:          time.Now,
	}
	s.doneDir = filepath.Join(s.dir, DoneDirName)
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(s.doneDir, 0o755); err != nil {
		return nil, fmt.Errorf("create scan directories: %w", err)
	}
	return s, nil
}

// Dir returns the card-scans directory.
func (s *Store) Dir() string {
	return s.dir
}

// ArchiveDelay returns the configured archive delay.
func (s *Store) ArchiveDelay() time.Duration {
	return s.archiveDelay
}

// RecordScan overwrites latest.json with rec and writes its timestamped copy.
// The returned record carries the assigned FileTimestamp.
func (s *Store) RecordScan(rec Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.now().UnixMilli()
	if ts <= s.lastFileTS {
		ts = s.lastFileTS + 1
	}
	s.lastFileTS = ts

	rec.FileTimestamp = ts
	rec.Processed = false
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now().UTC()
	}

	if err := fsutil.WriteJSONAtomic(filepath.Join(s.dir, scanFileName(ts)), rec); err != nil {
		return Record{}, fmt.Errorf("write scan copy: %w", err)
	}
	if err := fsutil.WriteJSONAtomic(filepath.Join(s.dir, LatestFile), rec); err != nil {
		return Record{}, fmt.Errorf("write latest scan: %w", err)
	}

	log.Debug().Str("uid", rec.CardUID).Int64("ts", ts).Msg("scan recorded")
	return rec, nil
}

// Latest returns the unconsumed scan, or nil if there is none.
func (s *Store) Latest() (*Record, error) {
	rec, err := readRecord(filepath.Join(s.dir, LatestFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ConsumeLatest atomically takes the unconsumed scan and archives it. Of any
// number of concurrent callers exactly one gets the record; the rest, and any
// later caller, get nil until the next scan.
func (s *Store) ConsumeLatest() (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claim := filepath.Join(s.dir, claimPrefix+strconv.FormatInt(time.Now().UnixNano(), 10))
	if err := os.Rename(filepath.Join(s.dir, LatestFile), claim); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim latest scan: %w", err)
	}

	rec, err := readRecord(claim)
	if err != nil {
		_ = os.Remove(claim)
		return nil, fmt.Errorf("read claimed scan: %w", err)
	}

	rec.Processed = true
	ts := rec.FileTimestamp
	if ts == 0 {
		ts = s.now().UnixMilli()
	}
	if err := fsutil.WriteJSONAtomic(filepath.Join(s.doneDir, scanFileName(ts)), rec); err != nil {
		return nil, fmt.Errorf("archive consumed scan: %w", err)
	}
	_ = os.Remove(claim)
	// The pending copy is now redundant.
	_ = os.Remove(filepath.Join(s.dir, scanFileName(ts)))

	log.Info().Str("uid", rec.CardUID).Msg("scan consumed")
	return rec, nil
}

// Clear discards the unconsumed scan without archiving it. It reports
// whether there was one.
func (s *Store) Clear() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.dir, LatestFile))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("clear latest scan: %w", err)
	}
	return true, nil
}

// Sweep archives every pending scan copy older than the archive delay,
// marking it processed, and expires latest.json if it refers to one of them.
// It returns the number of scans archived.
func (s *Store) Sweep() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("list scans: %w", err)
	}

	cutoff := s.now().Add(-s.archiveDelay).UnixMilli()
	var due []int64
	for _, e := range entries {
		ts, ok := parseScanFileName(e.Name())
		if !ok || e.IsDir() {
			continue
		}
		if ts <= cutoff {
			due = append(due, ts)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })

	var errs []error
	archived := 0
	for _, ts := range due {
		if err := s.archiveLocked(ts); err != nil {
			errs = append(errs, err)
			continue
		}
		archived++
	}

	if len(due) > 0 {
		s.expireLatestLocked(due[len(due)-1])
	}
	s.removeStaleClaimsLocked(entries)

	return archived, errors.Join(errs...)
}

func (s *Store) archiveLocked(ts int64) error {
	src := filepath.Join(s.dir, scanFileName(ts))
	rec, err := readRecord(src)
	if err != nil {
		// Corrupt copies are moved aside as-is so the sweep does not retry forever.
		if renameErr := os.Rename(src, filepath.Join(s.doneDir, scanFileName(ts))); renameErr != nil {
			return fmt.Errorf("archive %s: %w", src, errors.Join(err, renameErr))
		}
		log.Warn().Err(err).Str("file", src).Msg("archived unreadable scan file")
		return nil
	}

	rec.Processed = true
	if err := fsutil.WriteJSONAtomic(filepath.Join(s.doneDir, scanFileName(ts)), rec); err != nil {
		return fmt.Errorf("archive %s: %w", src, err)
	}
	if err := os.Remove(src); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", src, err)
	}
	log.Debug().Int64("ts", ts).Str("uid", rec.CardUID).Msg("scan archived")
	return nil
}

// expireLatestLocked removes latest.json when it is no newer than newestDue.
func (s *Store) expireLatestLocked(newestDue int64) {
	path := filepath.Join(s.dir, LatestFile)
	rec, err := readRecord(path)
	if err != nil {
		return
	}
	if rec.FileTimestamp != 0 && rec.FileTimestamp <= newestDue {
		if err := os.Remove(path); err == nil {
			log.Debug().Str("uid", rec.CardUID).Msg("unconsumed scan expired")
		}
	}
}

// removeStaleClaimsLocked cleans up claim files left by a crash mid-consume.
func (s *Store) removeStaleClaimsLocked(entries []os.DirEntry) {
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), claimPrefix) {
			_ = os.Remove(filepath.Join(s.dir, e.Name()))
		}
	}
}

func scanFileName(ts int64) string {
	return scanPrefix + strconv.FormatInt(ts, 10) + ".json"
}

func parseScanFileName(name string) (int64, bool) {
	if !strings.HasPrefix(name, scanPrefix) || !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	ts, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, scanPrefix), ".json"), 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

func readRecord(path string) (*Record, error) {
	var rec Record
	if err := fsutil.ReadJSON(path, &rec); err != nil {
		return nil, err //nolint:wrapcheck // callers test for os.ErrNotExist
	}
	return &rec, nil
}
