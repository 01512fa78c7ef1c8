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
	"database/sql"
	"fmt"
	"time"
)

// ScanEntry is one delivered card scan.
type ScanEntry struct {
	ObservedAt   time.Time `json:"observedAt"`
	CardUID      string    `json:"cardUID"`
	FormattedUID string    `json:"formattedUID"`
	ID           int64     `json:"id"`
	Simulated    bool      `json:"simulated"`
}

// DispenseEntry is one terminal dispense outcome.
type DispenseEntry struct {
	RequestedAt time.Time `json:"requestedAt"`
	CompletedAt time.Time `json:"completedAt"`
	RequestID   string    `json:"requestId"`
	ProductType string    `json:"productType"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	ID          int64     `json:"id"`
}

// Store reads and appends audit rows. Writes go through a Worker.
type Store struct {
	db     *sql.DB
	writer *Worker
}

// NewStore creates a store over an open, migrated database.
func NewStore(db *sql.DB, writer *Worker) *Store {
	return &Store{db: db, writer: writer}
}

// RecordScan appends a scan.
func (s *Store) RecordScan(ctx context.Context, e ScanEntry) error {
	if e.ObservedAt.IsZero() {
		e.ObservedAt = time.Now().UTC()
	}
	var simulated int
	if e.Simulated {
		simulated = 1
	}

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO scans(card_uid, formatted_uid, simulated, observed_at_ms)
VALUES (?, ?, ?, ?);
`, e.CardUID, e.FormattedUID, simulated, e.ObservedAt.UTC().UnixMilli()); err != nil {
			return fmt.Errorf("RecordScan insert: %w", err)
		}
		return nil
	})
}

// RecordDispense appends a dispense outcome.
func (s *Store) RecordDispense(ctx context.Context, e DispenseEntry) error {
	if e.CompletedAt.IsZero() {
		e.CompletedAt = time.Now().UTC()
	}
	if e.RequestedAt.IsZero() {
		e.RequestedAt = e.CompletedAt
	}
	var errText any
	if e.Error != "" {
		errText = e.Error
	}

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO dispenses(request_id, product_type, status, error, requested_at_ms, completed_at_ms)
VALUES (?, ?, ?, ?, ?, ?);
`, e.RequestID, e.ProductType, e.Status, errText,
			e.RequestedAt.UTC().UnixMilli(), e.CompletedAt.UTC().UnixMilli()); err != nil {
			return fmt.Errorf("RecordDispense insert: %w", err)
		}
		return nil
	})
}

// RecentScans returns up to limit scans, newest first.
func (s *Store) RecentScans(ctx context.Context, limit int) ([]ScanEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, card_uid, formatted_uid, simulated, observed_at_ms
FROM scans
ORDER BY observed_at_ms DESC, id DESC
LIMIT ?;
`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("RecentScans query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]ScanEntry, 0)
	for rows.Next() {
		var (
			e          ScanEntry
			simulated  int
			observedMs int64
		)
		if err := rows.Scan(&e.ID, &e.CardUID, &e.FormattedUID, &simulated, &observedMs); err != nil {
			return nil, fmt.Errorf("RecentScans scan: %w", err)
		}
		e.Simulated = simulated != 0
		e.ObservedAt = time.UnixMilli(observedMs).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("RecentScans rows: %w", err)
	}
	return out, nil
}

// RecentDispenses returns up to limit dispense outcomes, newest first.
func (s *Store) RecentDispenses(ctx context.Context, limit int) ([]DispenseEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, request_id, product_type, status, error, requested_at_ms, completed_at_ms
FROM dispenses
ORDER BY completed_at_ms DESC, id DESC
LIMIT ?;
`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("RecentDispenses query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]DispenseEntry, 0)
	for rows.Next() {
		var (
			e           DispenseEntry
			errText     sql.NullString
			requestedMs int64
			completedMs int64
		)
		if err := rows.Scan(&e.ID, &e.RequestID, &e.ProductType, &e.Status, &errText,
			&requestedMs, &completedMs); err != nil {
			return nil, fmt.Errorf("RecentDispenses scan: %w", err)
		}
		e.Error = errText.String
		e.RequestedAt = time.UnixMilli(requestedMs).UTC()
		e.CompletedAt = time.UnixMilli(completedMs).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("RecentDispenses rows: %w", err)
	}
	return out, nil
}

const (
	defaultLimit = 50
	maxLimit     = 1000
)

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultLimit
	case limit > maxLimit:
		return maxLimit
	default:
		return limit
	}
}
