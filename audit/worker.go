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
	"errors"
	"sync"
)

// ErrWorkerClosed is returned by Do after Close.
var ErrWorkerClosed = errors.New("audit writer closed")

// TxFn runs inside a write transaction.
type TxFn func(ctx context.Context, tx *sql.Tx) error

type job struct {
	ctx context.Context
	fn  TxFn
	ch  chan error
}

// Worker serializes write transactions onto one goroutine.
type Worker struct {
	db      *sql.DB
	jobs    chan job
	done    chan struct{}
	closing chan struct{}
	once    sync.Once
}

// NewWorker starts a writer for db.
func NewWorker(db *sql.DB) *Worker {
	w := &Worker{
		db:      db,
		jobs:    make(chan job, 256),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	go w.loop()
	return w
}

// Close stops the writer after running queued jobs.
func (w *Worker) Close() {
	w.once.Do(func() {
		close(w.closing)
	})
	<-w.done
}

// Do runs fn in a transaction on the writer goroutine and returns its
// result, or ctx's error if ctx ends first. In that case the transaction
// still runs to completion.
func (w *Worker) Do(ctx context.Context, fn TxFn) error {
	ch := make(chan error, 1)
	j := job{ctx: ctx, fn: fn, ch: ch}

	select {
	case <-w.closing:
		return ErrWorkerClosed
	default:
	}

	select {
	case w.jobs <- j:
	case <-w.closing:
		return ErrWorkerClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer close(w.done)

	for {
		select {
		case j := <-w.jobs:
			w.run(j)
		case <-w.closing:
			for {
				select {
				case j := <-w.jobs:
					w.run(j)
				default:
					return
				}
			}
		}
	}
}

func (w *Worker) run(j job) {
	tx, err := w.db.BeginTx(j.ctx, nil)
	if err != nil {
		j.ch <- err
		return
	}
	if err := j.fn(j.ctx, tx); err != nil {
		_ = tx.Rollback()
		j.ch <- err
		return
	}
	j.ch <- tx.Commit()
}
