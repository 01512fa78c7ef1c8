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

package dispense

import (
	"fmt"
	"strings"
	"time"

	bridge "github.com/drewvending/serialbridge"
)

// Status is the lifecycle state of a dispense request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// Request is one dispense request document. Records written by other
// processes may carry only productType, timestamp and status; the queue
// fills in the rest when it claims them.
type Request struct {
	RequestedAt time.Time          `json:"requestedAt"`
	StartedAt   *time.Time         `json:"startedAt,omitempty"`
	CompletedAt *time.Time         `json:"completedAt,omitempty"`
	ID          string             `json:"id,omitempty"`
	ProductType bridge.ProductType `json:"productType"`
	Status      Status             `json:"status"`
	Error       string             `json:"error,omitempty"`
	Timestamp   int64              `json:"timestamp"`
}

// ErrorRecord is the companion document written next to a failed request.
type ErrorRecord struct {
	Timestamp   time.Time          `json:"timestamp"`
	Error       string             `json:"error"`
	ProductType bridge.ProductType `json:"productType,omitempty"`
	RequestID   string             `json:"requestId,omitempty"`
}

// Terminal reports whether the request has reached done or error.
func (r *Request) Terminal() bool {
	return r.Status == StatusDone || r.Status == StatusError
}

// fileName is <timestamp>_<id>.json, which sorts in arrival order.
func (r *Request) fileName() string {
	return fmt.Sprintf("%d_%s.json", r.Timestamp, r.ID)
}

// idFromFileName extracts the request id from a <timestamp>_<id>.json name.
func idFromFileName(name string) string {
	base := strings.TrimSuffix(name, ".json")
	if i := strings.IndexByte(base, '_'); i >= 0 {
		return base[i+1:]
	}
	return base
}

func timePtr(t time.Time) *time.Time {
	return &t
}
