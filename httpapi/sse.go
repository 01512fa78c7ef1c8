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

package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	bridge "github.com/drewvending/serialbridge"
)

const (
	defaultKeepAlive = 15 * time.Second
	sseBufferSize    = 32
)

// handleListen streams serial events to one client. Each connection is one
// bus subscriber; the subscriber only hands events to this goroutine, so a
// slow client never holds up the serial reader.
//
// Query parameters: timeout (a duration such as 10s, or whole seconds)
// ends the stream with a timeout event; once=1 ends it after the first card.
func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc := http.NewResponseController(w)

	timeout, err := parseTimeout(r.URL.Query().Get("timeout"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	once := r.URL.Query().Get("once") == "1" || r.URL.Query().Get("once") == "true"

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	connID := uuid.NewString()
	var eventID atomic.Uint64
	events := make(chan bridge.SerialEvent, sseBufferSize)
	done := make(chan struct{})
	defer close(done)

	subID, err := s.bridge.Subscribe(func(ev bridge.SerialEvent) error {
		select {
		case <-done:
			return bridge.ErrSubscriberClosed
		default:
		}
		if _, noise := ev.(bridge.Unrecognized); noise {
			return nil
		}
		select {
		case events <- ev:
		default:
			log.Warn().Str("conn", connID).Str("event", string(ev.Kind())).Msg("SSE client too slow, dropping event")
		}
		return nil
	})
	if err != nil {
		_ = sendSSE(rc, w, "error", map[string]string{"error": "bridge unavailable", "details": err.Error()}, 0)
		return
	}
	defer s.bridge.Unsubscribe(subID)

	log.Info().Str("conn", connID).Str("from", r.RemoteAddr).Msg("SSE client connected")
	defer log.Info().Str("conn", connID).Msg("SSE client disconnected")

	if err := sendSSE(rc, w, "connected", map[string]any{
		"connectionId": connID,
		"timestamp":    time.Now().UTC(),
	}, eventID.Add(1)); err != nil {
		return
	}
	if rec, err := s.bridge.LatestScan(ctx); err == nil && rec != nil {
		if err := sendSSE(rc, w, "last-scan", rec, eventID.Add(1)); err != nil {
			return
		}
	}

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-s.bridge.Done():
			_ = sendSSE(rc, w, "error", map[string]string{"error": "bridge stopped"}, eventID.Add(1))
			return

		case <-s.closing:
			_ = sendSSE(rc, w, "error", map[string]string{"error": "server shutting down"}, eventID.Add(1))
			return

		case ev := <-events:
			if err := sendSSE(rc, w, string(ev.Kind()), ev, eventID.Add(1)); err != nil {
				return
			}
			if _, card := ev.(bridge.CardScanned); card && once {
				return
			}

		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}

		case <-expired:
			_ = sendSSE(rc, w, "timeout", map[string]string{"message": "No card scanned before timeout"}, eventID.Add(1))
			return
		}
	}
}

// sendSSE writes one event. An id of 0 omits the id field.
func sendSSE(rc *http.ResponseController, w http.ResponseWriter, event string, data any, id uint64) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	if id > 0 {
		_, err = fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", event, id, payload)
	} else {
		_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	}
	if err != nil {
		return fmt.Errorf("write %s event: %w", event, err)
	}
	if err := rc.Flush(); err != nil {
		return fmt.Errorf("flush %s event: %w", event, err)
	}
	return nil
}

func parseTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("timeout must not be negative: %q", raw)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid timeout %q", raw)
	}
	return d, nil
}
