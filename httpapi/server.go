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

// Package httpapi exposes the bridge over HTTP: status, last-card polling,
// scan consumption, simulated scans, dispense requests, the audit trail and
// a Server-Sent Events stream of serial events.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	bridge "github.com/drewvending/serialbridge"
	"github.com/drewvending/serialbridge/audit"
	"github.com/drewvending/serialbridge/dispense"
	"github.com/drewvending/serialbridge/scanstore"
	"github.com/drewvending/serialbridge/service"
)

const maxBodyBytes = 64 << 10

// Bridge is the pipeline the server fronts. *service.Service implements it.
type Bridge interface {
	Status() service.Status
	LatestScan(ctx context.Context) (*scanstore.Record, error)
	ConsumeScan(ctx context.Context) (*scanstore.Record, error)
	ClearScan(ctx context.Context) (bool, error)
	SimulateScan(rawUID string) (bridge.CardScanned, bool, error)
	EnqueueDispense(product string) (string, error)
	ClearDispense() (bool, error)
	DispenseStatus() dispense.QueueStatus
	Subscribe(fn bridge.Subscriber) (bridge.SubscriptionID, error)
	Unsubscribe(id bridge.SubscriptionID)
	Audit() *audit.Store
	Done() <-chan struct{}
}

var _ Bridge = (*service.Service)(nil)

type Dependencies struct {
	Bridge Bridge
	Addr   string
	// KeepAlive is the SSE comment interval. Zero selects 15s.
	KeepAlive time.Duration
}

type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	bridge     Bridge
	closing    chan struct{}
	closeOnce  sync.Once
	keepAlive  time.Duration
}

func NewServer(d Dependencies) *Server {
	mux := http.NewServeMux()

	s := &Server{
		mux:       mux,
		bridge:    d.Bridge,
		closing:   make(chan struct{}),
		keepAlive: d.KeepAlive,
	}
	if s.keepAlive <= 0 {
		s.keepAlive = defaultKeepAlive
	}

	s.handle("GET /status", s.handleStatus)
	s.handle("GET /last-card", s.handleLastCard)
	s.handle("DELETE /last-card", s.handleClearCard)
	s.handle("POST /consume", s.handleConsume)
	s.handle("POST /simulate-scan", s.handleSimulateScan)
	s.handle("GET /listen", s.handleListen)
	s.handle("POST /dispense", s.handleDispense)
	s.handle("GET /dispense", s.handleDispenseStatus)
	s.handle("DELETE /dispense", s.handleClearDispense)
	s.handle("GET /audit/scans", s.handleAuditScans)
	s.handle("GET /audit/dispenses", s.handleAuditDispenses)

	handler := loggingMiddleware(corsMiddleware(mux))

	// No write timeout: /listen streams for as long as the client stays.
	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	// Shutdown waits for handlers, so open event streams must end themselves.
	s.httpServer.RegisterOnShutdown(s.closeStreams)

	return s
}

// handle registers pattern under both its bare path and the /api prefix.
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	method, path, _ := strings.Cut(pattern, " ")
	s.mux.HandleFunc(method+" "+path, h)
	s.mux.HandleFunc(method+" /api"+path, h)
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Addr() string { return s.httpServer.Addr }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	return s.httpServer.Serve(l)
}

func (s *Server) closeStreams() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type statusResponse struct {
	service.Status
	Success bool `json:"success"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Success: true, Status: s.bridge.Status()})
}

type messageData struct {
	Message string `json:"message"`
}

func (s *Server) handleLastCard(w http.ResponseWriter, r *http.Request) {
	rec, err := s.bridge.LatestScan(r.Context())
	if err != nil {
		// Pollers get a well-formed answer rather than a 5xx.
		log.Warn().Err(err).Msg("reading latest scan")
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"data":    messageData{Message: "Scan data unavailable"},
		})
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"data":    messageData{Message: "No card scanned yet"},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": rec})
}

func (s *Server) handleClearCard(w http.ResponseWriter, r *http.Request) {
	cleared, err := s.bridge.ClearScan(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("clearing latest scan")
		writeError(w, http.StatusInternalServerError, "failed to clear card scan")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "cleared": cleared})
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	rec, err := s.bridge.ConsumeScan(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("consuming latest scan")
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "Scan data unavailable"})
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "No unconsumed card scan"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": rec})
}

type simulateRequest struct {
	CardUID string `json:"cardUID"`
}

func (s *Server) handleSimulateScan(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.CardUID == "" {
		writeError(w, http.StatusBadRequest, "cardUID is required")
		return
	}

	scan, delivered, err := s.bridge.SimulateScan(req.CardUID)
	switch {
	case errors.Is(err, bridge.ErrInvalidUID):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, bridge.ErrServiceStopped):
		writeError(w, http.StatusServiceUnavailable, "bridge is not running")
		return
	case err != nil:
		log.Error().Err(err).Msg("simulating scan")
		writeError(w, http.StatusInternalServerError, "unexpected server error")
		return
	}

	msg := "Simulated card scan: " + scan.FormattedUID
	if !delivered {
		msg = "Duplicate scan ignored: " + scan.FormattedUID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   msg,
		"delivered": delivered,
		"data":      scan,
	})
}

type dispenseRequest struct {
	ProductType string `json:"productType"`
}

func (s *Server) handleDispense(w http.ResponseWriter, r *http.Request) {
	var req dispenseRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id, err := s.bridge.EnqueueDispense(req.ProductType)
	switch {
	case errors.Is(err, bridge.ErrInvalidProductType):
		writeError(w, http.StatusBadRequest, "productType must be pad or tampon")
		return
	case errors.Is(err, dispense.ErrQueueStopped):
		writeError(w, http.StatusServiceUnavailable, "dispense queue is not running")
		return
	case err != nil:
		log.Error().Err(err).Msg("queueing dispense request")
		writeError(w, http.StatusInternalServerError, "failed to queue dispense request")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "requestId": id})
}

func (s *Server) handleDispenseStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": s.bridge.DispenseStatus()})
}

func (s *Server) handleClearDispense(w http.ResponseWriter, _ *http.Request) {
	cleared, err := s.bridge.ClearDispense()
	if err != nil {
		log.Error().Err(err).Msg("clearing dispense request")
		writeError(w, http.StatusInternalServerError, "failed to clear dispense request")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "cleared": cleared})
}

func (s *Server) handleAuditScans(w http.ResponseWriter, r *http.Request) {
	store := s.bridge.Audit()
	if store == nil {
		writeError(w, http.StatusNotFound, "audit trail is disabled")
		return
	}
	scans, err := store.RecentScans(r.Context(), queryLimit(r))
	if err != nil {
		log.Error().Err(err).Msg("reading scan audit")
		writeError(w, http.StatusInternalServerError, "failed to read audit trail")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": scans})
}

func (s *Server) handleAuditDispenses(w http.ResponseWriter, r *http.Request) {
	store := s.bridge.Audit()
	if store == nil {
		writeError(w, http.StatusNotFound, "audit trail is disabled")
		return
	}
	dispenses, err := store.RecentDispenses(r.Context(), queryLimit(r))
	if err != nil {
		log.Error().Err(err).Msg("reading dispense audit")
		writeError(w, http.StatusInternalServerError, "failed to read audit trail")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": dispenses})
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return n
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("writing JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "message": message})
}
