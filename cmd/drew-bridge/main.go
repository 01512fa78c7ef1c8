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


// Command drew-bridge connects the vending machine's RFID reader/motor board
// to the kiosk web app. It reads card scans from the serial port, writes them
// where the web app polls, drains dispense requests to the firmware and
// serves the local HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	bridge "github.com/drewvending/serialbridge"
	"github.com/drewvending/serialbridge/detection"
	_ "github.com/drewvending/serialbridge/detection/uart"
	"github.com/drewvending/serialbridge/httpapi"
	virtual "github.com/drewvending/serialbridge/internal/testing"
	"github.com/drewvending/serialbridge/service"
)

const shutdownTimeout = 10 * time.Second

type config struct {
	port             string
	dataDir          string
	auditDB          string
	logDir           string
	baudRate         int
	apiPort          int
	dispenseTimeout  time.Duration
	detect           bool
	simulateFirmware bool
	sessionLog       bool
	debug            bool
}

// Package-level flag variables
var (
	flagPort             string
	flagDataDir          string
	flagAuditDB          string
	flagLogDir           string
	flagBaudRate         int
	flagAPIPort          int
	flagDispenseTimeout  time.Duration
	flagDetect           bool
	flagSimulateFirmware bool
	flagSessionLog       bool
	flagDebug            bool
)

func init() {
	flag.StringVar(&flagPort, "port", "", "Serial port of the reader board (env RFID_PORT; auto-detect if empty)")
	flag.StringVar(&flagDataDir, "data-dir", "", "Directory shared with the web app (env DREW_BRIDGE_DATA_DIR)")
	flag.StringVar(&flagAuditDB, "audit-db", "", "SQLite audit database path (env DREW_BRIDGE_AUDIT_DB; disabled if empty)")
	flag.StringVar(&flagLogDir, "log-dir", "", "Directory for the session log (default: current directory)")
	flag.IntVar(&flagBaudRate, "baud", 0, "Serial baud rate (env RFID_BAUD_RATE)")
	flag.IntVar(&flagAPIPort, "api-port", 0, "HTTP API port (env API_PORT)")
	flag.DurationVar(&flagDispenseTimeout, "dispense-timeout", 0,
		"How long to wait for COMPLETE after a dispense command (env DREW_BRIDGE_DISPENSE_TIMEOUT)")
	flag.BoolVar(&flagDetect, "detect", true, "Auto-detect the reader board when no port is set")
	flag.BoolVar(&flagSimulateFirmware, "simulate-firmware", false,
		"Talk to an in-process virtual firmware instead of a serial port")
	flag.BoolVar(&flagSessionLog, "session-log", false, "Write a session log file")
	flag.BoolVar(&flagDebug, "debug", false, "Enable debug output")
}

// parseConfig merges flags with environment fallbacks. A flag left at its
// zero value defers to the environment, then to the built-in default.
func parseConfig(getenv func(string) string) (*config, error) {
	cfg := &config{
		port:             firstNonEmpty(flagPort, getenv("RFID_PORT")),
		dataDir:          firstNonEmpty(flagDataDir, getenv("DREW_BRIDGE_DATA_DIR"), bridge.DefaultConfig().DataDir),
		auditDB:          firstNonEmpty(flagAuditDB, getenv("DREW_BRIDGE_AUDIT_DB")),
		logDir:           flagLogDir,
		baudRate:         flagBaudRate,
		apiPort:          flagAPIPort,
		dispenseTimeout:  flagDispenseTimeout,
		detect:           flagDetect,
		simulateFirmware: flagSimulateFirmware,
		sessionLog:       flagSessionLog,
		debug:            flagDebug,
	}

	var err error
	if cfg.baudRate == 0 {
		if cfg.baudRate, err = envInt(getenv, "RFID_BAUD_RATE", bridge.DefaultBaudRate); err != nil {
			return nil, err
		}
	}
	if cfg.apiPort == 0 {
		if cfg.apiPort, err = envInt(getenv, "API_PORT", 3333); err != nil {
			return nil, err
		}
	}
	if cfg.dispenseTimeout == 0 {
		cfg.dispenseTimeout, err = envDuration(getenv, "DREW_BRIDGE_DISPENSE_TIMEOUT", bridge.DefaultDispenseTimeout)
		if err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func envInt(getenv func(string) string, key string, def int) (int, error) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, raw)
	}
	return n, nil
}

// envDuration accepts a Go duration ("45s") or whole seconds ("45").
func envDuration(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, raw)
	}
	return d, nil
}

// bridgeConfig turns the command line into the pipeline configuration.
func (c *config) bridgeConfig() *bridge.Config {
	bc := bridge.DefaultConfig()
	bc.Port = c.port
	bc.BaudRate = c.baudRate
	bc.DataDir = c.dataDir
	bc.AuditDBPath = c.auditDB
	bc.DispenseTimeout = c.dispenseTimeout
	return bc
}

// virtualFirmwareOpener boots a fresh virtual board on every open, like a
// real ESP32 resetting when its port is opened.
func virtualFirmwareOpener() bridge.Opener {
	return func(ctx context.Context) (bridge.Transport, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fw := virtual.NewVirtualFirmware()
		fw.Boot()
		return bridge.NewStreamTransport(fw, "virtual0"), nil
	}
}

// detectPort picks the most likely reader board, or "" when none is found.
func detectPort(ctx context.Context, baudRate int) string {
	opts := detection.DefaultOptions()
	opts.BaudRate = baudRate

	devices, err := detection.DetectAll(ctx, &opts)
	if err != nil {
		log.Warn().Err(err).Msg("reader board auto-detection found nothing")
		return ""
	}
	best, _ := detection.Best(devices)
	log.Info().
		Str("port", best.Path).
		Str("confidence", best.Confidence.String()).
		Str("evidence", best.Metadata["evidence"]).
		Msg("auto-detected reader board")
	return best.Path
}

func run(ctx context.Context, cfg *config) error {
	var opts []service.Option
	switch {
	case cfg.simulateFirmware:
		log.Info().Msg("using virtual firmware; no serial port will be opened")
		opts = append(opts, service.WithOpener(virtualFirmwareOpener()))
	case cfg.port == "" && cfg.detect:
		cfg.port = detectPort(ctx, cfg.baudRate)
	}
	if cfg.port == "" && !cfg.simulateFirmware {
		log.Warn().Msg("no serial port configured; running in simulate-only mode")
	}

	svc, err := service.New(cfg.bridgeConfig(), opts...)
	if err != nil {
		return fmt.Errorf("failed to create bridge: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}

	srv := httpapi.NewServer(httpapi.Dependencies{
		Bridge: svc,
		Addr:   fmt.Sprintf(":%d", cfg.apiPort),
	})

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr()).Msg("HTTP API listening")
		serveErr <- srv.Start()
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("HTTP API failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP API shutdown")
	}

	// The bridge gets its own deadline so a slow HTTP shutdown cannot cut
	// short an in-flight dispense.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := svc.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Msg("bridge shutdown")
	}
	return runErr
}

func main() {
	flag.Parse()
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	cfg, err := parseConfig(os.Getenv)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	if cfg.debug {
		bridge.SetDebugEnabled(true)
	}
	if cfg.sessionLog {
		path, logErr := bridge.InitSessionLog(cfg.logDir)
		if logErr != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Failed to open session log: %v\n", logErr)
		} else {
			_, _ = fmt.Printf("Session log: %s\n", path)
			defer func() { _ = bridge.CloseSessionLog() }()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("drew-bridge stopped")
		return 1
	}
	log.Info().Msg("drew-bridge stopped")
	return 0
}
