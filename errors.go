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
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"syscall"
)

// Error categories for the bridge pipeline
var (
	// Transport errors - potentially retryable
	ErrTransportTimeout  = errors.New("transport timeout")
	ErrTransportWrite    = errors.New("transport write failed")
	ErrTransportRead     = errors.New("transport read failed")
	ErrTransportClosed   = errors.New("transport is closed")
	ErrTransportNotReady = errors.New("transport not ready")

	// Connection errors
	ErrPortNotFound = errors.New("serial port not found")
	ErrNoPort       = errors.New("no serial port configured")
	ErrDegraded     = errors.New("serial link unavailable, running in simulate-only mode")

	// Dispense errors
	ErrDispenseTimeout    = errors.New("dispense timed out waiting for completion")
	ErrConnectionLost     = errors.New("serial connection lost")
	ErrProtocolMismatch   = errors.New("firmware acknowledged a different product")
	ErrInvalidProductType = errors.New("invalid product type")

	// Event bus errors
	ErrSubscriberClosed = errors.New("subscriber transport closed")
	ErrBusClosed        = errors.New("event bus closed")

	// Data errors - not retryable
	ErrInvalidUID       = errors.New("invalid card UID")
	ErrMissingUID       = errors.New("card UID is required")
	ErrServiceStopped   = errors.New("bridge service stopped")
	ErrServiceStarted   = errors.New("bridge service already started")
	ErrInvalidParameter = errors.New("invalid parameter")
)

// ErrorType represents the category of error for retry logic
type ErrorType int

const (
	// ErrorTypeTransient indicates a potentially retryable error
	ErrorTypeTransient ErrorType = iota
	// ErrorTypePermanent indicates a non-retryable error
	ErrorTypePermanent
	// ErrorTypeTimeout indicates a timeout error (special handling)
	ErrorTypeTimeout
)

// TransportError wraps transport-level errors with additional context
type TransportError struct {
	Err       error     // Underlying error
	Op        string    // Operation that failed
	Port      string    // Port or device identifier
	Type      ErrorType // Error category
	Retryable bool      // Whether the error is retryable
}

func (e *TransportError) Error() string {
	if e.Port != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Port, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a TransportError; timeouts and transient
// errors are marked retryable.
func NewTransportError(op, port string, err error, errType ErrorType) *TransportError {
	return &TransportError{
		Op:        op,
		Port:      port,
		Err:       err,
		Type:      errType,
		Retryable: errType == ErrorTypeTransient || errType == ErrorTypeTimeout,
	}
}

// NewTransportWriteError creates a retryable write error.
func NewTransportWriteError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTransportWrite, ErrorTypeTransient)
}

// NewTransportReadError creates a retryable read error.
func NewTransportReadError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTransportRead, ErrorTypeTransient)
}

// NewTransportClosedError creates a permanent error for a closed port.
func NewTransportClosedError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTransportClosed, ErrorTypePermanent)
}

// DispenseErrorKind classifies why a dispense command failed.
type DispenseErrorKind int

const (
	// DispenseTimeout means no matching COMPLETE line arrived in time.
	DispenseTimeout DispenseErrorKind = iota
	// DispenseConnectionLost means the serial write failed or the link dropped.
	DispenseConnectionLost
	// DispenseProtocolMismatch means the firmware started dispensing another product.
	DispenseProtocolMismatch
)

func (k DispenseErrorKind) String() string {
	switch k {
	case DispenseTimeout:
		return "timeout"
	case DispenseConnectionLost:
		return "connection_lost"
	case DispenseProtocolMismatch:
		return "protocol_mismatch"
	default:
		return "unknown"
	}
}

// sentinel maps the kind to the error errors.Is should match.
func (k DispenseErrorKind) sentinel() error {
	switch k {
	case DispenseTimeout:
		return ErrDispenseTimeout
	case DispenseConnectionLost:
		return ErrConnectionLost
	case DispenseProtocolMismatch:
		return ErrProtocolMismatch
	default:
		return nil
	}
}

// DispenseError is returned by Controller.Dispense.
type DispenseError struct {
	Err     error // Underlying cause, may be nil
	Product ProductType
	Kind    DispenseErrorKind
}

func (e *DispenseError) Error() string {
	msg := fmt.Sprintf("dispense %s: %v", e.Product, e.Kind.sentinel())
	if e.Err != nil && !errors.Is(e.Err, e.Kind.sentinel()) {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *DispenseError) Unwrap() []error {
	errs := []error{e.Kind.sentinel()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// IsRetryable returns true if the error is potentially retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}

	if isDeviceGoneError(err) {
		return true
	}

	switch {
	case errors.Is(err, ErrTransportTimeout),
		errors.Is(err, ErrTransportRead),
		errors.Is(err, ErrTransportWrite),
		errors.Is(err, ErrTransportNotReady),
		errors.Is(err, ErrPortNotFound),
		errors.Is(err, os.ErrNotExist),
		errors.Is(err, os.ErrPermission):
		return true
	default:
		return false
	}
}

// IsFatal returns true if the error means the serial link is gone and the
// reader must stop using it and reconnect. This is distinct from IsRetryable,
// which says whether reopening the port is worth trying.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Type == ErrorTypePermanent
	}

	if isDeviceGoneError(err) {
		return true
	}

	switch {
	case errors.Is(err, ErrTransportClosed),
		errors.Is(err, ErrConnectionLost),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, os.ErrClosed):
		return true
	default:
		return false
	}
}

// Windows error codes for device disconnection detection.
// These are defined here because they're not available on non-Windows platforms.
const (
	errAccessDenied syscall.Errno = 5   // ERROR_ACCESS_DENIED
	errGenFailure   syscall.Errno = 31  // ERROR_GEN_FAILURE
	errNoSuchDevice syscall.Errno = 433 // ERROR_NO_SUCH_DEVICE
)

// isDeviceGoneError checks for OS-level errors indicating the USB serial
// adapter was unplugged during I/O.
func isDeviceGoneError(err error) bool {
	if err == nil {
		return false
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		//nolint:exhaustive // Only checking specific device-gone errors, not all errno values
		switch errno {
		case syscall.EIO, syscall.ENXIO, syscall.ENODEV:
			return true
		}

		if runtime.GOOS == "windows" {
			//nolint:exhaustive // Only checking specific device-gone errors, not all errno values
			switch errno {
			case errAccessDenied, errGenFailure, errNoSuchDevice:
				return true
			}
		}
	}

	return false
}
