//go:build deadlock

// Package syncutil holds the mutex types used by the bridge. Building with
// -tags=deadlock swaps them for go-deadlock so lock-order inversions between
// the serial reader, the drain loop and the HTTP handlers are reported.
package syncutil

import (
	"time"

	"github.com/rs/zerolog/log"
	deadlock "github.com/sasha-s/go-deadlock"
)

// LockTimeout is how long a lock may be held before go-deadlock reports it.
// It is longer than any dispense wait; no lock is held across a dispense.
const LockTimeout = 90 * time.Second

func init() {
	deadlock.Opts.DeadlockTimeout = LockTimeout
	deadlock.Opts.OnPotentialDeadlock = func() {
		log.Error().Msg("potential deadlock detected, see stderr for goroutine dump")
	}
}

// Mutex wraps deadlock.Mutex.
type Mutex struct {
	deadlock.Mutex
}

// RWMutex wraps deadlock.RWMutex.
type RWMutex struct {
	deadlock.RWMutex
}
