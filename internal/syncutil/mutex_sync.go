//go:build !deadlock

// Package syncutil holds the mutex types used by the bridge. The default
// build uses the standard library types; build with -tags=deadlock to get
// lock-order diagnostics from github.com/sasha-s/go-deadlock.
package syncutil

import (
	"sync"
	"time"
)

// LockTimeout is unused in the default build and kept so callers can log it.
const LockTimeout = 90 * time.Second

// Mutex wraps sync.Mutex.
type Mutex struct {
	sync.Mutex
}

// RWMutex wraps sync.RWMutex.
type RWMutex struct {
	sync.RWMutex
}
