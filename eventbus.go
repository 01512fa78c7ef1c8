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

	"github.com/rs/zerolog/log"

	"github.com/drewvending/serialbridge/internal/syncutil"
)

// Subscriber receives events from the bus. It runs on the publishing
// goroutine and must not block: hand the event to a channel or an already
// open stream. Returning an error wrapping ErrSubscriberClosed removes the
// subscriber; other errors are logged and delivery continues.
type Subscriber func(SerialEvent) error

// SubscriptionID identifies a subscriber for Unsubscribe. Zero is never issued.
type SubscriptionID uint64

type subscription struct {
	fn Subscriber
	id SubscriptionID
}

// EventBus fans events out to subscribers synchronously, in subscription
// order. There is no buffering between publishes.
type EventBus struct {
	subs   []subscription
	nextID SubscriptionID
	mu     syncutil.Mutex
	closed bool
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers fn and returns its handle.
func (b *EventBus) Subscribe(fn Subscriber) (SubscriptionID, error) {
	if fn == nil {
		return 0, fmt.Errorf("%w: nil subscriber", ErrInvalidParameter)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrBusClosed
	}
	b.nextID++
	b.subs = append(b.subs, subscription{id: b.nextID, fn: fn})
	return b.nextID, nil
}

// Unsubscribe removes a subscriber. It reports whether the handle was registered.
func (b *EventBus) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(id)
}

func (b *EventBus) removeLocked(id SubscriptionID) bool {
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish delivers ev to every current subscriber and returns how many
// accepted it. Subscribers added or removed during delivery take effect on
// the next publish.
func (b *EventBus) Publish(ev SerialEvent) int {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0
	}
	snapshot := make([]subscription, len(b.subs))
	copy(snapshot, b.subs)
	b.mu.Unlock()

	delivered := 0
	var dead []SubscriptionID
	for _, s := range snapshot {
		err := deliver(s, ev)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrSubscriberClosed), errors.Is(err, errSubscriberPanicked):
			log.Debug().Uint64("subscriber", uint64(s.id)).Err(err).Msg("removing subscriber")
			dead = append(dead, s.id)
		default:
			log.Warn().
				Uint64("subscriber", uint64(s.id)).
				Str("event", string(ev.Kind())).
				Err(err).
				Msg("subscriber returned error")
		}
	}

	if len(dead) > 0 {
		b.mu.Lock()
		for _, id := range dead {
			b.removeLocked(id)
		}
		b.mu.Unlock()
	}

	return delivered
}

var errSubscriberPanicked = errors.New("subscriber panicked")

func deliver(s subscription, ev SerialEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errSubscriberPanicked, r)
		}
	}()
	return s.fn(ev)
}

// Len returns the number of subscribers.
func (b *EventBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close drops all subscribers and rejects new ones.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
}
