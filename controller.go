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
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// CommandLink is the write side of the serial connection.
type CommandLink interface {
	// WriteLine sends one newline-terminated command to the firmware.
	WriteLine(line string) error
	// Done returns a channel closed when the current connection is lost.
	// It returns an already closed channel when there is no connection.
	Done() <-chan struct{}
}

// Controller sends dispense commands and waits for the firmware's COMPLETE
// line. Callers must not have more than one Dispense outstanding at a time:
// acks carry only the product name, so concurrent commands for the same
// product could not be told apart. The dispense queue guarantees this.
type Controller struct {
	bus     *EventBus
	link    CommandLink
	timeout time.Duration
}

// NewController creates a dispense controller. A timeout outside
// [MinDispenseTimeout, MaxDispenseTimeout] selects DefaultDispenseTimeout.
func NewController(bus *EventBus, link CommandLink, timeout time.Duration) *Controller {
	if timeout < MinDispenseTimeout || timeout > MaxDispenseTimeout {
		timeout = DefaultDispenseTimeout
	}
	return &Controller{bus: bus, link: link, timeout: timeout}
}

// Timeout returns the configured completion timeout.
func (c *Controller) Timeout() time.Duration {
	return c.timeout
}

// Dispense writes DISPENSE:<product> and blocks until the matching
// COMPLETE:<product> arrives, the timeout elapses, or the connection drops.
// A started motor run cannot be aborted; ctx only ends the wait early on
// shutdown. Failures are returned as *DispenseError.
func (c *Controller) Dispense(ctx context.Context, product ProductType) error {
	if !product.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidProductType, product)
	}

	completed := make(chan struct{}, 1)
	mismatch := make(chan ProductType, 1)

	id, err := c.bus.Subscribe(func(ev SerialEvent) error {
		switch e := ev.(type) {
		case DispenseCompleted:
			if e.ProductType != product {
				log.Warn().
					Str("expected", product.String()).
					Str("got", e.ProductType.String()).
					Msg("ignoring completion for a different product")
				return nil
			}
			select {
			case completed <- struct{}{}:
			default:
			}
		case DispenseStarted:
			if e.ProductType == product {
				log.Info().Str("product", product.String()).Msg("firmware started dispensing")
				return nil
			}
			select {
			case mismatch <- e.ProductType:
			default:
			}
		}
		return nil
	})
	if err != nil {
		return &DispenseError{Kind: DispenseConnectionLost, Product: product, Err: err}
	}
	defer c.bus.Unsubscribe(id)

	lost := c.link.Done()
	command := "DISPENSE:" + product.String()
	if err := c.link.WriteLine(command); err != nil {
		return &DispenseError{Kind: DispenseConnectionLost, Product: product, Err: err}
	}
	log.Info().Str("command", command).Dur("timeout", c.timeout).Msg("sent dispense command")

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	var failure *DispenseError
	select {
	case <-completed:
	case got := <-mismatch:
		failure = &DispenseError{
			Kind:    DispenseProtocolMismatch,
			Product: product,
			Err:     fmt.Errorf("firmware reported DISPENSING:%s", got),
		}
	case <-lost:
		failure = &DispenseError{Kind: DispenseConnectionLost, Product: product}
	case <-timer.C:
		failure = &DispenseError{
			Kind:    DispenseTimeout,
			Product: product,
			Err:     fmt.Errorf("no COMPLETE:%s within %v", product, c.timeout),
		}
	case <-ctx.Done():
		failure = &DispenseError{Kind: DispenseConnectionLost, Product: product, Err: ctx.Err()}
	}

	// select picks at random among ready cases; a completion that already
	// arrived wins over a failure that became ready at the same time.
	if failure != nil {
		select {
		case <-completed:
			failure = nil
		default:
			return failure
		}
	}

	log.Info().Str("product", product.String()).Msg("dispense complete")
	return nil
}
