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
	"fmt"
	"strings"
	"time"
)

// ProductType is the product the dispenser can vend.
type ProductType string

const (
	ProductPad    ProductType = "pad"
	ProductTampon ProductType = "tampon"
)

// ParseProductType normalizes a product name to its canonical form.
// Casing, surrounding whitespace and a trailing plural "s" are ignored, so
// "Pads" and "TAMPON" are accepted.
func ParseProductType(s string) (ProductType, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.TrimSuffix(norm, "s")
	switch ProductType(norm) {
	case ProductPad:
		return ProductPad, nil
	case ProductTampon:
		return ProductTampon, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidProductType, s)
	}
}

// Valid reports whether p is one of the canonical product types.
func (p ProductType) Valid() bool {
	return p == ProductPad || p == ProductTampon
}

func (p ProductType) String() string {
	return string(p)
}

// EventKind names a SerialEvent variant. The values double as SSE event names.
type EventKind string

const (
	KindCardScanned       EventKind = "card"
	KindDispenseStarted   EventKind = "dispensing"
	KindDispenseCompleted EventKind = "complete"
	KindSystemReady       EventKind = "ready"
	KindUnrecognized      EventKind = "unrecognized"
)

// SerialEvent is a decoded line from the firmware, or a synthetic scan.
// The set of implementations is closed; consumers switch on the concrete type.
type SerialEvent interface {
	Kind() EventKind
	serialEvent()
}

// CardScanned is emitted when a tag is read.
type CardScanned struct {
	ObservedAt   time.Time `json:"timestamp"`
	UID          string    `json:"cardUID"`
	FormattedUID string    `json:"formattedUID"`
	Simulated    bool      `json:"simulated"`
}

// DispenseStarted is emitted when the firmware begins a motor run.
type DispenseStarted struct {
	ProductType ProductType `json:"productType"`
}

// DispenseCompleted is emitted when the firmware finishes a motor run.
type DispenseCompleted struct {
	ProductType ProductType `json:"productType"`
}

// SystemReady is emitted once the firmware has booted.
type SystemReady struct{}

// Unrecognized carries any line the parser could not classify.
type Unrecognized struct {
	RawLine string `json:"rawLine"`
}

func (CardScanned) Kind() EventKind       { return KindCardScanned }
func (DispenseStarted) Kind() EventKind   { return KindDispenseStarted }
func (DispenseCompleted) Kind() EventKind { return KindDispenseCompleted }
func (SystemReady) Kind() EventKind       { return KindSystemReady }
func (Unrecognized) Kind() EventKind      { return KindUnrecognized }

func (CardScanned) serialEvent()       {}
func (DispenseStarted) serialEvent()   {}
func (DispenseCompleted) serialEvent() {}
func (SystemReady) serialEvent()       {}
func (Unrecognized) serialEvent()      {}

// NewCardScanned builds a CardScanned from a raw UID in any accepted
// notation ("23DF3F2A", "23:df:3f:2a", "23 DF 3F 2A").
func NewCardScanned(raw string, observedAt time.Time, simulated bool) (CardScanned, error) {
	uid, err := NormalizeUID(raw)
	if err != nil {
		return CardScanned{}, err
	}
	return CardScanned{
		UID:          uid,
		FormattedUID: FormatUID(uid),
		ObservedAt:   observedAt,
		Simulated:    simulated,
	}, nil
}

// NormalizeUID strips separators and uppercases a hex UID.
func NormalizeUID(raw string) (string, error) {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r == ' ' || r == ':' || r == '-' || r == '\t':
			continue
		case (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F'):
			_, _ = b.WriteRune(r)
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidUID, raw)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("%w: empty", ErrInvalidUID)
	}
	return strings.ToUpper(b.String()), nil
}

// FormatUID inserts ':' between each byte pair of a normalized UID.
// An odd trailing nibble is kept as its own group.
func FormatUID(uid string) string {
	if len(uid) <= 2 {
		return uid
	}
	var b strings.Builder
	b.Grow(len(uid) + len(uid)/2)
	for i := 0; i < len(uid); i += 2 {
		if i > 0 {
			_ = b.WriteByte(':')
		}
		end := min(i+2, len(uid))
		_, _ = b.WriteString(uid[i:end])
	}
	return b.String()
}
