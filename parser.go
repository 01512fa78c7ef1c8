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
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	cardUIDPattern   = regexp.MustCompile(`(?i)CARDUID:\s*([0-9A-F]+)`)
	legacyUIDPattern = regexp.MustCompile(`(?i)card\s*uid\s*:\s*((?:[0-9A-F]{2}[\s:-]?)+)`)
)

const (
	dispensingPrefix = "DISPENSING:"
	completePrefix   = "COMPLETE:"
	readySentinel    = "SYSTEM:READY"
)

// LineParser turns the raw byte stream from the firmware into SerialEvents.
// It is owned by the serial reader goroutine and is not safe for concurrent use.
type LineParser struct {
	buf       []byte
	maxBuffer int
	trimmed   int
}

// NewLineParser creates a parser that keeps at most maxBuffer bytes of an
// unterminated line. Zero or negative selects MaxLineBuffer.
func NewLineParser(maxBuffer int) *LineParser {
	if maxBuffer <= 0 {
		maxBuffer = MaxLineBuffer
	}
	return &LineParser{
		maxBuffer: maxBuffer,
		buf:       make([]byte, 0, 128),
	}
}

// Feed appends data read from the port and returns the events for every line
// completed by it. Incomplete trailing data is held until the next call.
func (p *LineParser) Feed(data []byte, now time.Time) []SerialEvent {
	p.buf = append(p.buf, data...)

	var events []SerialEvent
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(p.buf[:idx])
		p.buf = p.buf[idx+1:]
		if ev := ParseLine(line, now); ev != nil {
			events = append(events, ev)
		}
	}

	if len(p.buf) > p.maxBuffer {
		drop := len(p.buf) - p.maxBuffer
		p.trimmed += drop
		log.Warn().
			Int("dropped", drop).
			Int("limit", p.maxBuffer).
			Msg("serial line buffer overflow, discarding oldest bytes")
		p.buf = append(p.buf[:0], p.buf[drop:]...)
	}

	// Reclaim the backing array once it is drained.
	if len(p.buf) == 0 && cap(p.buf) > 4*p.maxBuffer {
		p.buf = make([]byte, 0, 128)
	}

	return events
}

// Buffered returns the number of bytes waiting for a line terminator.
func (p *LineParser) Buffered() int {
	return len(p.buf)
}

// Trimmed returns the total number of bytes discarded due to overflow.
func (p *LineParser) Trimmed() int {
	return p.trimmed
}

// Reset drops any partial line, used after a reconnect.
func (p *LineParser) Reset() {
	p.buf = p.buf[:0]
}

// ParseLine classifies a single line. Blank lines yield nil; anything the
// parser does not understand becomes Unrecognized.
func ParseLine(line string, now time.Time) SerialEvent {
	line = strings.TrimSpace(strings.TrimRight(line, "\r"))
	if line == "" {
		return nil
	}

	if ev, ok := parseCardLine(line, now); ok {
		return ev
	}

	upper := strings.ToUpper(line)
	switch {
	case strings.Contains(upper, dispensingPrefix):
		return DispenseStarted{ProductType: productPayload(upper, dispensingPrefix)}
	case strings.Contains(upper, completePrefix):
		return DispenseCompleted{ProductType: productPayload(upper, completePrefix)}
	case strings.Contains(upper, readySentinel):
		return SystemReady{}
	}

	Debugf("unrecognized serial line: %q", line)
	return Unrecognized{RawLine: line}
}

func parseCardLine(line string, now time.Time) (SerialEvent, bool) {
	var raw string
	switch {
	case cardUIDPattern.MatchString(line):
		raw = cardUIDPattern.FindStringSubmatch(line)[1]
	case legacyUIDPattern.MatchString(line):
		raw = legacyUIDPattern.FindStringSubmatch(line)[1]
	case strings.HasPrefix(line, "{") && strings.HasSuffix(line, "}"):
		raw = jsonUID(line)
	}
	if raw == "" {
		return nil, false
	}

	ev, err := NewCardScanned(raw, now, false)
	if err != nil {
		log.Warn().Err(err).Str("line", line).Msg("discarding card line with bad UID")
		return nil, false
	}
	return ev, true
}

// jsonUID accepts {"uid": "..."} style lines some reader sketches print.
func jsonUID(line string) string {
	var payload struct {
		UID     string `json:"uid"`
		CardUID string `json:"cardUID"`
	}
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		return ""
	}
	if payload.UID != "" {
		return payload.UID
	}
	return payload.CardUID
}

// productPayload extracts the token after prefix. Unknown products are kept
// lowercased so the controller can report a mismatch.
func productPayload(upper, prefix string) ProductType {
	idx := strings.Index(upper, prefix)
	rest := strings.TrimSpace(upper[idx+len(prefix):])
	if end := strings.IndexAny(rest, ": \t"); end >= 0 {
		rest = rest[:end]
	}
	if pt, err := ParseProductType(rest); err == nil {
		return pt
	}
	return ProductType(strings.ToLower(rest))
}
