// Copyright 2026 The Drew Vending Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package bridge

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	virtual "github.com/drewvending/serialbridge/internal/testing"
)

var parseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestParseLine(t *testing.T) {
	t.Parallel()

	card := func(uid string) SerialEvent {
		return CardScanned{ObservedAt: parseTime, UID: uid, FormattedUID: FormatUID(uid)}
	}

	tests := []struct {
		want SerialEvent
		name string
		line string
	}{
		{name: "card", line: "CARDUID:23DF3F2A", want: card("23DF3F2A")},
		{name: "card lower case with space", line: "carduid: 23df3f2a\r", want: card("23DF3F2A")},
		{name: "card with prefix noise", line: "[rfid] CARDUID:0A0B0C0D", want: card("0A0B0C0D")},
		{name: "legacy spaced", line: "Card UID: 23 DF 3F 2A", want: card("23DF3F2A")},
		{name: "legacy colon", line: "Card UID: 23:DF:3F:2A", want: card("23DF3F2A")},
		{name: "json uid", line: `{"uid":"23df3f2a"}`, want: card("23DF3F2A")},
		{name: "json cardUID", line: `{"cardUID":"A1B2C3D4"}`, want: card("A1B2C3D4")},
		{name: "dispensing", line: "DISPENSING:pad", want: DispenseStarted{ProductType: ProductPad}},
		{name: "dispensing plural", line: "DISPENSING:TAMPONS", want: DispenseStarted{ProductType: ProductTampon}},
		{name: "complete", line: "COMPLETE:tampon", want: DispenseCompleted{ProductType: ProductTampon}},
		{name: "complete unknown product", line: "COMPLETE:soap", want: DispenseCompleted{ProductType: "soap"}},
		{name: "ready", line: "SYSTEM:READY", want: SystemReady{}},
		{name: "banner", line: "DREW RFID Reader v2", want: Unrecognized{RawLine: "DREW RFID Reader v2"}},
		{name: "json without uid", line: `{"status":"ok"}`, want: Unrecognized{RawLine: `{"status":"ok"}`}},
		{name: "blank", line: "   \r", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ParseLine(tt.line, parseTime))
		})
	}
}

func TestLineParser_FeedAcrossReads(t *testing.T) {
	t.Parallel()

	p := NewLineParser(0)
	assert.Empty(t, p.Feed([]byte("CARD"), parseTime))
	assert.Empty(t, p.Feed([]byte("UID:23DF"), parseTime))
	assert.Equal(t, 12, p.Buffered())

	events := p.Feed([]byte("3F2A\r\nSYSTEM:RE"), parseTime)
	require.Len(t, events, 1)
	assert.Equal(t, "23DF3F2A", events[0].(CardScanned).UID)

	events = p.Feed([]byte("ADY\n\n"), parseTime)
	require.Len(t, events, 1)
	assert.Equal(t, SystemReady{}, events[0])
	assert.Zero(t, p.Buffered())
}

func TestLineParser_Overflow(t *testing.T) {
	t.Parallel()

	p := NewLineParser(16)
	p.Feed([]byte(strings.Repeat("x", 40)), parseTime)
	assert.Equal(t, 16, p.Buffered())
	assert.Equal(t, 24, p.Trimmed())

	// The next terminated line still parses once the junk is flushed.
	events := p.Feed([]byte("\nCARDUID:01020304\n"), parseTime)
	require.Len(t, events, 2)
	assert.IsType(t, Unrecognized{}, events[0])
	assert.Equal(t, "01020304", events[1].(CardScanned).UID)

	p.Reset()
	assert.Zero(t, p.Buffered())
}

func TestLineParser_JitteryFirmware(t *testing.T) {
	t.Parallel()

	fw := virtual.NewVirtualFirmware()
	fw.SetReadTimeout(10 * time.Millisecond)
	fw.Boot()
	fw.TapCard("23DF3F2A")
	fw.TapCard("04A1B2C3D4E5F6")

	cfg := virtual.DefaultJitterConfig()
	cfg.Seed = 42
	conn := virtual.NewJitteryConnection(fw, cfg)

	p := NewLineParser(0)
	var uids []string
	ready := false
	buf := make([]byte, 64)
	deadline := time.Now().Add(2 * time.Second)
	for len(uids) < 2 && time.Now().Before(deadline) {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		for _, ev := range p.Feed(buf[:n], time.Now()) {
			switch e := ev.(type) {
			case CardScanned:
				uids = append(uids, e.UID)
			case SystemReady:
				ready = true
			}
		}
	}

	assert.True(t, ready)
	assert.Equal(t, []string{"23DF3F2A", "04A1B2C3D4E5F6"}, uids)
	assert.Greater(t, conn.Reads(), 2, "lines arrived in fragments")
}
