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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProductType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    ProductType
		wantErr bool
	}{
		{name: "pad", input: "pad", want: ProductPad},
		{name: "plural", input: "pads", want: ProductPad},
		{name: "upper plural", input: "TAMPONS", want: ProductTampon},
		{name: "whitespace", input: "  Tampon ", want: ProductTampon},
		{name: "empty", input: "", wantErr: true},
		{name: "unknown", input: "soap", wantErr: true},
		{name: "double plural", input: "padss", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseProductType(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidProductType)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.Valid())
		})
	}
}

func TestNormalizeUID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain", input: "23DF3F2A", want: "23DF3F2A"},
		{name: "lower case", input: "23df3f2a", want: "23DF3F2A"},
		{name: "colons", input: "23:DF:3F:2A", want: "23DF3F2A"},
		{name: "spaces", input: " 23 DF 3F 2A ", want: "23DF3F2A"},
		{name: "dashes", input: "04-a1-b2-c3-d4-e5-f6", want: "04A1B2C3D4E5F6"},
		{name: "empty", input: "", wantErr: true},
		{name: "separators only", input: ": :", wantErr: true},
		{name: "not hex", input: "23DG", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeUID(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidUID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatUID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name, uid, want string
	}{
		{name: "four bytes", uid: "23DF3F2A", want: "23:DF:3F:2A"},
		{name: "seven bytes", uid: "04A1B2C3D4E5F6", want: "04:A1:B2:C3:D4:E5:F6"},
		{name: "one byte", uid: "AB", want: "AB"},
		{name: "odd nibble", uid: "ABC", want: "AB:C"},
		{name: "empty", uid: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, FormatUID(tt.uid))
		})
	}
}

func TestNewCardScanned(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	scan, err := NewCardScanned("23:df:3f:2a", at, true)
	require.NoError(t, err)

	assert.Equal(t, CardScanned{
		ObservedAt:   at,
		UID:          "23DF3F2A",
		FormattedUID: "23:DF:3F:2A",
		Simulated:    true,
	}, scan)
	assert.Equal(t, KindCardScanned, scan.Kind())

	_, err = NewCardScanned("", at, false)
	require.ErrorIs(t, err, ErrInvalidUID)
}

func TestEventKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ev   SerialEvent
		want EventKind
	}{
		{ev: CardScanned{}, want: KindCardScanned},
		{ev: DispenseStarted{}, want: KindDispenseStarted},
		{ev: DispenseCompleted{}, want: KindDispenseCompleted},
		{ev: SystemReady{}, want: KindSystemReady},
		{ev: Unrecognized{}, want: KindUnrecognized},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.ev.Kind())
	}
}
