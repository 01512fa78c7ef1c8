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


package detection

import (
	"path/filepath"
	"strings"
)

// knownBoards maps USB bridge chips found on ESP32 and Arduino reader boards
// to a short chip name.
var knownBoards = map[string]string{
	"10C4:EA60": "CP210x",
	"1A86:7523": "CH340",
	"1A86:55D4": "CH9102",
	"0403:6001": "FT232",
	"067B:2303": "PL2303",
	"303A:1001": "ESP32 USB-JTAG",
	"2341:0043": "Arduino Uno",
}

// DefaultBlocklist returns USB devices that should never be opened during
// detection. Format: VID:PID in hexadecimal (case-insensitive).
func DefaultBlocklist() []string {
	return []string{
		"1366:0105", // SEGGER J-Link CDC; opening it disturbs an attached debugger
	}
}

// FormatVIDPID joins a vendor and product id into the canonical VID:PID form.
// It returns "" unless both parts are hex.
func FormatVIDPID(vid, pid string) string {
	vid = strings.ToUpper(strings.TrimSpace(vid))
	pid = strings.ToUpper(strings.TrimSpace(pid))
	if !isHex(vid) || !isHex(pid) {
		return ""
	}
	return vid + ":" + pid
}

// KnownBoard reports the bridge chip name for a VID:PID used on reader boards.
func KnownBoard(vidpid string) (string, bool) {
	chip, ok := knownBoards[strings.ToUpper(strings.TrimSpace(vidpid))]
	return chip, ok
}

// IsBlocked checks if a USB device is in the blocklist.
func IsBlocked(vidpid string, blocklist []string) bool {
	vidpid = strings.ToUpper(strings.TrimSpace(vidpid))
	if vidpid == "" {
		return false
	}
	for _, blocked := range blocklist {
		if vidpid == strings.ToUpper(strings.TrimSpace(blocked)) {
			return true
		}
	}
	return false
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'A' || r > 'F') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// IsPathIgnored checks if a port path should be ignored. Paths compare after
// cleaning and case folding, so "COM7" matches "com7".
func IsPathIgnored(devicePath string, ignorePaths []string) bool {
	if devicePath == "" {
		return false
	}
	device := normalizedPath(devicePath)
	for _, ignore := range ignorePaths {
		if ignore == "" {
			continue
		}
		if device == normalizedPath(ignore) {
			return true
		}
	}
	return false
}

func normalizedPath(path string) string {
	return strings.ToLower(filepath.Clean(path))
}
