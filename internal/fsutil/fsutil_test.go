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


package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSONAtomic_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, WriteJSONAtomic(path, map[string]string{"productType": "pad"}))

	var got map[string]string
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, "pad", got["productType"])

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

//nolint:paralleltest // Replaces the package-level syncFile
func TestWriteFileAtomic_SyncsBeforeRename(t *testing.T) {
	orig := syncFile
	t.Cleanup(func() { syncFile = orig })

	dir := t.TempDir()
	path := filepath.Join(dir, "latest.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"n":1}`), 0o600))

	var synced []string
	syncFile = func(f *os.File) error {
		synced = append(synced, f.Name())
		return errors.New("disk gone")
	}

	err := WriteFileAtomic(path, []byte(`{"n":2}`), 0o644)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync temp file")
	require.Len(t, synced, 1)
	assert.NotEqual(t, path, synced[0], "the temp file is synced, not the target")

	got, err := os.ReadFile(path) //nolint:gosec // test path
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(got), "target untouched when sync fails")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file removed")

	syncFile = orig
	require.NoError(t, WriteFileAtomic(path, []byte(`{"n":2}`), 0o644))
	got, err = os.ReadFile(path) //nolint:gosec // test path
	require.NoError(t, err)
	assert.Equal(t, `{"n":2}`, string(got))
}

func TestWriteJSONAtomic_Overwrites(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, WriteJSONAtomic(path, map[string]int{"n": 1}))
	require.NoError(t, WriteJSONAtomic(path, map[string]int{"n": 2}))

	var got map[string]int
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, 2, got["n"])
}

func TestReadJSON_Errors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var v map[string]any

	err := ReadJSON(filepath.Join(dir, "missing.json"), &v)
	require.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{oops"), 0o600))
	err = ReadJSON(bad, &v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode bad.json")
}

func TestJSONFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"a.json", "b.txt", ".tmp-1.json"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.json"), 0o755))

	names, err := JSONFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.json"}, names)
}
