// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package tailer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadsAndHandlesTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	require.NoError(t, os.WriteFile(path, []byte("a\n"), 0o644))

	tl := New(path)
	lines, err := tl.ReadNewLines(4096)
	require.NoError(t, err)
	require.Equal(t, []string{"a\n"}, lines)

	// Simulate copytruncate: same inode, size drops to 0.
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))
	lines, err = tl.ReadNewLines(4096)
	require.NoError(t, err)
	require.Empty(t, lines)

	require.NoError(t, os.WriteFile(path, []byte("b\n"), 0o644))
	lines, err = tl.ReadNewLines(4096)
	require.NoError(t, err)
	require.Equal(t, []string{"b\n"}, lines)
}

func TestMissingFileReturnsEmptyNotError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.log")
	tl := New(path)
	lines, err := tl.ReadNewLines(10)
	require.NoError(t, err)
	require.Empty(t, lines)
}

func TestRotationByRenameResetsToZero(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "access.log")
	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0o644))

	tl := New(path)
	lines, err := tl.ReadNewLines(10)
	require.NoError(t, err)
	require.Equal(t, []string{"first\n"}, lines)

	// Rename-based rotation: old inode moves aside, a new file takes the path.
	require.NoError(t, os.Rename(path, filepath.Join(dir, "access.log.1")))
	require.NoError(t, os.WriteFile(path, []byte("second\n"), 0o644))

	// The poll that notices the inode change reopens the new file at offset 0
	// and yields nothing; the following poll reads it.
	lines, err = tl.ReadNewLines(10)
	require.NoError(t, err)
	require.Empty(t, lines)

	lines, err = tl.ReadNewLines(10)
	require.NoError(t, err)
	require.Equal(t, []string{"second\n"}, lines)

	inode, offset := tl.State()
	require.NotNil(t, inode)
	require.Equal(t, int64(len("second\n")), offset)
}

func TestSetStateResumesFromPersistedOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\n"), 0o644))

	tl := New(path)
	tl.SetState(nil, int64(len("one\n")))
	lines, err := tl.ReadNewLines(10)
	require.NoError(t, err)
	require.Equal(t, []string{"two\n"}, lines)
}

func TestSetStateOffsetBeyondSizeResetsToZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	require.NoError(t, os.WriteFile(path, []byte("short\n"), 0o644))

	tl := New(path)
	tl.SetState(nil, 9999)
	lines, err := tl.ReadNewLines(10)
	require.NoError(t, err)
	require.Equal(t, []string{"short\n"}, lines)
}

func TestReadNewLinesRespectsMaxLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	require.NoError(t, os.WriteFile(path, []byte("a\nb\nc\nd\n"), 0o644))

	tl := New(path)
	lines, err := tl.ReadNewLines(2)
	require.NoError(t, err)
	require.Equal(t, []string{"a\n", "b\n"}, lines)

	lines, err = tl.ReadNewLines(2)
	require.NoError(t, err)
	require.Equal(t, []string{"c\n", "d\n"}, lines)
}
