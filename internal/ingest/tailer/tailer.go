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

// Package tailer follows an append-only text log file across rotation and
// copytruncate, yielding newline-terminated lines and a resumable
// (inode, byte-offset) cursor.
package tailer

import (
	"bufio"
	"io"
	"os"
	"sync"
)

// Tailer serializes its methods with an internal mutex; the Collector owns
// one per log file and calls it from a single goroutine.
type Tailer struct {
	path string

	mu     sync.Mutex
	file   *os.File
	reader *bufio.Reader
	inode  *uint64
	offset int64
}

// New returns a Tailer for path. Call SetState before the first ReadNewLines
// to resume from a persisted cursor.
func New(path string) *Tailer {
	return &Tailer{path: path}
}

// SetState seeds the tailer's cursor from persistence before the first read.
func (t *Tailer) SetState(inode *uint64, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inode = inode
	if offset < 0 {
		offset = 0
	}
	t.offset = offset
}

// State returns the current (inode, offset) cursor.
func (t *Tailer) State() (*uint64, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inode, t.offset
}

// Close releases the open file handle, if any.
func (t *Tailer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked()
}

func (t *Tailer) closeLocked() error {
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	t.reader = nil
	return err
}

// ReadNewLines returns up to maxLines newline-terminated line fragments
// (trailing \n included when present). It never blocks: on EOF it returns
// whatever was read so far, performing a rotation/truncation check only when
// that yields zero lines.
func (t *Tailer) ReadNewLines(maxLines int) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file == nil {
		opened, err := t.openLocked()
		if err != nil {
			return nil, err
		}
		if !opened {
			return nil, nil
		}
	}

	lines := make([]string, 0, maxLines)
	for len(lines) < maxLines {
		line, err := t.reader.ReadString('\n')
		if len(line) > 0 {
			lines = append(lines, line)
			t.offset += int64(len(line))
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return lines, err
		}
	}

	if len(lines) == 0 {
		if err := t.checkRotationOrTruncateLocked(); err != nil {
			return lines, err
		}
	}

	return lines, nil
}

// openLocked attempts to open t.path. Returns (false, nil) if the file does
// not exist yet (not an error — the caller just sees no lines this cycle).
func (t *Tailer) openLocked() (bool, error) {
	info, err := os.Stat(t.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	ino := inodeOf(info)
	t.inode = &ino

	if t.offset > info.Size() {
		t.offset = 0
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		_ = f.Close()
		return false, err
	}

	t.file = f
	t.reader = bufio.NewReaderSize(f, 64*1024)
	return true, nil
}

// checkRotationOrTruncateLocked implements the §4.1 algorithm step 3:
// on inode change, close and reopen from 0 (copytruncate-safe by path, not
// by inode — any bytes left in the old fd are not drained, see spec.md §9);
// on size shrink with the inode unchanged, seek back to 0.
func (t *Tailer) checkRotationOrTruncateLocked() error {
	info, err := os.Stat(t.path)
	if os.IsNotExist(err) {
		// Keep the handle; let the next cycle reopen when the path reappears.
		return nil
	}
	if err != nil {
		return err
	}

	ino := inodeOf(info)
	if t.inode != nil && ino != *t.inode {
		if err := t.closeLocked(); err != nil {
			return err
		}
		t.offset = 0
		_, err := t.openLocked()
		return err
	}

	if info.Size() < t.offset && t.file != nil {
		if _, err := t.file.Seek(0, io.SeekStart); err != nil {
			return err
		}
		t.reader = bufio.NewReaderSize(t.file, 64*1024)
		t.offset = 0
	}

	return nil
}
