//go:build windows

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

import "os"

// inodeOf has no stable equivalent on Windows; ModTime+Size changes are the
// practical rotation signal there, but this repo targets the Linux proxy
// deployment target so we only need this to compile, not to detect rotation.
func inodeOf(info os.FileInfo) uint64 {
	return uint64(info.ModTime().UnixNano())
}
