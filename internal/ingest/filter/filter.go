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

// Package filter implements the pure access-event drop predicate described
// in spec.md §4.4. The error-side filter (level_rank/drop_noise) lives in
// the collector package, which owns the poll loop that reads error events.
package filter

import "strings"

// Config mirrors the filter-relevant subset of RuntimeConfig's mutable
// schema: drop_api_to_api, exclude_detours, drop_invalid_vless_probe,
// drop_loopback_traffic.
type Config struct {
	DropAPIToAPI          bool
	ExcludeDetours        map[string]struct{}
	DropInvalidVlessProbe bool
	DropLoopbackTraffic   bool
}

// AccessEvent is the minimal shape ShouldDrop needs, kept independent of
// model.AccessEvent so this package has no import-time dependency on the
// parser's richer struct.
type AccessEvent struct {
	Src      string
	DestRaw  string
	DestHost string
	Status   string
	Detour   string
	Reason   string
}

// ShouldDrop reports whether an access event should be discarded before
// batching. DNS events are never filtered and should not be passed here.
func ShouldDrop(ev AccessEvent, cfg Config) bool {
	if cfg.DropAPIToAPI && ev.Detour == "api -> api" {
		return true
	}
	if _, excluded := cfg.ExcludeDetours[ev.Detour]; excluded {
		return true
	}
	if cfg.DropInvalidVlessProbe &&
		ev.Status == "rejected" &&
		ev.DestRaw == "proxy/vless/encoding:" &&
		strings.Contains(strings.ToLower(ev.Reason), "invalid request version") {
		return true
	}
	if cfg.DropLoopbackTraffic && (isLoopbackSrc(ev.Src) || isLoopbackHost(ev.DestHost)) {
		return true
	}
	return false
}

func isLoopbackSrc(src string) bool {
	src = strings.ToLower(src)
	return strings.HasPrefix(src, "127.0.0.1") ||
		strings.HasPrefix(src, "[::1]") ||
		strings.HasPrefix(src, "::1")
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(host) {
	case "127.0.0.1", "localhost", "::1", "[::1]":
		return true
	default:
		return false
	}
}
