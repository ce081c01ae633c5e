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

// Package model holds the event shapes that flow through the ingestion
// pipeline: parsed access/DNS/error events and their tagged-union wrappers.
package model

import "time"

// AccessEvent is one accepted/rejected client connection line from the
// proxy access log.
type AccessEvent struct {
	EventTime time.Time
	UserEmail string
	Src       string
	DestRaw   string
	DestHost  string
	DestPort  *int
	Status    string
	Detour    string
	Reason    string
	IsDomain  bool
	// Confidence is "high" iff IsDomain, "low" otherwise.
	Confidence string
}

// DNSEvent is one DNS resolution outcome line from the proxy access log.
type DNSEvent struct {
	EventTime time.Time
	DNSServer string
	Domain    string
	// IPsJSON is the ordered IP list, already JSON-encoded for storage.
	IPsJSON   string
	DNSStatus string
	ElapsedMs *int
	ErrorText string
}

// EventType tags which variant of a ParsedEvent is populated.
type EventType string

const (
	EventAccess  EventType = "access"
	EventDNS     EventType = "dns"
	EventUnknown EventType = "unknown"
)

// ParsedEvent is the tagged union produced by the access-log parser: exactly
// one of Access/DNS is non-nil, or neither for EventUnknown.
type ParsedEvent struct {
	EventTime time.Time
	EventType EventType
	RawLine   string
	RawHash   string
	Access    *AccessEvent
	DNS       *DNSEvent
}

// ErrorLevel is the normalized severity of a ParsedErrorEvent.
type ErrorLevel string

const (
	LevelDebug   ErrorLevel = "debug"
	LevelInfo    ErrorLevel = "info"
	LevelWarning ErrorLevel = "warning"
	LevelError   ErrorLevel = "error"
	LevelUnknown ErrorLevel = "unknown"
)

// LevelRank orders severities for threshold filtering: debug < info <
// warning < error, with unknown ranked below everything.
func LevelRank(level ErrorLevel) int {
	switch level {
	case LevelDebug:
		return 10
	case LevelInfo:
		return 20
	case LevelWarning:
		return 30
	case LevelError:
		return 40
	default:
		return 0
	}
}

// ErrorCategory classifies a ParsedErrorEvent's message for grouping and
// noise suppression. See errorlog.Classify for the rule table.
type ErrorCategory string

const (
	CategoryProbeInvalidVless ErrorCategory = "probe_invalid_vless"
	CategoryAPILoopback       ErrorCategory = "api_loopback"
	CategoryDNSError          ErrorCategory = "dns_error"
	CategoryDNSInfo           ErrorCategory = "dns_info"
	CategoryNetworkTimeout    ErrorCategory = "network_timeout"
	CategoryNetworkRefused    ErrorCategory = "network_refused"
	CategoryAuthError         ErrorCategory = "auth_error"
	CategoryRouting           ErrorCategory = "routing"
	CategoryRuntimeError      ErrorCategory = "runtime_error"
	CategoryRuntimeWarning    ErrorCategory = "runtime_warning"
	CategoryDebugTrace        ErrorCategory = "debug_trace"
	CategoryRuntimeInfo       ErrorCategory = "runtime_info"
	CategoryScanNoise         ErrorCategory = "scan_noise"
)

// IsNoise reports whether a category is considered noise by default.
func (c ErrorCategory) IsNoise() bool {
	switch c {
	case CategoryProbeInvalidVless, CategoryAPILoopback, CategoryScanNoise:
		return true
	default:
		return false
	}
}

// ParsedErrorEvent is one entry from the proxy error log, classified and
// signature-hashed.
type ParsedErrorEvent struct {
	EventTime     time.Time
	Level         ErrorLevel
	SessionID     *int
	Component     string
	Message       string
	Src           string
	DestRaw       string
	DestHost      string
	DestPort      *int
	Category      ErrorCategory
	SignatureHash string
	IsNoise       bool
	RawLine       string
	RawHash       string
}
