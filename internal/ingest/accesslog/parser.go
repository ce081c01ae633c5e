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

// Package accesslog converts one proxy access-log line into a structured
// access or DNS event, or marks it unknown. See spec.md §4.2 and §6.2.
package accesslog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/proxyaudit/ingest/internal/ingest/model"
)

var (
	accessRe   = regexp.MustCompile(`^from\s+(\S+)\s+(accepted|rejected)\s+(\S+)(?:\s+\[([^\]]+)\])?(.*)$`)
	dnsRe      = regexp.MustCompile(`^(.+?)\s+(got answer:|cache HIT:|cache OPTIMISTE:)\s+(\S+)\s+->\s+\[([^\]]*)\](.*)$`)
	emailRe    = regexp.MustCompile(`(?:^|\s)email:\s*(\S+)\s*$`)
	errTextRe  = regexp.MustCompile(`<([^>]*)>`)
	durationRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)(ns|us|ms|s|m|h)$`)

	timestampLayouts = []string{
		"2006/01/02 15:04:05.000000",
		"2006/01/02 15:04:05",
	}
)

// Parse converts a raw access-log line into a ParsedEvent. It returns
// (nil, nil) only when the line has no recognizable timestamp prefix — that
// is not an error, it's the contract's "nil" case.
func Parse(rawLine string) (*model.ParsedEvent, error) {
	eventTime, body, ok := parseTimestampPrefix(rawLine)
	if !ok {
		return nil, nil
	}

	normalized := strings.TrimRight(rawLine, "\r\n")
	sum := sha256.Sum256([]byte(normalized))
	rawHash := hex.EncodeToString(sum[:])

	if access := parseAccess(eventTime, body); access != nil {
		return &model.ParsedEvent{
			EventTime: eventTime,
			EventType: model.EventAccess,
			RawLine:   normalized,
			RawHash:   rawHash,
			Access:    access,
		}, nil
	}

	if dns := parseDNS(eventTime, body); dns != nil {
		return &model.ParsedEvent{
			EventTime: eventTime,
			EventType: model.EventDNS,
			RawLine:   normalized,
			RawHash:   rawHash,
			DNS:       dns,
		}, nil
	}

	return &model.ParsedEvent{
		EventTime: eventTime,
		EventType: model.EventUnknown,
		RawLine:   normalized,
		RawHash:   rawHash,
	}, nil
}

// parseTimestampPrefix splits "YYYY/MM/DD HH:MM:SS[.ffffff] <body>" into its
// timestamp and the remaining body, on whitespace, taking the first two
// tokens as the date and time.
func parseTimestampPrefix(line string) (time.Time, string, bool) {
	trimmed := strings.TrimSpace(line)
	parts := strings.SplitN(trimmed, " ", 3)
	if len(parts) < 3 {
		return time.Time{}, "", false
	}
	stamp := parts[0] + " " + parts[1]
	body := strings.TrimSpace(parts[2])

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, stamp); err == nil {
			return t, body, true
		}
	}
	return time.Time{}, "", false
}

func parseAccess(eventTime time.Time, body string) *model.AccessEvent {
	m := accessRe.FindStringSubmatch(body)
	if m == nil {
		return nil
	}

	src := m[1]
	status := m[2]
	destRaw := m[3]
	detour := strings.TrimSpace(m[4])
	tail := strings.TrimSpace(m[5])

	email := "unknown"
	reason := tail
	if em := emailRe.FindStringSubmatch(tail); em != nil {
		reason = strings.TrimSpace(tail[:strings.LastIndex(tail, em[0])])
		if v := strings.TrimSpace(em[1]); v != "" {
			email = v
		}
	}

	destHost, destPort := model.SplitHostPort(destRaw)
	isDomain := destHost != "" && !model.IsIP(destHost)
	confidence := "low"
	if isDomain {
		confidence = "high"
	}

	return &model.AccessEvent{
		EventTime:  eventTime,
		UserEmail:  email,
		Src:        src,
		DestRaw:    destRaw,
		DestHost:   destHost,
		DestPort:   destPort,
		Status:     status,
		Detour:     detour,
		Reason:     reason,
		IsDomain:   isDomain,
		Confidence: confidence,
	}
}

func parseDNS(eventTime time.Time, body string) *model.DNSEvent {
	m := dnsRe.FindStringSubmatch(body)
	if m == nil {
		return nil
	}

	server := strings.TrimSpace(m[1])
	status := strings.TrimSpace(m[2])
	domain := strings.TrimSpace(m[3])
	ipsRaw := strings.TrimSpace(m[4])
	tail := strings.TrimSpace(m[5])

	var ips []string
	if ipsRaw != "" {
		for _, part := range strings.Split(ipsRaw, ",") {
			if v := strings.TrimSpace(part); v != "" {
				ips = append(ips, v)
			}
		}
	}
	ipsJSON, _ := json.Marshal(ips)

	errorText := ""
	if em := errTextRe.FindStringSubmatch(tail); em != nil {
		errorText = strings.TrimSpace(em[1])
		tail = strings.TrimSpace(strings.Replace(tail, em[0], "", 1))
	}

	var elapsedMs *int
	if tail != "" {
		elapsedMs = parseDurationMs(tail)
	}

	return &model.DNSEvent{
		EventTime: eventTime,
		DNSServer: server,
		Domain:    domain,
		IPsJSON:   string(ipsJSON),
		DNSStatus: status,
		ElapsedMs: elapsedMs,
		ErrorText: errorText,
	}
}

// parseDurationMs converts a single duration token (ns|us|ms|s|m|h) into
// integer milliseconds, truncating toward zero. Returns nil if the token
// does not match the expected shape.
func parseDurationMs(raw string) *int {
	token := strings.TrimSpace(raw)
	token = strings.ReplaceAll(token, "µs", "us")
	if token == "" {
		return nil
	}
	m := durationRe.FindStringSubmatch(token)
	if m == nil {
		return nil
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	var ms float64
	switch m[2] {
	case "ns":
		ms = value / 1_000_000
	case "us":
		ms = value / 1_000
	case "ms":
		ms = value
	case "s":
		ms = value * 1_000
	case "m":
		ms = value * 60_000
	case "h":
		ms = value * 3_600_000
	default:
		return nil
	}
	out := int(ms) // truncate toward zero, matching Python's int(float)
	return &out
}
