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

// Package errorlog converts one proxy error-log line into a structured,
// classified, signature-hashed error event. See spec.md §4.3 and §6.3.
package errorlog

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/proxyaudit/ingest/internal/ingest/model"
)

var (
	lineRe = regexp.MustCompile(
		`^(\d{4}/\d{2}/\d{2})\s+` +
			`(\d{2}:\d{2}:\d{2}(?:\.\d{1,6})?)\s+` +
			`\[([A-Za-z]+)\]\s+` +
			`(?:(?:\[(\d+)\])\s+)?` +
			`(?:([A-Za-z0-9_./-]+):\s+)?` +
			`(.*)$`)
	srcRe    = regexp.MustCompile(`\bfrom\s+(\S+)`)
	destRe   = regexp.MustCompile(`\bfor\s+((?:tcp|udp):\S+)`)
	ipv4Re   = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	digitsRe = regexp.MustCompile(`\b\d+\b`)

	timestampLayouts = []string{
		"2006/01/02 15:04:05.000000",
		"2006/01/02 15:04:05",
	}
)

// Parse converts a raw error-log line into a ParsedErrorEvent. Returns
// (nil, nil) when the line does not match the error-log grammar at all.
func Parse(rawLine string) (*model.ParsedErrorEvent, error) {
	normalized := strings.TrimRight(rawLine, "\r\n")
	m := lineRe.FindStringSubmatch(strings.TrimSpace(normalized))
	if m == nil {
		return nil, nil
	}

	eventTime, ok := parseDatetime(m[1] + " " + m[2])
	if !ok {
		return nil, nil
	}

	level := normalizeLevel(m[3])
	var sessionID *int
	if raw := strings.TrimSpace(m[4]); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			sessionID = &v
		}
	}
	component := strings.TrimSpace(m[5])
	message := strings.TrimSpace(m[6])

	src := ""
	if sm := srcRe.FindStringSubmatch(message); sm != nil {
		src = strings.TrimSpace(sm[1])
	}

	destRaw, destHost := "", ""
	var destPort *int
	if dm := destRe.FindStringSubmatch(message); dm != nil {
		destRaw = strings.TrimSpace(dm[1])
		destHost, destPort = model.SplitHostPort(destRaw)
	}

	category := Classify(component, message, level)
	isNoise := category.IsNoise()

	signature := normalizeSignature(component, message)
	sigSum := sha256.Sum256([]byte(signature))
	rawSum := sha256.Sum256([]byte(normalized))

	return &model.ParsedErrorEvent{
		EventTime:     eventTime,
		Level:         level,
		SessionID:     sessionID,
		Component:     component,
		Message:       message,
		Src:           src,
		DestRaw:       destRaw,
		DestHost:      destHost,
		DestPort:      destPort,
		Category:      category,
		SignatureHash: hex.EncodeToString(sigSum[:]),
		IsNoise:       isNoise,
		RawLine:       normalized,
		RawHash:       hex.EncodeToString(rawSum[:]),
	}, nil
}

func parseDatetime(raw string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func normalizeLevel(raw string) model.ErrorLevel {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return model.LevelDebug
	case "info":
		return model.LevelInfo
	case "warning":
		return model.LevelWarning
	case "error":
		return model.LevelError
	default:
		return model.LevelUnknown
	}
}

// Classify implements the first-match-wins category table from spec.md
// §4.3. Comparisons are case-insensitive on component and message.
func Classify(component, message string, level model.ErrorLevel) model.ErrorCategory {
	c := strings.ToLower(component)
	m := strings.ToLower(message)

	switch {
	case (strings.Contains(c, "proxy/vless/encoding") || strings.Contains(m, "proxy/vless/encoding")) &&
		strings.Contains(m, "invalid request version"):
		return model.CategoryProbeInvalidVless
	case strings.Contains(m, "127.0.0.1") && strings.Contains(m, "detour [api]"):
		return model.CategoryAPILoopback
	case strings.Contains(c, "dns") || strings.Contains(m, "dns"):
		if strings.Contains(m, "timeout") || strings.Contains(m, "failed") || strings.Contains(m, "error") {
			return model.CategoryDNSError
		}
		return model.CategoryDNSInfo
	case strings.Contains(m, "timeout") || strings.Contains(m, "deadline exceeded") || strings.Contains(m, "i/o timeout"):
		return model.CategoryNetworkTimeout
	case strings.Contains(m, "refused") || strings.Contains(m, "connection reset"):
		return model.CategoryNetworkRefused
	case strings.Contains(m, "invalid user") || strings.Contains(m, "failed to find user") || strings.Contains(m, "unauthorized"):
		return model.CategoryAuthError
	case strings.Contains(c, "dispatch") || strings.Contains(c, "dispatcher"):
		return model.CategoryRouting
	}

	switch level {
	case model.LevelError:
		return model.CategoryRuntimeError
	case model.LevelWarning:
		return model.CategoryRuntimeWarning
	case model.LevelDebug:
		return model.CategoryDebugTrace
	default:
		return model.CategoryRuntimeInfo
	}
}

// normalizeSignature produces the stable grouping key: component + message
// with IPv4 literals and decimal integers masked out, lowercased.
func normalizeSignature(component, message string) string {
	norm := ipv4Re.ReplaceAllString(message, "<ip>")
	norm = digitsRe.ReplaceAllString(norm, "<num>")
	return strings.ToLower(component) + "|" + strings.ToLower(strings.TrimSpace(norm))
}
