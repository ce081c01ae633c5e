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

package accesslog

import (
	"testing"

	"github.com/proxyaudit/ingest/internal/ingest/model"
	"github.com/stretchr/testify/require"
)

func TestAccessAcceptedWithEmail(t *testing.T) {
	line := "2026/02/18 10:00:00.123456 from 1.2.3.4:12345 accepted tcp:example.com:443 [socks-in -> direct] email: user@example.com"
	ev, err := Parse(line)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, model.EventAccess, ev.EventType)
	require.NotNil(t, ev.Access)
	require.Equal(t, "user@example.com", ev.Access.UserEmail)
	require.Equal(t, "example.com", ev.Access.DestHost)
	require.NotNil(t, ev.Access.DestPort)
	require.Equal(t, 443, *ev.Access.DestPort)
	require.True(t, ev.Access.IsDomain)
	require.Equal(t, "high", ev.Access.Confidence)
	require.Equal(t, "accepted", ev.Access.Status)
	require.Equal(t, "socks-in -> direct", ev.Access.Detour)
}

func TestDNSGotAnswerZeroMs(t *testing.T) {
	line := "2026/02/18 10:00:01.000001 8.8.8.8 got answer: api.github.com. -> [1.1.1.1, 8.8.8.8] 0ms"
	ev, err := Parse(line)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, model.EventDNS, ev.EventType)
	require.NotNil(t, ev.DNS)
	require.Equal(t, "api.github.com.", ev.DNS.Domain)
	require.NotNil(t, ev.DNS.ElapsedMs)
	require.Equal(t, 0, *ev.DNS.ElapsedMs)
	require.Equal(t, "", ev.DNS.ErrorText)
	require.JSONEq(t, `["1.1.1.1","8.8.8.8"]`, ev.DNS.IPsJSON)
}

func TestDurationUnits(t *testing.T) {
	cases := []struct {
		token string
		want  int
	}{
		{"250us", 0},
		{"12ms", 12},
		{"1.5s", 1500},
		{"2m", 120000},
	}
	for _, tc := range cases {
		got := parseDurationMs(tc.token)
		require.NotNil(t, got, tc.token)
		require.Equal(t, tc.want, *got, tc.token)
	}
}

func TestNoTimestampPrefixReturnsNil(t *testing.T) {
	ev, err := Parse("not a valid log line at all")
	require.NoError(t, err)
	require.Nil(t, ev)
}

func TestUnknownWhenNeitherDialectMatches(t *testing.T) {
	line := "2026/02/18 10:00:00.000000 this body matches neither grammar"
	ev, err := Parse(line)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, model.EventUnknown, ev.EventType)
	require.Nil(t, ev.Access)
	require.Nil(t, ev.DNS)
}

func TestAccessRejectedNoEmailDefaultsUnknown(t *testing.T) {
	line := "2026/02/18 10:00:00.000000 from 5.6.7.8:9 rejected tcp:10.0.0.1:80 blocked by policy"
	ev, err := Parse(line)
	require.NoError(t, err)
	require.NotNil(t, ev.Access)
	require.Equal(t, "unknown", ev.Access.UserEmail)
	require.Equal(t, "blocked by policy", ev.Access.Reason)
	require.False(t, ev.Access.IsDomain)
	require.Equal(t, "low", ev.Access.Confidence)
}

func TestParseIsDeterministicRoundTrip(t *testing.T) {
	line := "2026/02/18 10:00:00.123456 from 1.2.3.4:12345 accepted tcp:example.com:443 [socks-in -> direct] email: user@example.com\n"
	first, err := Parse(line)
	require.NoError(t, err)
	second, err := Parse(first.RawLine)
	require.NoError(t, err)
	require.Equal(t, first.RawHash, second.RawHash)
	require.Equal(t, first.Access, second.Access)
}
