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

package config

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func clearAuditEnv(t *testing.T) {
	t.Helper()
	for _, e := range os.Environ() {
		for i := 0; i < len(e); i++ {
			if e[i] == '=' {
				key := e[:i]
				if len(key) >= 6 && key[:6] == "AUDIT_" {
					os.Unsetenv(key)
				}
				break
			}
		}
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearAuditEnv(t)
	os.Setenv("AUDIT_ENV_FILE", os.DevNull)

	s := FromEnv()
	require.True(t, strings.HasPrefix(s.NodeID, "node-"))
	require.Equal(t, 300, s.BatchSize)
	require.Equal(t, 0.2, s.PollIntervalSeconds)
	require.True(t, s.DropAPIToAPI)
	require.False(t, s.DropInvalidVlessProbe)
	require.Equal(t, "change-this-secret-in-production", s.AuthJWTSecret)
	require.Empty(t, s.ExcludeDetours)
}

func TestFromEnvOverrides(t *testing.T) {
	clearAuditEnv(t)
	os.Setenv("AUDIT_ENV_FILE", os.DevNull)
	os.Setenv("AUDIT_NODE_ID", "edge-7")
	os.Setenv("AUDIT_BATCH_SIZE", "64")
	os.Setenv("AUDIT_EXCLUDE_DETOURS", "a, b ,c")
	defer clearAuditEnv(t)

	s := FromEnv()
	require.Equal(t, "edge-7", s.NodeID)
	require.Equal(t, 64, s.BatchSize)
	require.Equal(t, []string{"a", "b", "c"}, s.ExcludeDetours)
}

func TestParseBoolRecognizesTokens(t *testing.T) {
	require.True(t, ParseBool("Yes", false))
	require.True(t, ParseBool("ON", false))
	require.False(t, ParseBool("no", true))
	require.False(t, ParseBool("0", true))
	require.Equal(t, true, ParseBool("garbage", true))
}

func TestDSNIncludesCharsetAndParseTime(t *testing.T) {
	s := Settings{
		MySQLUser: "u", MySQLPassword: "p", MySQLHost: "h", MySQLPort: 3306,
		MySQLDB: "d", MySQLCharset: "utf8mb4",
	}
	require.Equal(t, "u:p@tcp(h:3306)/d?charset=utf8mb4&parseTime=true", s.DSN())
}
