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

package store

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitStatementsDropsEmptyAndTrims(t *testing.T) {
	ddl := "CREATE TABLE a (id INT);\n\nCREATE TABLE b (id INT);\n"
	stmts := splitStatements(ddl)
	require.Equal(t, []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"}, stmts)
}

func TestNullableIntPassesThroughNilAndValue(t *testing.T) {
	require.Nil(t, nullableInt(nil))
	v := 42
	require.Equal(t, 42, nullableInt(&v))
}

func TestBoolToInt(t *testing.T) {
	require.Equal(t, 1, boolToInt(true))
	require.Equal(t, 0, boolToInt(false))
}

func TestNullStringUnwrapsValidity(t *testing.T) {
	require.Nil(t, nullString(sql.NullString{Valid: false}))
	require.Equal(t, "x", nullString(sql.NullString{Valid: true, String: "x"}))
}

func TestJSONValueTypeClassifiesPrimitives(t *testing.T) {
	require.Equal(t, "bool", jsonValueType("true"))
	require.Equal(t, "float", jsonValueType("128"))
	require.Equal(t, "str", jsonValueType(`"warning"`))
	require.Equal(t, "str", jsonValueType("not json"))
}

func TestRetentionTablesCoverSpecTargets(t *testing.T) {
	names := make([]string, 0, len(retentionTables))
	for _, rt := range retentionTables {
		names = append(names, rt.table)
	}
	require.ElementsMatch(t, []string{
		"audit_raw_events", "audit_error_events", "audit_auth_events", "audit_runtime_config_history",
	}, names)
}
