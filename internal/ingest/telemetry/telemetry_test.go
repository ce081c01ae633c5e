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

package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCountersIncrementByLabel(t *testing.T) {
	before := testutil.ToFloat64(LinesReadTotal.WithLabelValues("access"))
	LinesReadTotal.WithLabelValues("access").Inc()
	after := testutil.ToFloat64(LinesReadTotal.WithLabelValues("access"))
	require.Equal(t, float64(1), after-before)
}

func TestDBWriteFailCounterIncrements(t *testing.T) {
	before := testutil.ToFloat64(DBWriteFailTotal)
	DBWriteFailTotal.Inc()
	after := testutil.ToFloat64(DBWriteFailTotal)
	require.Equal(t, float64(1), after-before)
}

func TestStartMetricsEndpointDoesNotPanic(t *testing.T) {
	StartMetricsEndpoint("127.0.0.1:0", nil)
	time.Sleep(5 * time.Millisecond)
}
