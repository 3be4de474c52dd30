// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package rollup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(DefaultConfigs()))

	tests := []struct {
		name string
		cfgs []Config
	}{
		{name: "empty"},
		{name: "zero interval", cfgs: []Config{{IntervalMillis: 0, RetentionHours: 1}}},
		{name: "no retention", cfgs: []Config{{IntervalMillis: 1000}}},
		{name: "not increasing", cfgs: []Config{
			{IntervalMillis: 60000, RetentionHours: 1},
			{IntervalMillis: 60000, RetentionHours: 2},
		}},
		{name: "not a multiple", cfgs: []Config{
			{IntervalMillis: 60000, RetentionHours: 1},
			{IntervalMillis: 90000, RetentionHours: 2},
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, Validate(tc.cfgs), ErrInvalidConfig)
		})
	}
}

func TestDefaultConfigs(t *testing.T) {
	cfgs := DefaultConfigs()
	require.Len(t, cfgs, 4)
	assert.Equal(t, time.Minute, cfgs[0].Interval())
	assert.Equal(t, 48*time.Hour, cfgs[0].Retention())
	assert.Equal(t, 4*time.Hour, cfgs[1].ViewThreshold())
	assert.Equal(t, 4*time.Hour, cfgs[3].Interval())
	assert.Equal(t, 365*24*time.Hour, cfgs[3].Retention())
}

func TestLevelForView(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cfgs := DefaultConfigs()

	tests := []struct {
		name     string
		from, to time.Time
		level    int
	}{
		{"last hour", now.Add(-time.Hour), now, 0},
		{"just under four hours", now.Add(-4*time.Hour + time.Minute), now, 0},
		{"four hours", now.Add(-4 * time.Hour), now, 1},
		{"half a day", now.Add(-12 * time.Hour), now, 1},
		{"three days", now.Add(-72 * time.Hour), now, 2},
		{"a month", now.Add(-30 * 24 * time.Hour), now, 3},
		{"short span past level 0 retention", now.Add(-72 * time.Hour), now.Add(-71 * time.Hour), 1},
		{"short span past level 1 retention", now.Add(-20 * 24 * time.Hour), now.Add(-20*24*time.Hour + time.Hour), 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.level, LevelForView(cfgs, tc.from, tc.to, now))
		})
	}
}
