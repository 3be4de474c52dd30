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

package app

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/elastic/apm-transaction-rollup/alert"
	"github.com/elastic/apm-transaction-rollup/capture"
	"github.com/elastic/apm-transaction-rollup/rollup"
	"github.com/tidwall/gjson"
)

const (
	defaultFlushDelay     = 5 * time.Second
	defaultFlushInterval  = 10 * time.Second
	defaultRollupInterval = time.Minute
	defaultExpireInterval = time.Hour
	defaultAlertInterval  = time.Minute
	defaultHandoffBuffer  = 1000
	defaultTracesPerType  = 500
)

// settings is the environment driven part of the configuration.
type settings struct {
	capture        capture.Config
	rollups        []rollup.Config
	conditions     []alert.Condition
	flushDelay     time.Duration
	flushInterval  time.Duration
	rollupInterval time.Duration
	expireInterval time.Duration
	alertInterval  time.Duration
	handoffBuffer  int
	tracesPerType  int
	metricsAddr    string
}

func loadSettings() (settings, error) {
	s := settings{
		capture:        capture.DefaultConfig(),
		rollups:        rollup.DefaultConfigs(),
		flushDelay:     defaultFlushDelay,
		flushInterval:  defaultFlushInterval,
		rollupInterval: defaultRollupInterval,
		expireInterval: defaultExpireInterval,
		alertInterval:  defaultAlertInterval,
		handoffBuffer:  defaultHandoffBuffer,
		tracesPerType:  defaultTracesPerType,
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"APM_ROLLUP_MAX_TRACE_ENTRIES", &s.capture.MaxEntries},
		{"APM_ROLLUP_MAX_QUERY_AGGREGATES", &s.capture.MaxQueryAggregates},
		{"APM_ROLLUP_MAX_SERVICE_CALL_AGGREGATES", &s.capture.MaxServiceCallAggregates},
		{"APM_ROLLUP_HANDOFF_BUFFER_SIZE", &s.handoffBuffer},
		{"APM_ROLLUP_TRACES_PER_TYPE", &s.tracesPerType},
	}
	for _, v := range ints {
		if err := parseInt(v.env, v.dst); err != nil {
			return settings{}, err
		}
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"APM_ROLLUP_SLOW_THRESHOLD", &s.capture.SlowThreshold},
		{"APM_ROLLUP_PARTIAL_TRACE_AFTER", &s.capture.PartialTraceStoreAfter},
		{"APM_ROLLUP_FLUSH_DELAY", &s.flushDelay},
		{"APM_ROLLUP_FLUSH_INTERVAL", &s.flushInterval},
		{"APM_ROLLUP_ROLLUP_INTERVAL", &s.rollupInterval},
		{"APM_ROLLUP_EXPIRE_INTERVAL", &s.expireInterval},
		{"APM_ROLLUP_ALERT_INTERVAL", &s.alertInterval},
	}
	for _, v := range durations {
		if err := parseDuration(v.env, v.dst); err != nil {
			return settings{}, err
		}
	}

	s.metricsAddr = os.Getenv("APM_ROLLUP_METRICS_ADDRESS")

	if raw, ok := os.LookupEnv("APM_ROLLUP_LEVELS"); ok {
		levels, err := parseRollupLevels(raw)
		if err != nil {
			return settings{}, fmt.Errorf("failed to parse APM_ROLLUP_LEVELS: %w", err)
		}
		s.rollups = levels
	}
	if err := rollup.Validate(s.rollups); err != nil {
		return settings{}, err
	}

	if raw, ok := os.LookupEnv("APM_ROLLUP_ALERT_CONDITIONS"); ok {
		conditions, err := alert.ParseConditions(raw)
		if err != nil {
			return settings{}, fmt.Errorf("failed to parse APM_ROLLUP_ALERT_CONDITIONS: %w", err)
		}
		s.conditions = conditions
	}
	return s, nil
}

func parseInt(env string, dst *int) error {
	raw, ok := os.LookupEnv(env)
	if !ok {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", env, err)
	}
	*dst = v
	return nil
}

func parseDuration(env string, dst *time.Duration) error {
	raw, ok := os.LookupEnv(env)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", env, err)
	}
	*dst = d
	return nil
}

// parseRollupLevels reads levels from a JSON array of objects with
// intervalMillis, viewThresholdMillis and retentionHours.
func parseRollupLevels(raw string) ([]rollup.Config, error) {
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("%w: malformed JSON", rollup.ErrInvalidConfig)
	}
	root := gjson.Parse(raw)
	if !root.IsArray() {
		return nil, fmt.Errorf("%w: expected a JSON array", rollup.ErrInvalidConfig)
	}

	var levels []rollup.Config
	for _, v := range root.Array() {
		levels = append(levels, rollup.Config{
			IntervalMillis:      v.Get("intervalMillis").Int(),
			ViewThresholdMillis: v.Get("viewThresholdMillis").Int(),
			RetentionHours:      int(v.Get("retentionHours").Int()),
		})
	}
	return levels, nil
}
