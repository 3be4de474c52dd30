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

// Package rollup merges finer aggregate levels into coarser ones, expires
// old points, and serves reads from the most appropriate level.
package rollup

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned for rollup levels that cannot be rolled up
// into each other.
var ErrInvalidConfig = errors.New("invalid rollup config")

// Config is one rollup level. Levels are ordered from finest to coarsest.
type Config struct {
	IntervalMillis int64
	// ViewThresholdMillis is the smallest query span served by this level.
	ViewThresholdMillis int64
	RetentionHours      int
}

func (c Config) Interval() time.Duration {
	return time.Duration(c.IntervalMillis) * time.Millisecond
}

func (c Config) ViewThreshold() time.Duration {
	return time.Duration(c.ViewThresholdMillis) * time.Millisecond
}

func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// DefaultConfigs returns 1 minute, 5 minute, 30 minute and 4 hour levels.
func DefaultConfigs() []Config {
	return []Config{
		{IntervalMillis: 60 * 1000, ViewThresholdMillis: 0, RetentionHours: 48},
		{IntervalMillis: 5 * 60 * 1000, ViewThresholdMillis: 4 * 3600 * 1000, RetentionHours: 24 * 14},
		{IntervalMillis: 30 * 60 * 1000, ViewThresholdMillis: 24 * 3600 * 1000, RetentionHours: 24 * 90},
		{IntervalMillis: 4 * 3600 * 1000, ViewThresholdMillis: 7 * 24 * 3600 * 1000, RetentionHours: 24 * 365},
	}
}

// Validate checks that intervals are positive and strictly increasing, and
// that each interval is a multiple of the previous one so that coarse
// buckets are made of whole fine buckets.
func Validate(cfgs []Config) error {
	if len(cfgs) == 0 {
		return fmt.Errorf("%w: no levels", ErrInvalidConfig)
	}
	for i, c := range cfgs {
		if c.IntervalMillis <= 0 {
			return fmt.Errorf("%w: level %d has interval %dms", ErrInvalidConfig, i, c.IntervalMillis)
		}
		if c.RetentionHours <= 0 {
			return fmt.Errorf("%w: level %d has retention %dh", ErrInvalidConfig, i, c.RetentionHours)
		}
		if i == 0 {
			continue
		}
		prev := cfgs[i-1]
		if c.IntervalMillis <= prev.IntervalMillis {
			return fmt.Errorf("%w: level %d interval %dms is not greater than %dms", ErrInvalidConfig, i, c.IntervalMillis, prev.IntervalMillis)
		}
		if c.IntervalMillis%prev.IntervalMillis != 0 {
			return fmt.Errorf("%w: level %d interval %dms is not a multiple of %dms", ErrInvalidConfig, i, c.IntervalMillis, prev.IntervalMillis)
		}
	}
	return nil
}

// LevelForView picks the finest level i whose successor's view threshold
// exceeds the query span and whose retention still covers from. It falls
// back to the coarsest level.
func LevelForView(cfgs []Config, from, to, now time.Time) int {
	span := to.Sub(from)
	age := now.Sub(from)
	for i := 0; i < len(cfgs)-1; i++ {
		if span < cfgs[i+1].ViewThreshold() && age < cfgs[i].Retention() {
			return i
		}
	}
	return len(cfgs) - 1
}
