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
	"time"

	"github.com/elastic/apm-transaction-rollup/alert"
)

type appConfig struct {
	logLevel   string
	dotenvPath string
	clock      func() time.Time
	notifier   alert.Notifier
	synthetic  alert.SyntheticResultSource
}

// ConfigOption is used to configure the app.
type ConfigOption func(*appConfig)

// WithLogLevel sets the log level.
func WithLogLevel(level string) ConfigOption {
	return func(c *appConfig) {
		c.logLevel = level
	}
}

// WithDotenv loads environment variables from a dotenv file before the
// configuration is read. Variables already set in the environment win.
func WithDotenv(path string) ConfigOption {
	return func(c *appConfig) {
		c.dotenvPath = path
	}
}

// WithClock sets the wall clock driving flushes, rollups and alerting.
func WithClock(clock func() time.Time) ConfigOption {
	return func(c *appConfig) {
		c.clock = clock
	}
}

// WithNotifier sets where alert events are sent. Without it events are
// only logged.
func WithNotifier(n alert.Notifier) ConfigOption {
	return func(c *appConfig) {
		c.notifier = n
	}
}

// WithSyntheticResults enables synthetic monitor alert conditions.
func WithSyntheticResults(s alert.SyntheticResultSource) ConfigOption {
	return func(c *appConfig) {
		c.synthetic = s
	}
}
