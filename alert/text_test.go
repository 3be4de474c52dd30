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

package alert

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestText(t *testing.T) {
	tests := []struct {
		name     string
		c        Condition
		firing   string
		resolved string
	}{
		{
			name:     "percentile",
			c:        Condition{Kind: KindMetric, Metric: MetricPercentile, Percentile: 95, Threshold: 1, TimePeriodSeconds: 60},
			firing:   "95th percentile over the last 1 minute has exceeded alert threshold of 1 millisecond.",
			resolved: "95th percentile over the last 1 minute has dropped back below alert threshold of 1 millisecond.",
		},
		{
			name:     "average",
			c:        Condition{Kind: KindMetric, Metric: MetricAverage, Threshold: 250.5, TimePeriodSeconds: 300},
			firing:   "Average over the last 5 minutes has exceeded alert threshold of 250.5 milliseconds.",
			resolved: "Average over the last 5 minutes has dropped back below alert threshold of 250.5 milliseconds.",
		},
		{
			name:     "lower bound error rate",
			c:        Condition{Kind: KindMetric, Metric: MetricErrorRate, Threshold: 5, LowerBoundThreshold: true, TimePeriodSeconds: 3600},
			firing:   "Error rate over the last 1 hour has dropped below alert threshold of 5%.",
			resolved: "Error rate over the last 1 hour has risen back above alert threshold of 5%.",
		},
		{
			name:     "error count",
			c:        Condition{Kind: KindMetric, Metric: MetricErrorCount, Threshold: 3, TimePeriodSeconds: 90},
			firing:   "Error count over the last 90 seconds has exceeded alert threshold of 3.",
			resolved: "Error count over the last 90 seconds has dropped back below alert threshold of 3.",
		},
		{
			name:     "synthetic monitor",
			c:        Condition{Kind: KindSyntheticMonitor, SyntheticMonitorID: "login", Threshold: 1000, TimePeriodSeconds: 60},
			firing:   "Synthetic monitor login failed or has exceeded alert threshold of 1000 milliseconds.",
			resolved: "Synthetic monitor login has recovered.",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.firing, firingText(tc.c))
			assert.Equal(t, tc.resolved, resolvedText(tc.c))
		})
	}
}

func TestOrdinal(t *testing.T) {
	for p, want := range map[float64]string{
		1:    "1st",
		2:    "2nd",
		3:    "3rd",
		11:   "11th",
		12:   "12th",
		22:   "22nd",
		50:   "50th",
		99.9: "99.9th",
	} {
		assert.Equal(t, want, ordinal(p))
	}
}
