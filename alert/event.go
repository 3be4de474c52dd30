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
	"time"

	"github.com/tidwall/sjson"
)

type State string

const (
	StateFiring   State = "firing"
	StateResolved State = "resolved"
)

// Event is emitted when a condition changes state.
type Event struct {
	ID        string
	Condition Condition
	State     State
	Text      string
	// Value is the evaluated metric value, in the unit of the threshold.
	Value float64
	Time  time.Time
}

type field struct {
	path  string
	value any
}

// JSON renders the notification payload.
func (e Event) JSON() ([]byte, error) {
	c := e.Condition
	fields := []field{
		{"id", e.ID},
		{"condition_id", c.ID()},
		{"state", string(e.State)},
		{"severity", string(c.Severity)},
		{"channel", c.Channel},
		{"text", e.Text},
		{"value", e.Value},
		{"timestamp", e.Time.UTC().Format(time.RFC3339)},
		{"condition.kind", string(c.Kind)},
		{"condition.time_period_seconds", c.TimePeriodSeconds},
	}
	switch c.Kind {
	case KindMetric:
		fields = append(fields,
			field{"condition.metric", c.Metric},
			field{"condition.threshold", c.Threshold},
			field{"condition.lower_bound_threshold", c.LowerBoundThreshold},
		)
		if c.Metric == MetricPercentile {
			fields = append(fields, field{"condition.percentile", c.Percentile})
		}
	case KindSyntheticMonitor:
		fields = append(fields,
			field{"condition.synthetic_monitor_id", c.SyntheticMonitorID},
			field{"condition.threshold", c.Threshold},
		)
	}
	if c.TransactionType != "" {
		fields = append(fields, field{"condition.transaction_type", c.TransactionType})
	}
	if c.TransactionName != "" {
		fields = append(fields, field{"condition.transaction_name", c.TransactionName})
	}

	out := []byte("{}")
	for _, f := range fields {
		var err error
		if out, err = sjson.SetBytes(out, f.path, f.value); err != nil {
			return nil, err
		}
	}
	return out, nil
}
