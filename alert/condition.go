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

// Package alert evaluates alert conditions against aggregated transaction
// data and emits an event each time a condition changes between cleared and
// triggered.
package alert

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidCondition is returned for conditions that cannot be evaluated.
var ErrInvalidCondition = errors.New("invalid alert condition")

type Kind string

const (
	KindMetric           Kind = "metric"
	KindSyntheticMonitor Kind = "synthetic-monitor"
	KindHeartbeat        Kind = "heartbeat"
)

// Metric identifiers of metric conditions.
const (
	MetricPercentile = "transaction:x-percentile"
	MetricAverage    = "transaction:average"
	MetricCount      = "transaction:count"
	MetricErrorRate  = "error:rate"
	MetricErrorCount = "error:count"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Condition is one configured alert.
//
// Threshold is in milliseconds for the duration metrics and synthetic
// monitors, in percent for error:rate and a plain number for the counts.
type Condition struct {
	Kind                Kind
	Metric              string
	Percentile          float64
	TransactionType     string
	TransactionName     string
	Threshold           float64
	LowerBoundThreshold bool
	TimePeriodSeconds   int
	MinTransactionCount int64
	SyntheticMonitorID  string
	Severity            Severity
	Channel             string
}

func (c Condition) TimePeriod() time.Duration {
	return time.Duration(c.TimePeriodSeconds) * time.Second
}

// canonical renders the fields that decide what is evaluated. Severity and
// channel only affect notification and are left out, so changing them keeps
// the triggered state.
func (c Condition) canonical() string {
	var sb strings.Builder
	sb.WriteString("kind=" + string(c.Kind))
	switch c.Kind {
	case KindMetric:
		sb.WriteString(";metric=" + c.Metric)
		if c.Metric == MetricPercentile {
			sb.WriteString(";percentile=" + strconv.FormatFloat(c.Percentile, 'f', -1, 64))
		}
		sb.WriteString(";type=" + c.TransactionType)
		sb.WriteString(";name=" + c.TransactionName)
		sb.WriteString(";threshold=" + strconv.FormatFloat(c.Threshold, 'f', -1, 64))
		sb.WriteString(";lower=" + strconv.FormatBool(c.LowerBoundThreshold))
		sb.WriteString(";min=" + strconv.FormatInt(c.MinTransactionCount, 10))
	case KindHeartbeat:
		sb.WriteString(";type=" + c.TransactionType)
	case KindSyntheticMonitor:
		sb.WriteString(";monitor=" + c.SyntheticMonitorID)
		sb.WriteString(";threshold=" + strconv.FormatFloat(c.Threshold, 'f', -1, 64))
	}
	sb.WriteString(";period=" + strconv.Itoa(c.TimePeriodSeconds))
	return sb.String()
}

// ID is a stable identity derived from the condition itself, used to key
// the persisted triggered state.
func (c Condition) ID() string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(c.canonical())).String()
}

func (c Condition) Validate() error {
	if c.TimePeriodSeconds <= 0 {
		return fmt.Errorf("%w: time period must be positive", ErrInvalidCondition)
	}
	switch c.Severity {
	case "", SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
	default:
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidCondition, c.Severity)
	}

	switch c.Kind {
	case KindMetric:
		if c.TransactionType == "" {
			return fmt.Errorf("%w: metric condition without transaction type", ErrInvalidCondition)
		}
		switch c.Metric {
		case MetricPercentile:
			if c.Percentile <= 0 || c.Percentile >= 100 {
				return fmt.Errorf("%w: percentile %v out of range", ErrInvalidCondition, c.Percentile)
			}
		case MetricAverage, MetricCount, MetricErrorRate, MetricErrorCount:
		default:
			return fmt.Errorf("%w: unknown metric %q", ErrInvalidCondition, c.Metric)
		}
		if c.Threshold < 0 {
			return fmt.Errorf("%w: negative threshold", ErrInvalidCondition)
		}
		if c.MinTransactionCount < 0 {
			return fmt.Errorf("%w: negative minimum transaction count", ErrInvalidCondition)
		}
	case KindHeartbeat:
		if c.TransactionType == "" {
			return fmt.Errorf("%w: heartbeat condition without transaction type", ErrInvalidCondition)
		}
	case KindSyntheticMonitor:
		if c.SyntheticMonitorID == "" {
			return fmt.Errorf("%w: synthetic monitor condition without monitor id", ErrInvalidCondition)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCondition, c.Kind)
	}
	return nil
}
