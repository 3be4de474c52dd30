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
	"fmt"
	"math"
	"strconv"
)

// firingText and resolvedText render the human readable part of events.

func firingText(c Condition) string {
	switch c.Kind {
	case KindHeartbeat:
		return fmt.Sprintf("No %s transactions were captured over the last %s.", c.TransactionType, periodText(c.TimePeriodSeconds))
	case KindSyntheticMonitor:
		return fmt.Sprintf("Synthetic monitor %s failed or has exceeded alert threshold of %s.", c.SyntheticMonitorID, unitText(c.Threshold, "millisecond"))
	}
	verb := "has exceeded"
	if c.LowerBoundThreshold {
		verb = "has dropped below"
	}
	return metricText(c, verb)
}

func resolvedText(c Condition) string {
	switch c.Kind {
	case KindHeartbeat:
		return fmt.Sprintf("%s transactions are being captured again over the last %s.", c.TransactionType, periodText(c.TimePeriodSeconds))
	case KindSyntheticMonitor:
		return fmt.Sprintf("Synthetic monitor %s has recovered.", c.SyntheticMonitorID)
	}
	verb := "has dropped back below"
	if c.LowerBoundThreshold {
		verb = "has risen back above"
	}
	return metricText(c, verb)
}

func metricText(c Condition, verb string) string {
	var subject, threshold string
	switch c.Metric {
	case MetricPercentile:
		subject = ordinal(c.Percentile) + " percentile"
		threshold = unitText(c.Threshold, "millisecond")
	case MetricAverage:
		subject = "Average"
		threshold = unitText(c.Threshold, "millisecond")
	case MetricCount:
		subject = "Transaction count"
		threshold = formatNumber(c.Threshold)
	case MetricErrorRate:
		subject = "Error rate"
		threshold = formatNumber(c.Threshold) + "%"
	case MetricErrorCount:
		subject = "Error count"
		threshold = formatNumber(c.Threshold)
	}
	return fmt.Sprintf("%s over the last %s %s alert threshold of %s.", subject, periodText(c.TimePeriodSeconds), verb, threshold)
}

// ordinal renders 95 as "95th" and 99.9 as "99.9th".
func ordinal(p float64) string {
	s := formatNumber(p)
	if p != math.Trunc(p) {
		return s + "th"
	}
	n := int64(p)
	switch {
	case n%100 >= 11 && n%100 <= 13:
		return s + "th"
	case n%10 == 1:
		return s + "st"
	case n%10 == 2:
		return s + "nd"
	case n%10 == 3:
		return s + "rd"
	}
	return s + "th"
}

func periodText(seconds int) string {
	switch {
	case seconds%3600 == 0:
		return unitText(float64(seconds/3600), "hour")
	case seconds%60 == 0:
		return unitText(float64(seconds/60), "minute")
	}
	return unitText(float64(seconds), "second")
}

func unitText(v float64, unit string) string {
	if v != 1 {
		unit += "s"
	}
	return formatNumber(v) + " " + unit
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
