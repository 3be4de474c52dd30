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

	"github.com/tidwall/gjson"
)

// ParseConditions reads conditions from a JSON array such as
//
//	[{"kind":"metric","metric":"transaction:x-percentile","percentile":95,
//	  "transactionType":"Web","threshold":1,"timePeriodSeconds":60}]
//
// Every condition is validated.
func ParseConditions(data string) ([]Condition, error) {
	if !gjson.Valid(data) {
		return nil, fmt.Errorf("%w: malformed JSON", ErrInvalidCondition)
	}
	root := gjson.Parse(data)
	if !root.IsArray() {
		return nil, fmt.Errorf("%w: expected a JSON array", ErrInvalidCondition)
	}

	var (
		conditions []Condition
		err        error
	)
	root.ForEach(func(i, v gjson.Result) bool {
		c := Condition{
			Kind:                Kind(v.Get("kind").String()),
			Metric:              v.Get("metric").String(),
			Percentile:          v.Get("percentile").Float(),
			TransactionType:     v.Get("transactionType").String(),
			TransactionName:     v.Get("transactionName").String(),
			Threshold:           v.Get("threshold").Float(),
			LowerBoundThreshold: v.Get("lowerBoundThreshold").Bool(),
			TimePeriodSeconds:   int(v.Get("timePeriodSeconds").Int()),
			MinTransactionCount: v.Get("minTransactionCount").Int(),
			SyntheticMonitorID:  v.Get("syntheticMonitorId").String(),
			Severity:            Severity(v.Get("severity").String()),
			Channel:             v.Get("channel").String(),
		}
		if c.Kind == "" {
			c.Kind = KindMetric
		}
		if verr := c.Validate(); verr != nil {
			err = fmt.Errorf("condition %d: %w", i.Int(), verr)
			return false
		}
		conditions = append(conditions, c)
		return true
	})
	if err != nil {
		return nil, err
	}
	return conditions, nil
}
