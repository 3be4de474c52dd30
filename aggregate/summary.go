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

package aggregate

import (
	"fmt"
	"sort"
	"time"
)

type SortOrder int

const (
	SortByTotalTime SortOrder = iota
	SortByAverageTime
	SortByThroughput
	SortByErrorRate
)

var sortOrderNames = map[string]SortOrder{
	"total-time":   SortByTotalTime,
	"average-time": SortByAverageTime,
	"throughput":   SortByThroughput,
	"error-rate":   SortByErrorRate,
}

// ParseSortOrder parses the names used in configuration and queries.
func ParseSortOrder(s string) (SortOrder, error) {
	if o, ok := sortOrderNames[s]; ok {
		return o, nil
	}
	return 0, fmt.Errorf("unknown sort order %q", s)
}

// TransactionSummary is the total of one transaction name over a time range.
type TransactionSummary struct {
	Name       string
	Count      int64
	ErrorCount int64
	TotalNanos int64
}

func (s TransactionSummary) Average() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return time.Duration(s.TotalNanos / s.Count)
}

func (s TransactionSummary) ErrorRate() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.ErrorCount) / float64(s.Count)
}

// Summarize groups named points by transaction name, sorts the totals in
// descending order and keeps at most limit of them. A limit of zero or less
// keeps all. Overall points, with an empty name, are ignored.
func Summarize(points []*Point, order SortOrder, limit int) []TransactionSummary {
	byName := map[string]*TransactionSummary{}
	for _, p := range points {
		if p.Name == "" {
			continue
		}
		s, ok := byName[p.Name]
		if !ok {
			s = &TransactionSummary{Name: p.Name}
			byName[p.Name] = s
		}
		s.Count += p.Count
		s.ErrorCount += p.ErrorCount
		s.TotalNanos += p.TotalNanos
	}

	out := make([]TransactionSummary, 0, len(byName))
	for _, s := range byName {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		var less, greater bool
		switch order {
		case SortByAverageTime:
			greater, less = a.Average() > b.Average(), a.Average() < b.Average()
		case SortByThroughput:
			greater, less = a.Count > b.Count, a.Count < b.Count
		case SortByErrorRate:
			greater, less = a.ErrorRate() > b.ErrorRate(), a.ErrorRate() < b.ErrorRate()
		default:
			greater, less = a.TotalNanos > b.TotalNanos, a.TotalNanos < b.TotalNanos
		}
		if greater || less {
			return greater
		}
		return a.Name < b.Name
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
