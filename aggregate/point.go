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
	"sort"
	"time"
)

const (
	// LimitExceededBucket collects sub-aggregates beyond the per point limit
	// of distinct query keys.
	LimitExceededBucket = "LIMIT EXCEEDED BUCKET"

	DefaultQueryLimit = 500
)

// Key identifies the series a point belongs to. An empty Name is the overall
// series of the transaction type.
type Key struct {
	Type string
	Name string
}

// QueryKey identifies a query or service call sub-aggregate.
type QueryKey struct {
	Type string
	Text string
}

type QueryAggregate struct {
	Executions int64
	TotalNanos int64
	Rows       int64
}

// QuerySample is the contribution of one transaction to one query key.
type QuerySample struct {
	Key QueryKey
	QueryAggregate
}

// Sample is the contribution of one completed transaction.
type Sample struct {
	Duration     time.Duration
	Error        bool
	Queries      []QuerySample
	ServiceCalls []QuerySample
}

// Point is an aggregate of transactions of one series over one bucket ending
// at CaptureTime.
type Point struct {
	Key
	CaptureTime  time.Time
	Count        int64
	ErrorCount   int64
	TotalNanos   int64
	Histogram    *Histogram
	Queries      map[QueryKey]QueryAggregate
	ServiceCalls map[QueryKey]QueryAggregate
}

func NewPoint(key Key, captureTime time.Time) *Point {
	return &Point{Key: key, CaptureTime: captureTime, Histogram: NewHistogram()}
}

// Add records one transaction.
func (p *Point) Add(s Sample) {
	p.Count++
	if s.Error {
		p.ErrorCount++
	}
	p.TotalNanos += int64(s.Duration)
	p.Histogram.Record(s.Duration)
	for _, q := range s.Queries {
		p.Queries = addQuery(p.Queries, q.Key, q.QueryAggregate)
	}
	for _, q := range s.ServiceCalls {
		p.ServiceCalls = addQuery(p.ServiceCalls, q.Key, q.QueryAggregate)
	}
}

// Merge adds o into p. The key and capture time of p are kept.
func (p *Point) Merge(o *Point) {
	p.Count += o.Count
	p.ErrorCount += o.ErrorCount
	p.TotalNanos += o.TotalNanos
	p.Histogram.Merge(o.Histogram)
	for _, k := range sortedQueryKeys(o.Queries) {
		p.Queries = addQuery(p.Queries, k, o.Queries[k])
	}
	for _, k := range sortedQueryKeys(o.ServiceCalls) {
		p.ServiceCalls = addQuery(p.ServiceCalls, k, o.ServiceCalls[k])
	}
}

func (p *Point) Clone() *Point {
	c := *p
	c.Histogram = p.Histogram.Clone()
	c.Queries = cloneQueries(p.Queries)
	c.ServiceCalls = cloneQueries(p.ServiceCalls)
	return &c
}

// Average is the mean transaction duration.
func (p *Point) Average() time.Duration {
	if p.Count == 0 {
		return 0
	}
	return time.Duration(p.TotalNanos / p.Count)
}

func (p *Point) ErrorRate() float64 {
	if p.Count == 0 {
		return 0
	}
	return float64(p.ErrorCount) / float64(p.Count)
}

func addQuery(m map[QueryKey]QueryAggregate, k QueryKey, a QueryAggregate) map[QueryKey]QueryAggregate {
	if m == nil {
		m = map[QueryKey]QueryAggregate{}
	}
	if _, ok := m[k]; !ok && len(m) >= DefaultQueryLimit {
		k = QueryKey{Type: k.Type, Text: LimitExceededBucket}
	}
	cur := m[k]
	cur.Executions += a.Executions
	cur.TotalNanos += a.TotalNanos
	cur.Rows += a.Rows
	m[k] = cur
	return m
}

func cloneQueries(m map[QueryKey]QueryAggregate) map[QueryKey]QueryAggregate {
	if m == nil {
		return nil
	}
	c := make(map[QueryKey]QueryAggregate, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// sortedQueryKeys orders keys by descending total time, so that the keys
// kept under the limit are the most expensive ones regardless of map order.
func sortedQueryKeys(m map[QueryKey]QueryAggregate) []QueryKey {
	keys := make([]QueryKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := m[keys[i]], m[keys[j]]
		if a.TotalNanos != b.TotalNanos {
			return a.TotalNanos > b.TotalNanos
		}
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].Text < keys[j].Text
	})
	return keys
}

// MergeAll merges points into a new point with the given key and capture
// time. It returns nil when points is empty.
func MergeAll(key Key, captureTime time.Time, points []*Point) *Point {
	if len(points) == 0 {
		return nil
	}
	out := NewPoint(key, captureTime)
	for _, p := range points {
		out.Merge(p)
	}
	return out
}
