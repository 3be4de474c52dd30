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

package capture

import (
	"sync"
)

// LimitExceededBucket is the aggregate key collecting executions beyond the
// per-transaction limit of distinct keys.
const LimitExceededBucket = "LIMIT EXCEEDED BUCKET"

// QueryKey identifies a query or service call by its type (for example
// "SQL" or "HTTP") and its text.
type QueryKey struct {
	Type string
	Text string
}

type queryNode struct {
	key        QueryKey
	executions int64
	totalNanos int64
	rows       int64
}

// QueryStats is the transaction level aggregate of one query key.
type QueryStats struct {
	Type       string
	Text       string
	Executions int64
	TotalNanos int64
	Rows       int64
	Active     bool
}

type queryStats struct {
	executions int64
	totalNanos int64
	rows       int64
	active     int
}

// queryCollector aggregates every execution of a transaction by key,
// independently of whether the execution produced a tree node.
type queryCollector struct {
	mu     sync.Mutex
	limit  int
	stats  map[QueryKey]*queryStats
	order  []QueryKey
	frozen bool
}

func newQueryCollector(limit int) *queryCollector {
	return &queryCollector{limit: limit}
}

// begin marks an execution of key as active and returns the key it is
// accounted under.
func (c *queryCollector) begin(key QueryKey) QueryKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen {
		return key
	}
	if c.stats == nil {
		c.stats = map[QueryKey]*queryStats{}
	}

	s, ok := c.stats[key]
	if !ok {
		if len(c.order) >= c.limit {
			key = QueryKey{Type: key.Type, Text: LimitExceededBucket}
			s, ok = c.stats[key]
		}
		if !ok {
			s = &queryStats{}
			c.stats[key] = s
			c.order = append(c.order, key)
		}
	}
	s.active++
	return key
}

func (c *queryCollector) end(key QueryKey, nanos, rows int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen {
		return
	}
	s, ok := c.stats[key]
	if !ok {
		return
	}
	s.executions++
	s.totalNanos += nanos
	s.rows += rows
	if s.active > 0 {
		s.active--
	}
}

func (c *queryCollector) freeze() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.frozen = true
}

func (c *queryCollector) snapshot() []QueryStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.order) == 0 {
		return nil
	}
	out := make([]QueryStats, 0, len(c.order))
	for _, k := range c.order {
		s := c.stats[k]
		out = append(out, QueryStats{
			Type:       k.Type,
			Text:       k.Text,
			Executions: s.executions,
			TotalNanos: s.totalNanos,
			Rows:       s.rows,
			Active:     s.active > 0,
		})
	}
	return out
}
