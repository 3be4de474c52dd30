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
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var minute = time.Date(2024, 3, 1, 12, 1, 0, 0, time.UTC)

func randomPoint(r *rand.Rand, key Key) *Point {
	p := NewPoint(key, minute)
	for i := 0; i < 1+r.Intn(50); i++ {
		p.Add(Sample{
			Duration: time.Duration(r.Int63n(int64(time.Second))),
			Error:    r.Intn(10) == 0,
			Queries: []QuerySample{{
				Key:            QueryKey{Type: "SQL", Text: fmt.Sprintf("select %d", r.Intn(5))},
				QueryAggregate: QueryAggregate{Executions: 2, TotalNanos: 1000, Rows: 3},
			}},
		})
	}
	return p
}

func TestPointAdd(t *testing.T) {
	p := NewPoint(Key{Type: "Web", Name: "/orders"}, minute)
	p.Add(Sample{Duration: 10 * time.Millisecond})
	p.Add(Sample{
		Duration:     30 * time.Millisecond,
		Error:        true,
		ServiceCalls: []QuerySample{{Key: QueryKey{Type: "HTTP", Text: "GET /stock"}, QueryAggregate: QueryAggregate{Executions: 1, TotalNanos: 5}}},
	})

	assert.Equal(t, int64(2), p.Count)
	assert.Equal(t, int64(1), p.ErrorCount)
	assert.Equal(t, int64(40*time.Millisecond), p.TotalNanos)
	assert.Equal(t, 20*time.Millisecond, p.Average())
	assert.Equal(t, 0.5, p.ErrorRate())
	assert.Equal(t, int64(2), p.Histogram.Count())
	assert.Equal(t, map[QueryKey]QueryAggregate{
		{Type: "HTTP", Text: "GET /stock"}: {Executions: 1, TotalNanos: 5},
	}, p.ServiceCalls)
	assert.Nil(t, p.Queries)
}

// Merging the same points in any order and grouping yields the same totals.
func TestPointMergeOrderIndependent(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	key := Key{Type: "Web"}
	var points []*Point
	for i := 0; i < 8; i++ {
		points = append(points, randomPoint(r, key))
	}

	direct := MergeAll(key, minute, points)

	shuffled := append([]*Point(nil), points...)
	r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	pairwise := shuffled
	for len(pairwise) > 1 {
		var next []*Point
		for i := 0; i < len(pairwise); i += 2 {
			m := pairwise[i].Clone()
			if i+1 < len(pairwise) {
				m.Merge(pairwise[i+1])
			}
			next = append(next, m)
		}
		pairwise = next
	}
	got := pairwise[0]

	assert.Equal(t, direct.Count, got.Count)
	assert.Equal(t, direct.ErrorCount, got.ErrorCount)
	assert.Equal(t, direct.TotalNanos, got.TotalNanos)
	assert.True(t, direct.Histogram.Equal(got.Histogram))
	assert.Equal(t, direct.Queries, got.Queries)
}

func TestPointCloneIsIndependent(t *testing.T) {
	p := NewPoint(Key{Type: "Web"}, minute)
	p.Add(Sample{Duration: time.Millisecond, Queries: []QuerySample{{Key: QueryKey{Type: "SQL", Text: "q"}, QueryAggregate: QueryAggregate{Executions: 1}}}})
	c := p.Clone()
	c.Add(Sample{Duration: time.Millisecond, Queries: []QuerySample{{Key: QueryKey{Type: "SQL", Text: "q"}, QueryAggregate: QueryAggregate{Executions: 1}}}})

	assert.Equal(t, int64(1), p.Count)
	assert.Equal(t, int64(1), p.Histogram.Count())
	assert.Equal(t, int64(1), p.Queries[QueryKey{Type: "SQL", Text: "q"}].Executions)
	assert.Equal(t, int64(2), c.Queries[QueryKey{Type: "SQL", Text: "q"}].Executions)
}

func TestPointQueryLimit(t *testing.T) {
	p := NewPoint(Key{Type: "Web"}, minute)
	var qs []QuerySample
	for i := 0; i < DefaultQueryLimit+10; i++ {
		qs = append(qs, QuerySample{Key: QueryKey{Type: "SQL", Text: fmt.Sprintf("q%d", i)}, QueryAggregate: QueryAggregate{Executions: 1}})
	}
	p.Add(Sample{Duration: time.Millisecond, Queries: qs})

	require.Len(t, p.Queries, DefaultQueryLimit+1)
	assert.Equal(t, int64(10), p.Queries[QueryKey{Type: "SQL", Text: LimitExceededBucket}].Executions)
}

func TestMergeAllEmpty(t *testing.T) {
	assert.Nil(t, MergeAll(Key{Type: "Web"}, minute, nil))
}
