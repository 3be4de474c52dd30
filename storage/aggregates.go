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

package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/elastic/apm-transaction-rollup/aggregate"
	"github.com/google/btree"
)

// storedPoint is the persisted form of an aggregate point. The histogram is
// kept encoded, which makes stored points immutable.
type storedPoint struct {
	captureTime  time.Time
	key          aggregate.Key
	count        int64
	errorCount   int64
	totalNanos   int64
	histogram    []byte
	queries      map[aggregate.QueryKey]aggregate.QueryAggregate
	serviceCalls map[aggregate.QueryKey]aggregate.QueryAggregate
}

func lessPoint(a, b storedPoint) bool {
	if !a.captureTime.Equal(b.captureTime) {
		return a.captureTime.Before(b.captureTime)
	}
	if a.key.Type != b.key.Type {
		return a.key.Type < b.key.Type
	}
	return a.key.Name < b.key.Name
}

func encodePoint(p *aggregate.Point) (storedPoint, error) {
	h, err := p.Histogram.Encode()
	if err != nil {
		return storedPoint{}, err
	}
	c := p.Clone()
	return storedPoint{
		captureTime:  p.CaptureTime,
		key:          p.Key,
		count:        p.Count,
		errorCount:   p.ErrorCount,
		totalNanos:   p.TotalNanos,
		histogram:    h,
		queries:      c.Queries,
		serviceCalls: c.ServiceCalls,
	}, nil
}

func (s storedPoint) decode() (*aggregate.Point, error) {
	h, err := aggregate.DecodeHistogram(s.histogram)
	if err != nil {
		return nil, err
	}
	p := &aggregate.Point{
		Key:          s.key,
		CaptureTime:  s.captureTime,
		Count:        s.count,
		ErrorCount:   s.errorCount,
		TotalNanos:   s.totalNanos,
		Histogram:    h,
		Queries:      s.queries,
		ServiceCalls: s.serviceCalls,
	}
	return p.Clone(), nil
}

// AggregateStore keeps aggregate points per rollup level, ordered by capture
// time, together with a per level watermark: every bucket of a level ending
// at or before its watermark is complete.
type AggregateStore struct {
	availability

	mu         sync.RWMutex
	levels     map[int]*btree.BTreeG[storedPoint]
	watermarks map[int]time.Time
}

func NewAggregateStore() *AggregateStore {
	return &AggregateStore{
		levels:     map[int]*btree.BTreeG[storedPoint]{},
		watermarks: map[int]time.Time{},
	}
}

func (s *AggregateStore) level(level int) *btree.BTreeG[storedPoint] {
	t, ok := s.levels[level]
	if !ok {
		t = btree.NewG(16, lessPoint)
		s.levels[level] = t
	}
	return t
}

// WritePoints stores points at the given level. A point replaces any point
// with the same capture time and key, so writing the same bucket twice is
// idempotent.
func (s *AggregateStore) WritePoints(ctx context.Context, level int, points []*aggregate.Point) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	items := make([]storedPoint, 0, len(points))
	for _, p := range points {
		item, err := encodePoint(p)
		if err != nil {
			return fmt.Errorf("failed to write point %v at %s: %w", p.Key, p.CaptureTime, err)
		}
		items = append(items, item)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.level(level)
	for _, item := range items {
		t.ReplaceOrInsert(item)
	}
	return nil
}

// ReadPoints returns the points of a level with a capture time in
// (from, to]. An empty txnType matches every type.
func (s *AggregateStore) ReadPoints(ctx context.Context, level int, txnType string, from, to time.Time) ([]*aggregate.Point, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var items []storedPoint
	s.mu.RLock()
	if t, ok := s.levels[level]; ok {
		t.AscendGreaterOrEqual(storedPoint{captureTime: from.Add(time.Nanosecond)}, func(item storedPoint) bool {
			if item.captureTime.After(to) {
				return false
			}
			if txnType == "" || item.key.Type == txnType {
				items = append(items, item)
			}
			return true
		})
	}
	s.mu.RUnlock()

	points := make([]*aggregate.Point, 0, len(items))
	for _, item := range items {
		p, err := item.decode()
		if err != nil {
			return nil, fmt.Errorf("failed to read point %v at %s: %w", item.key, item.captureTime, err)
		}
		points = append(points, p)
	}
	return points, nil
}

// Earliest returns the capture time of the oldest point of a level.
func (s *AggregateStore) Earliest(ctx context.Context, level int) (time.Time, bool, error) {
	if err := s.check(ctx); err != nil {
		return time.Time{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.levels[level]
	if !ok {
		return time.Time{}, false, nil
	}
	item, ok := t.Min()
	return item.captureTime, ok, nil
}

// DeleteBefore removes every point of a level with a capture time before
// cutoff and returns how many were removed.
func (s *AggregateStore) DeleteBefore(ctx context.Context, level int, cutoff time.Time) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.levels[level]
	if !ok {
		return 0, nil
	}
	var expired []storedPoint
	t.AscendLessThan(storedPoint{captureTime: cutoff}, func(item storedPoint) bool {
		expired = append(expired, item)
		return true
	})
	for _, item := range expired {
		t.Delete(item)
	}
	return len(expired), nil
}

func (s *AggregateStore) Watermark(ctx context.Context, level int) (time.Time, error) {
	if err := s.check(ctx); err != nil {
		return time.Time{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.watermarks[level], nil
}

// AdvanceWatermark moves the watermark of a level forward. It never moves
// backwards.
func (s *AggregateStore) AdvanceWatermark(ctx context.Context, level int, to time.Time) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if to.After(s.watermarks[level]) {
		s.watermarks[level] = to
	}
	return nil
}

// Len returns the number of points stored at a level.
func (s *AggregateStore) Len(level int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.levels[level]; ok {
		return t.Len()
	}
	return 0
}
