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

package rollup

import (
	"context"
	"time"

	"github.com/elastic/apm-transaction-rollup/aggregate"
)

// OpenPoints exposes aggregate points that have not been flushed yet.
type OpenPoints interface {
	Snapshot(txnType string) []*aggregate.Point
}

// Reader answers aggregate queries. It reads the level chosen by
// LevelForView up to that level's watermark, the finest level beyond it,
// and the still open points beyond the finest watermark, so recent data is
// visible before it is rolled up.
type Reader struct {
	store   Store
	configs []Config
	open    OpenPoints
}

type ReaderOption func(*Reader)

func WithOpenPoints(o OpenPoints) ReaderOption {
	return func(r *Reader) {
		r.open = o
	}
}

func NewReader(store Store, configs []Config, opts ...ReaderOption) (*Reader, error) {
	if err := Validate(configs); err != nil {
		return nil, err
	}
	r := &Reader{store: store, configs: configs}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Points returns the points of a transaction type with a capture time in
// (from, to], and the level they were mostly read from.
func (r *Reader) Points(ctx context.Context, txnType string, from, to, now time.Time) (int, []*aggregate.Point, error) {
	level := LevelForView(r.configs, from, to, now)

	var points []*aggregate.Point
	covered := from
	if level > 0 {
		wm, err := r.store.Watermark(ctx, level)
		if err != nil {
			return 0, nil, err
		}
		if wm.After(from) {
			end := minTime(wm, to)
			pts, err := r.store.ReadPoints(ctx, level, txnType, from, end)
			if err != nil {
				return 0, nil, err
			}
			points = append(points, pts...)
			covered = end
		}
	}

	if covered.Before(to) {
		pts, err := r.store.ReadPoints(ctx, 0, txnType, covered, to)
		if err != nil {
			return 0, nil, err
		}
		points = append(points, pts...)
	}

	if r.open != nil {
		wm, err := r.store.Watermark(ctx, 0)
		if err != nil {
			return 0, nil, err
		}
		for _, p := range r.open.Snapshot(txnType) {
			if p.CaptureTime.After(wm) && p.CaptureTime.After(covered) && !p.CaptureTime.After(to) {
				points = append(points, p)
			}
		}
	}
	return level, points, nil
}

// Summaries returns per transaction name totals of a type over (from, to].
func (r *Reader) Summaries(ctx context.Context, txnType string, from, to, now time.Time, order aggregate.SortOrder, limit int) ([]aggregate.TransactionSummary, error) {
	_, points, err := r.Points(ctx, txnType, from, to, now)
	if err != nil {
		return nil, err
	}
	return aggregate.Summarize(points, order, limit), nil
}

// Overall merges every point of one series over (from, to]. An empty name
// selects the overall series of the type. The result has a zero count when
// there is no data.
func (r *Reader) Overall(ctx context.Context, txnType, name string, from, to, now time.Time) (*aggregate.Point, error) {
	_, points, err := r.Points(ctx, txnType, from, to, now)
	if err != nil {
		return nil, err
	}
	key := aggregate.Key{Type: txnType, Name: name}
	out := aggregate.NewPoint(key, to)
	for _, p := range points {
		if p.Key == key {
			out.Merge(p)
		}
	}
	return out, nil
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
