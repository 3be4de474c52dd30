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

// Package accumulator turns completed transactions into per interval
// aggregate points and flushes closed intervals to storage.
package accumulator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/elastic/apm-transaction-rollup/aggregate"
	"github.com/elastic/apm-transaction-rollup/capture"
	"github.com/elastic/apm-transaction-rollup/logger"
	"github.com/elastic/apm-transaction-rollup/metrics"
	"go.uber.org/zap"
)

var (
	// ErrNotCompleted is returned for a transaction that has not completed.
	ErrNotCompleted = errors.New("transaction has not completed")
	// ErrAlreadyAccumulated is returned when a transaction is accumulated
	// a second time.
	ErrAlreadyAccumulated = errors.New("transaction already accumulated")
)

// Writer is the storage the accumulator flushes to. Level 0 is the finest
// rollup level.
type Writer interface {
	WritePoints(ctx context.Context, level int, points []*aggregate.Point) error
	AdvanceWatermark(ctx context.Context, level int, to time.Time) error
}

// Accumulator holds one open bucket per interval. A transaction contributes
// to the bucket ending at the first interval boundary at or after its
// completion, both to the overall series of its type and to the series of
// its name. Buckets are immutable once flushed; a contribution arriving for
// a flushed bucket goes to the earliest open one.
type Accumulator struct {
	mu sync.Mutex
	// buckets holds the open buckets by their end time.
	buckets map[time.Time]map[aggregate.Key]*aggregate.Point
	// flushedThrough is the end of the newest flushed interval.
	flushedThrough time.Time

	writer     Writer
	interval   time.Duration
	flushDelay time.Duration
	logger     *zap.SugaredLogger
	metrics    *metrics.Metrics
	lateLog    *logger.Sometimes
}

type Option func(*Accumulator)

// WithInterval sets the bucket interval, one minute by default.
func WithInterval(d time.Duration) Option {
	return func(a *Accumulator) {
		a.interval = d
	}
}

// WithFlushDelay keeps closed buckets open for d to absorb transactions
// completing around the interval boundary.
func WithFlushDelay(d time.Duration) Option {
	return func(a *Accumulator) {
		a.flushDelay = d
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(a *Accumulator) {
		a.logger = logger.OrNop(l)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Accumulator) {
		a.metrics = m
	}
}

func New(w Writer, opts ...Option) *Accumulator {
	a := &Accumulator{
		buckets:  make(map[time.Time]map[aggregate.Key]*aggregate.Point),
		writer:   w,
		interval: time.Minute,
		logger:   zap.NewNop().Sugar(),
		lateLog:  logger.NewSometimes(time.Minute),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = metrics.New(nil)
	}
	return a
}

// ceil rounds t up to a multiple of d.
func ceil(t time.Time, d time.Duration) time.Time {
	c := t.Truncate(d)
	if c.Before(t) {
		c = c.Add(d)
	}
	return c
}

// Accumulate adds a completed transaction. Each transaction is accepted
// exactly once.
func (a *Accumulator) Accumulate(t *capture.Transaction) error {
	if !t.Completed() {
		return ErrNotCompleted
	}
	if !t.MarkAccumulated() {
		return ErrAlreadyAccumulated
	}

	s := sampleOf(t)
	captureTime := ceil(t.EndTime(), a.interval)
	keys := [2]aggregate.Key{{Type: t.Type()}, {Type: t.Type(), Name: t.Name()}}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !captureTime.After(a.flushedThrough) {
		late := captureTime
		captureTime = a.flushedThrough.Add(a.interval)
		a.metrics.LateContributions.Inc()
		a.lateLog.Warnf(a.logger, "bucket %s already flushed, adding transaction %s to bucket %s", late, t.ID(), captureTime)
	}

	bucket, ok := a.buckets[captureTime]
	if !ok {
		bucket = make(map[aggregate.Key]*aggregate.Point)
		a.buckets[captureTime] = bucket
	}
	for _, k := range keys {
		p, ok := bucket[k]
		if !ok {
			p = aggregate.NewPoint(k, captureTime)
			bucket[k] = p
		}
		p.Add(s)
	}
	return nil
}

func sampleOf(t *capture.Transaction) aggregate.Sample {
	return aggregate.Sample{
		Duration:     t.Duration(),
		Error:        t.Error() != nil,
		Queries:      querySamples(t.Queries()),
		ServiceCalls: querySamples(t.ServiceCalls()),
	}
}

func querySamples(stats []capture.QueryStats) []aggregate.QuerySample {
	if len(stats) == 0 {
		return nil
	}
	out := make([]aggregate.QuerySample, 0, len(stats))
	for _, s := range stats {
		out = append(out, aggregate.QuerySample{
			Key: aggregate.QueryKey{Type: s.Type, Text: s.Text},
			QueryAggregate: aggregate.QueryAggregate{
				Executions: s.Executions,
				TotalNanos: s.TotalNanos,
				Rows:       s.Rows,
			},
		})
	}
	return out
}

// Flush writes every bucket ending at or before now minus the flush delay
// as level 0 points, oldest first, and advances the level 0 watermark to the
// newest closed interval boundary. Buckets that fail to write stay open and
// are retried by the next flush.
func (a *Accumulator) Flush(ctx context.Context, now time.Time) error {
	through := now.Add(-a.flushDelay).Truncate(a.interval)

	a.mu.Lock()
	defer a.mu.Unlock()

	if !through.After(a.flushedThrough) {
		return nil
	}

	var ready []time.Time
	for end := range a.buckets {
		if !end.After(through) {
			ready = append(ready, end)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].Before(ready[j]) })

	for _, end := range ready {
		bucket := a.buckets[end]
		points := make([]*aggregate.Point, 0, len(bucket))
		for _, p := range bucket {
			points = append(points, p)
		}
		if err := a.writer.WritePoints(ctx, 0, points); err != nil {
			return fmt.Errorf("failed to flush bucket %s: %w", end, err)
		}
		delete(a.buckets, end)
		a.flushedThrough = end
		a.metrics.PointsWritten.WithLabelValues("0").Add(float64(len(points)))
		a.logger.Debugf("flushed %d points for bucket %s", len(points), end)
	}

	if err := a.writer.AdvanceWatermark(ctx, 0, through); err != nil {
		return fmt.Errorf("failed to advance watermark to %s: %w", through, err)
	}
	a.flushedThrough = through
	return nil
}

// Snapshot returns copies of the open points of a transaction type, for
// reads that cover the current interval. An empty txnType matches all.
func (a *Accumulator) Snapshot(txnType string) []*aggregate.Point {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []*aggregate.Point
	for _, bucket := range a.buckets {
		for k, p := range bucket {
			if txnType == "" || k.Type == txnType {
				out = append(out, p.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CaptureTime.Equal(out[j].CaptureTime) {
			return out[i].CaptureTime.Before(out[j].CaptureTime)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Open returns the number of open buckets.
func (a *Accumulator) Open() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.buckets)
}
