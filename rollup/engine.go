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
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/elastic/apm-transaction-rollup/aggregate"
	"github.com/elastic/apm-transaction-rollup/logger"
	"github.com/elastic/apm-transaction-rollup/metrics"
	"github.com/elastic/apm-transaction-rollup/storage"
	"github.com/elastic/apm-transaction-rollup/task"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Store is the aggregate storage used by the engine and the reader.
type Store interface {
	ReadPoints(ctx context.Context, level int, txnType string, from, to time.Time) ([]*aggregate.Point, error)
	WritePoints(ctx context.Context, level int, points []*aggregate.Point) error
	Watermark(ctx context.Context, level int) (time.Time, error)
	AdvanceWatermark(ctx context.Context, level int, to time.Time) error
	Earliest(ctx context.Context, level int) (time.Time, bool, error)
	DeleteBefore(ctx context.Context, level int, cutoff time.Time) (int, error)
}

// Engine rolls up aggregate points level by level. The watermark of a level
// doubles as its rollup cursor: a coarse bucket is rolled up once the
// watermark of the finer level covers its end, and the coarse watermark then
// moves to that end. Bucket writes replace earlier writes, so a bucket
// interrupted halfway is simply rolled up again.
type Engine struct {
	store   Store
	configs []Config
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

type Option func(*Engine)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) {
		e.logger = logger.OrNop(l)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func NewEngine(store Store, configs []Config, opts ...Option) (*Engine, error) {
	if err := Validate(configs); err != nil {
		return nil, err
	}
	e := &Engine{
		store:   store,
		configs: configs,
		logger:  zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.New(nil)
	}
	return e, nil
}

// terminal marks storage unavailability as permanent for the scheduler.
func terminal(err error) error {
	if errors.Is(err, storage.ErrUnavailable) {
		return fmt.Errorf("%w: %w", task.ErrTerminate, err)
	}
	return err
}

// Rollup rolls up every complete bucket of every level that ends no later
// than now. It is the body of the periodic rollup task.
func (e *Engine) Rollup(ctx context.Context, now time.Time) error {
	start := time.Now()
	defer func() {
		e.metrics.RollupDuration.Observe(time.Since(start).Seconds())
	}()

	for i := 1; i < len(e.configs); i++ {
		if err := e.rollupLevel(ctx, i, now); err != nil {
			return terminal(fmt.Errorf("rollup of level %d failed: %w", i, err))
		}
	}
	return nil
}

func (e *Engine) rollupLevel(ctx context.Context, level int, now time.Time) error {
	interval := e.configs[level].Interval()

	source, err := e.store.Watermark(ctx, level-1)
	if err != nil {
		return err
	}
	cursor, err := e.store.Watermark(ctx, level)
	if err != nil {
		return err
	}
	if cursor.IsZero() {
		earliest, ok, err := e.store.Earliest(ctx, level-1)
		if err != nil || !ok {
			return err
		}
		// The bucket containing the earliest point starts here.
		cursor = earliest.Add(-time.Nanosecond).Truncate(interval)
	}

	for {
		end := cursor.Add(interval)
		if end.After(source) || end.After(now) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := e.rollupBucket(ctx, level, cursor, end)
		if err != nil {
			return err
		}
		if err := e.store.AdvanceWatermark(ctx, level, end); err != nil {
			return err
		}
		e.metrics.BucketsRolledUp.WithLabelValues(strconv.Itoa(level)).Inc()
		if n > 0 {
			e.metrics.PointsWritten.WithLabelValues(strconv.Itoa(level)).Add(float64(n))
			e.logger.Debugf("rolled up %d points into level %d bucket %s", n, level, end)
		}
		cursor = end
	}
}

// rollupBucket merges the level-1 points in (from, to] by key and writes
// them at level with capture time to.
func (e *Engine) rollupBucket(ctx context.Context, level int, from, to time.Time) (int, error) {
	points, err := e.store.ReadPoints(ctx, level-1, "", from, to)
	if err != nil {
		return 0, err
	}
	if len(points) == 0 {
		return 0, nil
	}

	merged := MergeByKey(points, to)
	if err := e.store.WritePoints(ctx, level, merged); err != nil {
		return 0, err
	}
	return len(merged), nil
}

// MergeByKey merges points sharing a key into one point per key with the
// given capture time, in first seen key order.
func MergeByKey(points []*aggregate.Point, captureTime time.Time) []*aggregate.Point {
	var (
		order  []aggregate.Key
		groups = map[aggregate.Key][]*aggregate.Point{}
	)
	for _, p := range points {
		if _, ok := groups[p.Key]; !ok {
			order = append(order, p.Key)
		}
		groups[p.Key] = append(groups[p.Key], p)
	}

	out := make([]*aggregate.Point, 0, len(order))
	for _, k := range order {
		out = append(out, aggregate.MergeAll(k, captureTime, groups[k]))
	}
	return out
}

// Expire deletes, at every level concurrently, the points older than the
// level's retention.
func (e *Engine) Expire(ctx context.Context, now time.Time) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, c := range e.configs {
		level, cutoff := i, now.Add(-c.Retention())
		g.Go(func() error {
			n, err := e.store.DeleteBefore(ctx, level, cutoff)
			if err != nil {
				return fmt.Errorf("expiration of level %d failed: %w", level, err)
			}
			if n > 0 {
				e.metrics.PointsExpired.WithLabelValues(strconv.Itoa(level)).Add(float64(n))
				e.logger.Debugf("expired %d points of level %d older than %s", n, level, cutoff)
			}
			return nil
		})
	}
	return terminal(g.Wait())
}
