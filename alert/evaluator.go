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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elastic/apm-transaction-rollup/aggregate"
	"github.com/elastic/apm-transaction-rollup/logger"
	"github.com/elastic/apm-transaction-rollup/metrics"
	"github.com/elastic/apm-transaction-rollup/storage"
	"github.com/elastic/apm-transaction-rollup/task"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AggregateReader reads the merged aggregate of one series over
// (from, to]. An empty name selects the overall series of the type.
type AggregateReader interface {
	Overall(ctx context.Context, txnType, name string, from, to, now time.Time) (*aggregate.Point, error)
}

// StateStore persists which conditions are triggered.
type StateStore interface {
	Get(ctx context.Context, conditionID string) (storage.AlertState, bool, error)
	SetTriggered(ctx context.Context, conditionID string, st storage.AlertState) error
	Clear(ctx context.Context, conditionID string) error
}

// Notifier delivers events. Delivery mechanisms live outside this package.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

type NotifierFunc func(ctx context.Context, e Event) error

func (f NotifierFunc) Notify(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// SyntheticResult is the outcome of one synthetic monitor run.
type SyntheticResult struct {
	Duration time.Duration
	Err      error
}

// SyntheticResultSource returns the latest synthetic monitor result in
// (from, to], if any.
type SyntheticResultSource interface {
	LatestResult(ctx context.Context, monitorID string, from, to time.Time) (SyntheticResult, bool, error)
}

// Evaluator checks every condition on each tick and emits an event only
// when a condition moves between cleared and triggered.
type Evaluator struct {
	conditions []Condition
	reader     AggregateReader
	states     StateStore
	notifier   Notifier
	synthetic  SyntheticResultSource
	logger     *zap.SugaredLogger
	metrics    *metrics.Metrics
}

type Option func(*Evaluator)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Evaluator) {
		e.logger = logger.OrNop(l)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Evaluator) {
		e.metrics = m
	}
}

// WithSyntheticResults enables synthetic monitor conditions. Without it
// they are skipped.
func WithSyntheticResults(s SyntheticResultSource) Option {
	return func(e *Evaluator) {
		e.synthetic = s
	}
}

func NewEvaluator(reader AggregateReader, states StateStore, notifier Notifier, conditions []Condition, opts ...Option) (*Evaluator, error) {
	for i, c := range conditions {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
	}
	e := &Evaluator{
		conditions: conditions,
		reader:     reader,
		states:     states,
		notifier:   notifier,
		logger:     zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.New(nil)
	}
	return e, nil
}

// Evaluate runs one tick. A condition that fails to evaluate is logged and
// retried on the next tick; storage unavailability ends the task.
//
// A transition is persisted before its event is sent, so delivery is at
// most once: a failed notification is counted and logged, and the next tick
// sees the condition in its new state and sends nothing.
func (e *Evaluator) Evaluate(ctx context.Context, now time.Time) error {
	var events []Event
	for _, c := range e.conditions {
		ev, err := e.evaluate(ctx, c, now)
		if errors.Is(err, storage.ErrUnavailable) {
			return fmt.Errorf("%w: %w", task.ErrTerminate, err)
		}
		if err != nil {
			e.logger.Warnf("Failed to evaluate alert condition %s: %v", c.ID(), err)
			continue
		}
		if ev != nil {
			events = append(events, *ev)
		}
	}

	var g errgroup.Group
	for _, ev := range events {
		ev := ev
		g.Go(func() error {
			if err := e.notifier.Notify(ctx, ev); err != nil {
				e.metrics.NotificationErrors.Inc()
				e.logger.Warnf("Failed to send %s notification for alert condition %s: %v", ev.State, ev.Condition.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Evaluator) evaluate(ctx context.Context, c Condition, now time.Time) (*Event, error) {
	value, triggered, ok, err := e.check(ctx, c, now)
	if err != nil || !ok {
		return nil, err
	}
	e.metrics.AlertEvaluations.Inc()

	id := c.ID()
	_, wasTriggered, err := e.states.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var state State
	switch {
	case triggered && !wasTriggered:
		if err := e.states.SetTriggered(ctx, id, storage.AlertState{TriggeredAt: now, Value: value}); err != nil {
			return nil, err
		}
		state = StateFiring
	case !triggered && wasTriggered:
		if err := e.states.Clear(ctx, id); err != nil {
			return nil, err
		}
		state = StateResolved
	default:
		return nil, nil
	}
	e.metrics.AlertTransitions.WithLabelValues(string(state)).Inc()

	ev := &Event{
		ID:        uuid.NewString(),
		Condition: c,
		State:     state,
		Value:     value,
		Time:      now,
	}
	if state == StateFiring {
		ev.Text = firingText(c)
	} else {
		ev.Text = resolvedText(c)
	}
	e.logger.Infof("Alert condition %s is %s: %s", id, state, ev.Text)
	return ev, nil
}

// check computes the current value of a condition and whether it is
// currently triggered. ok is false when the tick must be skipped without
// touching the persisted state.
func (e *Evaluator) check(ctx context.Context, c Condition, now time.Time) (value float64, triggered, ok bool, err error) {
	from := now.Add(-c.TimePeriod())

	switch c.Kind {
	case KindHeartbeat:
		p, err := e.reader.Overall(ctx, c.TransactionType, "", from, now, now)
		if err != nil {
			return 0, false, false, err
		}
		return float64(p.Count), p.Count == 0, true, nil

	case KindSyntheticMonitor:
		if e.synthetic == nil {
			return 0, false, false, nil
		}
		res, found, err := e.synthetic.LatestResult(ctx, c.SyntheticMonitorID, from, now)
		if err != nil || !found {
			return 0, false, false, err
		}
		value = millis(res.Duration)
		return value, res.Err != nil || value >= c.Threshold, true, nil
	}

	p, err := e.reader.Overall(ctx, c.TransactionType, c.TransactionName, from, now, now)
	if err != nil {
		return 0, false, false, err
	}
	if p.Count < c.MinTransactionCount {
		return 0, false, false, nil
	}

	switch c.Metric {
	case MetricPercentile:
		if p.Count == 0 {
			return 0, false, false, nil
		}
		value = millis(p.Histogram.ValueAtPercentile(c.Percentile))
	case MetricAverage:
		if p.Count == 0 {
			return 0, false, false, nil
		}
		value = millis(p.Average())
	case MetricCount:
		value = float64(p.Count)
	case MetricErrorRate:
		if p.Count == 0 {
			return 0, false, false, nil
		}
		value = 100 * p.ErrorRate()
	case MetricErrorCount:
		value = float64(p.ErrorCount)
	}

	if c.LowerBoundThreshold {
		return value, value < c.Threshold, true, nil
	}
	return value, value >= c.Threshold, true, nil
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
