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

// Package task runs periodic background work, such as rollups and alert
// evaluation, on a cron scheduler.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/elastic/apm-transaction-rollup/logger"
	"github.com/elastic/apm-transaction-rollup/metrics"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ErrTerminate is returned by a task that must not run again, typically
// because a dependency became permanently unavailable. Any other error is
// logged and the task runs again on its next tick.
var ErrTerminate = errors.New("terminate subsequent executions")

// Func is a unit of periodic work.
type Func func(ctx context.Context) error

// Scheduler runs named tasks at fixed intervals. A task never overlaps with
// itself: a tick arriving while the previous run is still going is skipped.
type Scheduler struct {
	cron    *cron.Cron
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

type Option func(*Scheduler)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Scheduler) {
		s.logger = logger.OrNop(l)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:  zap.NewNop().Sugar(),
		entries: map[string]cron.EntryID{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	l := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
	return s
}

// Schedule registers fn to run every interval, rounded down to whole
// seconds with a minimum of one second. Names must be unique.
func (s *Scheduler) Schedule(name string, every time.Duration, fn Func) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("task %q already scheduled", name)
	}
	id := s.cron.Schedule(cron.Every(every), cron.FuncJob(func() {
		s.run(name, fn)
	}))
	s.entries[name] = id
	s.logger.Debugf("scheduled task %s every %s", name, every)
	return nil
}

func (s *Scheduler) run(name string, fn Func) {
	err := fn(s.ctx)
	switch {
	case err == nil:
		s.metrics.TaskRuns.WithLabelValues(name, "success").Inc()
	case errors.Is(err, ErrTerminate):
		s.metrics.TaskRuns.WithLabelValues(name, "terminated").Inc()
		s.logger.Errorf("task %s terminated: %v", name, err)
		s.remove(name)
	case s.ctx.Err() != nil:
		// Stopping.
	default:
		s.metrics.TaskRuns.WithLabelValues(name, "error").Inc()
		s.logger.Warnf("task %s failed, retrying on next tick: %v", name, err)
	}
}

func (s *Scheduler) remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// Scheduled reports whether a task is still scheduled.
func (s *Scheduler) Scheduled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[name]
	return ok
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling, cancels the context passed to running tasks and
// waits for them to return or for ctx to be done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts a zap logger to the cron.Logger interface.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
