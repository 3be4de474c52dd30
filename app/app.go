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

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elastic/apm-transaction-rollup/accumulator"
	"github.com/elastic/apm-transaction-rollup/alert"
	"github.com/elastic/apm-transaction-rollup/capture"
	"github.com/elastic/apm-transaction-rollup/logger"
	"github.com/elastic/apm-transaction-rollup/metrics"
	"github.com/elastic/apm-transaction-rollup/rollup"
	"github.com/elastic/apm-transaction-rollup/storage"
	"github.com/elastic/apm-transaction-rollup/task"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"go.uber.org/zap"
)

const serviceName = "apm-transaction-rollup"

// App is the main application. It owns the capture agent, aggregates
// completed transactions, stores interesting traces and runs the rollup,
// expiration and alerting tasks.
type App struct {
	logger   *zap.SugaredLogger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	clock   func() time.Time
	dotenv  string

	agent         *capture.Agent
	configUpdates chan capture.Config
	handoff       chan handoff

	accumulator *accumulator.Accumulator
	aggregates  *storage.AggregateStore
	traces      *storage.TraceStore
	alertStates *storage.AlertStateStore
	engine      *rollup.Engine
	reader      *rollup.Reader
	evaluator   *alert.Evaluator
	scheduler   *task.Scheduler

	settings settings
}

// New returns an App or an error if the creation failed.
func New(ctx context.Context, opts ...ConfigOption) (*App, error) {
	c := appConfig{clock: time.Now}

	for _, opt := range opts {
		opt(&c)
	}

	app := &App{
		clock:    c.clock,
		dotenv:   c.dotenvPath,
		registry: prometheus.NewRegistry(),
	}
	app.metrics = metrics.New(app.registry)

	var err error

	if app.logger, err = buildLogger(c.logLevel); err != nil {
		return nil, err
	}

	if c.dotenvPath != "" {
		if err := godotenv.Load(c.dotenvPath); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", c.dotenvPath, err)
		}
		app.logger.Infof("Loaded environment from %s", c.dotenvPath)
	}

	if app.settings, err = loadSettings(); err != nil {
		return nil, err
	}
	s := app.settings

	app.aggregates = storage.NewAggregateStore()
	app.traces = storage.NewTraceStore(s.tracesPerType)
	app.alertStates = storage.NewAlertStateStore()

	app.accumulator = accumulator.New(app.aggregates,
		accumulator.WithInterval(s.rollups[0].Interval()),
		accumulator.WithFlushDelay(s.flushDelay),
		accumulator.WithLogger(app.logger.Named("accumulator")),
		accumulator.WithMetrics(app.metrics),
	)

	app.handoff = make(chan handoff, s.handoffBuffer)
	app.configUpdates = make(chan capture.Config)
	app.agent = capture.NewAgent(
		capture.WithConfig(s.capture),
		capture.WithConfigUpdates(app.configUpdates),
		capture.WithClock(app.clock),
		capture.WithSink(&sink{
			accumulator: app.accumulator,
			handoff:     app.handoff,
			logger:      app.logger.Named("sink"),
			metrics:     app.metrics,
		}),
		capture.WithLogger(app.logger.Named("capture")),
		capture.WithMetrics(app.metrics),
	)

	if app.engine, err = rollup.NewEngine(app.aggregates, s.rollups,
		rollup.WithLogger(app.logger.Named("rollup")),
		rollup.WithMetrics(app.metrics),
	); err != nil {
		return nil, err
	}

	if app.reader, err = rollup.NewReader(app.aggregates, s.rollups,
		rollup.WithOpenPoints(app.accumulator),
	); err != nil {
		return nil, err
	}

	notifier := c.notifier
	if notifier == nil {
		notifier = alert.NotifierFunc(func(_ context.Context, e alert.Event) error {
			app.logger.Infof("Alert %s: %s", e.State, e.Text)
			return nil
		})
	}
	alertOpts := []alert.Option{
		alert.WithLogger(app.logger.Named("alert")),
		alert.WithMetrics(app.metrics),
	}
	if c.synthetic != nil {
		alertOpts = append(alertOpts, alert.WithSyntheticResults(c.synthetic))
	}
	if app.evaluator, err = alert.NewEvaluator(app.reader, app.alertStates, notifier, s.conditions, alertOpts...); err != nil {
		return nil, err
	}

	app.scheduler = task.NewScheduler(
		task.WithLogger(app.logger.Named("task")),
		task.WithMetrics(app.metrics),
	)
	if err := app.scheduleTasks(); err != nil {
		return nil, err
	}

	app.logger.Debugf("Created app with %d rollup levels and %d alert conditions", len(s.rollups), len(s.conditions))
	return app, nil
}

type scheduledTask struct {
	name  string
	every time.Duration
	fn    task.Func
}

func (app *App) scheduleTasks() error {
	s := app.settings
	tasks := []scheduledTask{
		{"flush", s.flushInterval, app.flush},
		{"rollup", s.rollupInterval, func(ctx context.Context) error {
			return app.engine.Rollup(ctx, app.clock())
		}},
		{"expire", s.expireInterval, func(ctx context.Context) error {
			return app.engine.Expire(ctx, app.clock())
		}},
	}
	if len(s.conditions) > 0 {
		tasks = append(tasks, scheduledTask{"alert", s.alertInterval, func(ctx context.Context) error {
			return app.evaluator.Evaluate(ctx, app.clock())
		}})
	}

	for _, t := range tasks {
		if err := app.scheduler.Schedule(t.name, t.every, t.fn); err != nil {
			return err
		}
	}
	return nil
}

func (app *App) flush(ctx context.Context) error {
	err := app.accumulator.Flush(ctx, app.clock())
	if errors.Is(err, storage.ErrUnavailable) {
		return fmt.Errorf("%w: %w", task.ErrTerminate, err)
	}
	return err
}

// Agent returns the capture agent instrumented code reports to.
func (app *App) Agent() *capture.Agent {
	return app.agent
}

// Reader serves aggregate queries.
func (app *App) Reader() *rollup.Reader {
	return app.reader
}

// Gatherer exposes the app metrics.
func (app *App) Gatherer() prometheus.Gatherer {
	return app.registry
}

// Traces returns the store of slow, failed and partial traces.
func (app *App) Traces() *storage.TraceStore {
	return app.traces
}

// UpdateCaptureConfig applies a new capture configuration to transactions
// started from now on.
func (app *App) UpdateCaptureConfig(ctx context.Context, cfg capture.Config) error {
	select {
	case app.configUpdates <- cfg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildLogger(level string) (*zap.SugaredLogger, error) {
	if level == "" {
		level = "info"
	}

	l, err := logger.ParseLogLevel(level)
	if err != nil {
		return nil, err
	}

	return logger.New(
		logger.WithLevel(l),
		logger.WithServiceName(serviceName),
	)
}
