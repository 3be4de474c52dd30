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
	"sync/atomic"
	"time"

	"github.com/elastic/apm-transaction-rollup/logger"
	"github.com/elastic/apm-transaction-rollup/metrics"
	"go.uber.org/zap"
)

// Config is the capture configuration. Updates apply to transactions
// started afterwards.
type Config struct {
	// MaxEntries is the number of real trace entries retained per
	// transaction. Escalated entries may use up to twice this limit.
	MaxEntries               int
	SlowThreshold            time.Duration
	MaxQueryAggregates       int
	MaxServiceCallAggregates int

	// PartialTraceStoreAfter, when positive, hands a partial trace of a
	// transaction still running after this long to the sink.
	PartialTraceStoreAfter time.Duration
}

// DefaultConfig returns the default capture configuration.
func DefaultConfig() Config {
	return Config{
		MaxEntries:               2000,
		SlowThreshold:            2 * time.Second,
		MaxQueryAggregates:       500,
		MaxServiceCallAggregates: 500,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxEntries <= 0 {
		c.MaxEntries = d.MaxEntries
	}
	if c.SlowThreshold < 0 {
		c.SlowThreshold = d.SlowThreshold
	}
	if c.MaxQueryAggregates <= 0 {
		c.MaxQueryAggregates = d.MaxQueryAggregates
	}
	if c.MaxServiceCallAggregates <= 0 {
		c.MaxServiceCallAggregates = d.MaxServiceCallAggregates
	}
	return c
}

// Sink receives transactions from the capture path. Implementations must not
// block: both methods are called on the goroutine that ended the transaction
// or from the watchdog timer.
type Sink interface {
	TransactionCompleted(t *Transaction)
	PartialTrace(t *Transaction)
}

type nopSink struct{}

func (nopSink) TransactionCompleted(*Transaction) {}
func (nopSink) PartialTrace(*Transaction)         {}

// Agent is the entry point of the capture API. The zero value is not usable;
// create one with NewAgent.
type Agent struct {
	cfg      atomic.Pointer[Config]
	ticker   Ticker
	clock    func() time.Time
	sink     Sink
	logger   *zap.SugaredLogger
	metrics  *metrics.Metrics
	registry registry

	lateLog       *logger.Sometimes
	escalationLog *logger.Sometimes
	detailLog     *logger.Keyed
}

// Option configures an Agent.
type Option func(*Agent)

func WithConfig(cfg Config) Option {
	return func(a *Agent) {
		cfg = cfg.withDefaults()
		a.cfg.Store(&cfg)
	}
}

// WithConfigUpdates applies every configuration received on updates until
// the channel is closed.
func WithConfigUpdates(updates <-chan Config) Option {
	return func(a *Agent) {
		go func() {
			for cfg := range updates {
				a.SetConfig(cfg)
			}
		}()
	}
}

func WithTicker(t Ticker) Option {
	return func(a *Agent) {
		a.ticker = t
	}
}

// WithClock sets the wall clock used for transaction start times.
func WithClock(clock func() time.Time) Option {
	return func(a *Agent) {
		a.clock = clock
	}
}

func WithSink(s Sink) Option {
	return func(a *Agent) {
		a.sink = s
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(a *Agent) {
		a.logger = logger.OrNop(l)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Agent) {
		a.metrics = m
	}
}

func NewAgent(opts ...Option) *Agent {
	a := &Agent{
		ticker:        newSystemTicker(),
		clock:         time.Now,
		sink:          nopSink{},
		logger:        zap.NewNop().Sugar(),
		lateLog:       logger.NewSometimes(time.Minute),
		escalationLog: logger.NewSometimes(time.Minute),
		detailLog:     logger.NewKeyed(0),
	}
	cfg := DefaultConfig()
	a.cfg.Store(&cfg)

	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = metrics.New(nil)
	}
	return a
}

func (a *Agent) Config() Config {
	return *a.cfg.Load()
}

func (a *Agent) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	a.cfg.Store(&cfg)
	a.logger.Debugf("capture config updated: %+v", cfg)
}

func (a *Agent) transactionCompleted(t *Transaction, handle uint64) {
	if handle != 0 {
		a.registry.remove(handle)
	}
	a.metrics.TransactionsCompleted.Inc()
	a.sink.TransactionCompleted(t)
}

func (a *Agent) partialTrace(t *Transaction) {
	a.metrics.PartialTraces.Inc()
	a.logger.Debugf("transaction %s still running after %s, storing partial trace", t.ID(), t.cfg.PartialTraceStoreAfter)
	a.sink.PartialTrace(t)
}
