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
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elastic/apm-transaction-rollup/metrics"
)

type fakeTicker struct {
	now atomic.Int64
}

func (f *fakeTicker) Nanotime() int64 {
	return f.now.Load()
}

func (f *fakeTicker) advance(d time.Duration) {
	f.now.Add(int64(d))
}

type recordingSink struct {
	mu        sync.Mutex
	completed []*Transaction
	partial   []*Transaction
}

func (s *recordingSink) TransactionCompleted(t *Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, t)
}

func (s *recordingSink) PartialTrace(t *Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partial = append(s.partial, t)
}

func (s *recordingSink) completedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed)
}

func (s *recordingSink) partialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.partial)
}

type testEnv struct {
	agent   *Agent
	ticker  *fakeTicker
	sink    *recordingSink
	metrics *metrics.Metrics
}

func newTestEnv(cfg Config, opts ...Option) *testEnv {
	env := &testEnv{
		ticker:  &fakeTicker{},
		sink:    &recordingSink{},
		metrics: metrics.New(nil),
	}
	opts = append([]Option{
		WithConfig(cfg),
		WithTicker(env.ticker),
		WithClock(func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }),
		WithSink(env.sink),
		WithMetrics(env.metrics),
	}, opts...)
	env.agent = NewAgent(opts...)
	return env
}

func (env *testEnv) start(txnType, name string) (context.Context, TraceEntry, *Transaction) {
	ctx, root := env.agent.StartTransaction(context.Background(), txnType, name, nil, "http request")
	return ctx, root, TransactionFromContext(ctx)
}

func entryMessages(tr *Trace) []string {
	var out []string
	for _, e := range tr.Entries {
		out = append(out, e.Message)
	}
	return out
}
