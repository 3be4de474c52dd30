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

	"github.com/elastic/apm-transaction-rollup/accumulator"
	"github.com/elastic/apm-transaction-rollup/capture"
	"github.com/elastic/apm-transaction-rollup/metrics"
	"github.com/elastic/apm-transaction-rollup/storage"

	"go.uber.org/zap"
)

type handoff struct {
	txn     *capture.Transaction
	partial bool
}

// sink accumulates every completed transaction in place and hands it to the
// consumer goroutine for trace storage. The hand-off never blocks: when the
// queue is full only the trace is lost.
type sink struct {
	accumulator *accumulator.Accumulator
	handoff     chan<- handoff
	logger      *zap.SugaredLogger
	metrics     *metrics.Metrics
}

func (s *sink) TransactionCompleted(t *capture.Transaction) {
	if err := s.accumulator.Accumulate(t); err != nil {
		s.logger.Warnf("Failed to accumulate transaction %s: %v", t.ID(), err)
	}
	s.send(handoff{txn: t})
}

func (s *sink) PartialTrace(t *capture.Transaction) {
	s.send(handoff{txn: t, partial: true})
}

func (s *sink) send(h handoff) {
	select {
	case s.handoff <- h:
	default:
		s.metrics.HandoffDropped.Inc()
	}
}

// consume stores the trace of a transaction that is slow, failed or still
// running.
func (app *App) consume(ctx context.Context, h handoff) {
	t := h.txn
	if !app.shouldStore(ctx, t, h.partial) {
		return
	}

	tr := t.Trace()
	data, err := tr.JSON()
	if err != nil {
		app.logger.Warnf("Failed to encode trace %s: %v", t.ID(), err)
		return
	}
	err = app.traces.Put(ctx, storage.StoredTrace{
		ID:        tr.Header.ID,
		Type:      tr.Header.Type,
		Name:      tr.Header.Name,
		StartTime: tr.Header.StartTime,
		Duration:  tr.Header.Duration,
		Partial:   tr.Header.Partial,
		Error:     tr.Header.Error != nil,
		Slow:      tr.Header.Slow,
		JSON:      data,
	})
	if err != nil {
		app.logger.Warnf("Failed to store trace %s: %v", t.ID(), err)
	}
}

func (app *App) shouldStore(ctx context.Context, t *capture.Transaction, partial bool) bool {
	if partial || t.Slow() || t.Error() != nil {
		return true
	}
	// The final trace supersedes a stored partial one.
	_, ok, err := app.traces.Get(ctx, t.ID())
	return err == nil && ok
}
