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
)

const auxiliaryThread = "auxiliary thread"

// AuxThreadContext carries a transaction to another goroutine. It holds a
// registry handle rather than the transaction itself, so starting it after
// the transaction completed is a no-op.
//
// The transaction does not complete between CreateAuxThreadContext and the
// end of the first span started from the context. A context that will never
// be started must be discarded, or the transaction stays open.
type AuxThreadContext interface {
	Start(ctx context.Context) (context.Context, AuxThreadSpan)
	// Discard releases a context that was not started. It is a no-op once
	// the context has been started or discarded.
	Discard()
}

// AuxThreadSpan ends the work started from an AuxThreadContext. The
// transaction does not complete while spans are open.
type AuxThreadSpan interface {
	End()
}

type auxThreadContext struct {
	agent    *Agent
	handle   uint64
	parentID int
	// claimed is set by the first Start or Discard, which takes over the
	// pending slot held since creation.
	claimed atomic.Bool
}

func (c *auxThreadContext) Start(ctx context.Context) (context.Context, AuxThreadSpan) {
	t := c.agent.registry.get(c.handle)
	if t == nil {
		return ctx, noopAuxSpan{}
	}
	if !c.claimed.CompareAndSwap(false, true) && !t.auxStarted() {
		return ctx, noopAuxSpan{}
	}

	parent := t.store.entry(c.parentID)
	timer := t.auxTimer()
	th := startTimer(timer)
	msg := NewMessage(auxiliaryThread)
	now := t.ticker.Nanotime()
	res := t.store.add(parent, kindSync, false, msg, now, timer, nil)
	if res.dummy != nil {
		t.agent.metrics.DummyEntries.Inc()
	}

	nest := parent
	if res.real != nil {
		nest = res.real
	}
	span := &auxSpan{
		txn:   t,
		entry: &entryHandle{txn: t, message: msg, startTick: now, res: res, timer: th},
	}
	return withFrame(ctx, &frame{txn: t, entry: nest, timer: timer}), span
}

func (c *auxThreadContext) Discard() {
	if !c.claimed.CompareAndSwap(false, true) {
		return
	}
	if t := c.agent.registry.get(c.handle); t != nil {
		t.auxDiscarded()
	}
}

type auxSpan struct {
	txn   *Transaction
	entry *entryHandle
	ended atomic.Bool
}

func (s *auxSpan) End() {
	if !s.ended.CompareAndSwap(false, true) {
		return
	}
	s.entry.End()
	s.txn.auxEnded(s.txn.ticker.Nanotime())
}

type noopAuxContext struct{}

func (noopAuxContext) Start(ctx context.Context) (context.Context, AuxThreadSpan) {
	return ctx, noopAuxSpan{}
}

func (noopAuxContext) Discard() {}

type noopAuxSpan struct{}

func (noopAuxSpan) End() {}

const registryShards = 64

// registry maps handles to the active transactions that created an
// auxiliary thread context.
type registry struct {
	next   atomic.Uint64
	shards [registryShards]registryShard
}

type registryShard struct {
	mu   sync.Mutex
	txns map[uint64]*Transaction
}

func (r *registry) add(t *Transaction) uint64 {
	h := r.next.Add(1)
	s := &r.shards[h%registryShards]
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.txns == nil {
		s.txns = map[uint64]*Transaction{}
	}
	s.txns[h] = t
	return h
}

func (r *registry) get(h uint64) *Transaction {
	s := &r.shards[h%registryShards]
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.txns[h]
}

func (r *registry) remove(h uint64) {
	s := &r.shards[h%registryShards]
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.txns, h)
}

func (r *registry) len() int {
	var n int
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		n += len(s.txns)
		s.mu.Unlock()
	}
	return n
}
