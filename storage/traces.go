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

package storage

import (
	"context"
	"sync"
	"time"
)

// StoredTrace is a trace record as kept by the TraceStore.
type StoredTrace struct {
	ID        string
	Type      string
	Name      string
	StartTime time.Time
	Duration  time.Duration
	Partial   bool
	Error     bool
	Slow      bool
	JSON      []byte
}

// TraceStore keeps the most recent traces of every transaction type in
// fixed size ring buffers, indexed by trace id. Storing a trace with a known
// id replaces it in place, which is how a partial trace is superseded by the
// final one.
type TraceStore struct {
	availability

	mu     sync.Mutex
	max    int
	byType map[string]*ringBuffer
	byID   map[string]StoredTrace
}

func NewTraceStore(maxPerType int) *TraceStore {
	return &TraceStore{
		max:    maxPerType,
		byType: map[string]*ringBuffer{},
		byID:   map[string]StoredTrace{},
	}
}

func (s *TraceStore) Put(ctx context.Context, tr StoredTrace) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[tr.ID]; ok {
		s.byID[tr.ID] = tr
		return nil
	}

	rb, ok := s.byType[tr.Type]
	if !ok {
		rb = newRingBuffer(s.max)
		s.byType[tr.Type] = rb
	}
	if evicted, ok := rb.add(tr.ID); ok {
		delete(s.byID, evicted)
		if evicted == tr.ID {
			return nil
		}
	}
	s.byID[tr.ID] = tr
	return nil
}

func (s *TraceStore) Get(ctx context.Context, id string) (StoredTrace, bool, error) {
	if err := s.check(ctx); err != nil {
		return StoredTrace{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.byID[id]
	return tr, ok, nil
}

// Recent returns up to limit traces of a type, newest first.
func (s *TraceStore) Recent(ctx context.Context, txnType string, limit int) ([]StoredTrace, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rb, ok := s.byType[txnType]
	if !ok {
		return nil, nil
	}
	var out []StoredTrace
	rb.walk(func(id string) bool {
		out = append(out, s.byID[id])
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}

type ringBuffer struct {
	buf []string // fully allocated at construction
	cur int      // index for next write, walk backwards to read
	len int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{buf: make([]string, capacity)}
}

// add reports the value it overwrote, if any.
func (rb *ringBuffer) add(v string) (evicted string, ok bool) {
	if len(rb.buf) == 0 {
		return v, true
	}

	if rb.len == len(rb.buf) {
		evicted, ok = rb.buf[rb.cur], true
	} else {
		rb.len++
	}
	rb.buf[rb.cur] = v
	rb.cur = (rb.cur + 1) % len(rb.buf)
	return evicted, ok
}

func (rb *ringBuffer) walk(f func(string) bool) {
	for i := 0; i < rb.len; i++ {
		cur := rb.cur - 1 - i
		if cur < 0 {
			cur += len(rb.buf)
		}
		if !f(rb.buf[cur]) {
			return
		}
	}
}
