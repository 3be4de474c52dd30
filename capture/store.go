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
	"sync"
)

type addResult struct {
	real   *Entry
	merged *Entry
	dummy  *DummyEntry
	late   bool
}

// entryStore owns the entry tree of one transaction. Real entries are
// retained while fewer than maxEntries exist (the root is not counted);
// beyond that new entries are dummies. Escalations of dummies may use up to
// twice the limit.
type entryStore struct {
	mu                 sync.Mutex
	maxEntries         int
	entries            []*Entry
	realCount          int
	dummyCount         int
	droppedEscalations int
	frozen             bool
}

func newEntryStore(maxEntries int, rootMessage Message, startTick int64) *entryStore {
	s := &entryStore{maxEntries: maxEntries}
	s.entries = append(s.entries, &Entry{kind: kindSync, message: rootMessage, startTick: startTick})
	return s
}

func (s *entryStore) root() *Entry {
	return s.entries[0]
}

func (s *entryStore) newEntryLocked(parent *Entry, kind entryKind, async bool, msg Message, startTick int64, key *QueryKey) *Entry {
	e := &Entry{
		id:        len(s.entries),
		kind:      kind,
		async:     async,
		parent:    parent,
		message:   msg,
		startTick: startTick,
	}
	if key != nil {
		e.query = &queryNode{key: *key, executions: 1}
	}
	s.entries = append(s.entries, e)
	s.realCount++
	return e
}

// add appends a new entry under parent. A synchronous query execution
// identical to the last, already ended, child of parent is merged into it.
func (s *entryStore) add(parent *Entry, kind entryKind, async bool, msg Message, startTick int64, timer *Timer, key *QueryKey) addResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		return addResult{late: true}
	}

	if key != nil && !async {
		if n := len(parent.children); n > 0 {
			last := parent.children[n-1]
			if last.kind == kind && !last.async && last.ended && last.query != nil && last.query.key == *key {
				return addResult{merged: last}
			}
		}
	}

	if s.realCount < s.maxEntries {
		e := s.newEntryLocked(parent, kind, async, msg, startTick, key)
		parent.children = append(parent.children, e)
		return addResult{real: e}
	}

	s.dummyCount++
	return addResult{dummy: &DummyEntry{
		kind:      kind,
		async:     async,
		parent:    parent,
		message:   msg,
		timer:     timer,
		startTick: startTick,
		query:     key,
	}}
}

func (s *entryStore) end(e *Entry, endTick int64, err *ErrorInfo, stack []Frame, rows int64) (late bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		return true
	}
	if e.ended {
		return false
	}
	e.ended = true
	e.endTick = endTick
	e.err = err
	e.stack = stack
	if e.query != nil {
		e.query.totalNanos += endTick - e.startTick
		e.query.rows += rows
	}
	return false
}

func (s *entryStore) merge(e *Entry, nanos, endTick, rows int64) (late bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		return true
	}
	e.query.executions++
	e.query.totalNanos += nanos
	e.query.rows += rows
	if endTick > e.endTick {
		e.endTick = endTick
	}
	return false
}

// escalate converts a dummy into an ended real entry inserted under its
// logical parent, ordered by start tick.
func (s *entryStore) escalate(d *DummyEntry, o *outcome, rows int64) (e *Entry, dropped, late bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		return nil, false, true
	}
	if s.realCount >= 2*s.maxEntries {
		s.droppedEscalations++
		return nil, true, false
	}

	e = s.newEntryLocked(d.parent, d.kind, d.async, d.message, d.startTick, d.query)
	e.ended = true
	e.endTick = o.endTick
	e.err = o.err
	e.stack = o.stack
	if e.query != nil {
		e.query.totalNanos = o.endTick - d.startTick
		e.query.rows = rows
	}
	insertChild(d.parent, e)
	s.dummyCount--
	return e, false, false
}

// addError appends an ended, zero duration error entry. It may use the
// escalation headroom.
func (s *entryStore) addError(parent *Entry, msg Message, tick int64, err *ErrorInfo) (dropped, late bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		return false, true
	}
	if s.realCount >= 2*s.maxEntries {
		s.droppedEscalations++
		return true, false
	}

	e := s.newEntryLocked(parent, kindSync, false, msg, tick, nil)
	e.ended = true
	e.endTick = tick
	e.err = err
	insertChild(parent, e)
	return false, false
}

func insertChild(parent *Entry, e *Entry) {
	i := len(parent.children)
	for i > 0 && parent.children[i-1].startTick > e.startTick {
		i--
	}
	parent.children = append(parent.children, nil)
	copy(parent.children[i+1:], parent.children[i:])
	parent.children[i] = e
}

func (s *entryStore) endRoot(endTick int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.entries[0]
	if !r.ended {
		r.ended = true
		r.endTick = endTick
	}
}

func (s *entryStore) freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frozen = true
}

// entry resolves a stable entry id, as captured by auxiliary thread contexts.
func (s *entryStore) entry(id int) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id < 0 || id >= len(s.entries) {
		return nil
	}
	return s.entries[id]
}

type storeCounts struct {
	entries            int
	dummies            int
	droppedEscalations int
}

func (s *entryStore) counts() storeCounts {
	s.mu.Lock()
	defer s.mu.Unlock()

	return storeCounts{
		entries:            s.realCount,
		dummies:            s.dummyCount,
		droppedEscalations: s.droppedEscalations,
	}
}
