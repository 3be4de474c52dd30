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
	"sync/atomic"
)

// Timer is a named, re-entrant stopwatch with nested child timers. Time only
// accumulates while the start count is above zero, so nested starts of the
// same timer are not double counted.
type Timer struct {
	name   string
	ticker Ticker

	mu         sync.Mutex
	startCount int
	count      int64
	startTick  int64
	totalNanos int64
	extended   bool
	children   []*Timer
}

func newTimer(name string, ticker Ticker) *Timer {
	return &Timer{name: name, ticker: ticker}
}

func (t *Timer) Name() string {
	return t.name
}

// child returns the child timer with the given name, creating it at the end
// of the first-seen order if needed.
func (t *Timer) child(name string) *Timer {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range t.children {
		if c.name == name {
			return c
		}
	}

	c := newTimer(name, t.ticker)
	t.children = append(t.children, c)
	return c
}

func (t *Timer) start(now int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.startCount == 0 {
		t.startTick = now
		t.count++
	}
	t.startCount++
}

func (t *Timer) extend(now int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.extended = true
	if t.startCount == 0 {
		t.startTick = now
	}
	t.startCount++
}

// stop reports false for an unmatched stop, which leaves the timer untouched.
func (t *Timer) stop(now int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.startCount == 0 {
		return false
	}

	t.startCount--
	if t.startCount == 0 {
		t.totalNanos += now - t.startTick
	}
	return true
}

func (t *Timer) running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.startCount > 0
}

// TimerSnapshot is an immutable copy of a timer tree. Active timers report
// the time accumulated up to the snapshot.
type TimerSnapshot struct {
	Name       string
	Extended   bool
	TotalNanos int64
	Count      int64
	Active     bool
	Children   []TimerSnapshot
}

func (t *Timer) snapshot(now int64) TimerSnapshot {
	t.mu.Lock()
	s := TimerSnapshot{
		Name:       t.name,
		Extended:   t.extended,
		TotalNanos: t.totalNanos,
		Count:      t.count,
		Active:     t.startCount > 0,
	}
	if s.Active {
		s.TotalNanos += now - t.startTick
	}
	children := make([]*Timer, len(t.children))
	copy(children, t.children)
	t.mu.Unlock()

	if len(children) > 0 {
		s.Children = make([]TimerSnapshot, len(children))
		for i, c := range children {
			s.Children[i] = c.snapshot(now)
		}
	}
	return s
}

// TimerHandle stops one start of a timer. Stop is idempotent per handle.
type TimerHandle interface {
	Stop()

	// Extend lets another goroutine, typically one blocked waiting for work
	// done elsewhere, contribute elapsed time to the timer without becoming
	// its owner. The returned handle ends the extension.
	Extend() TimerHandle
}

type timerHandle struct {
	timer   *Timer
	stopped atomic.Bool
}

func startTimer(t *Timer) *timerHandle {
	t.start(t.ticker.Nanotime())
	return &timerHandle{timer: t}
}

func (h *timerHandle) Stop() {
	h.stopAt(h.timer.ticker.Nanotime())
}

func (h *timerHandle) stopAt(now int64) {
	if !h.stopped.CompareAndSwap(false, true) {
		return
	}
	h.timer.stop(now)
}

func (h *timerHandle) Extend() TimerHandle {
	h.timer.extend(h.timer.ticker.Nanotime())
	return &timerHandle{timer: h.timer}
}

type noopTimerHandle struct{}

func (noopTimerHandle) Stop()               {}
func (noopTimerHandle) Extend() TimerHandle { return noopTimerHandle{} }
