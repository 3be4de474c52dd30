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
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

type entryKind uint8

const (
	kindDummy entryKind = iota
	kindSync
	kindAsync
	kindQuery
	kindServiceCall
)

// Entry is a real trace entry: a node retained in the transaction's entry
// tree. Fields below the first group are guarded by the owning store.
type Entry struct {
	id        int
	kind      entryKind
	async     bool
	parent    *Entry
	message   Message
	startTick int64

	children []*Entry
	ended    bool
	endTick  int64
	err      *ErrorInfo
	stack    []Frame
	query    *queryNode
}

// DummyEntry stands in for an entry captured beyond the entry limit. It keeps
// no tree node, only what is needed to escalate it to a real entry at its
// logical position: the nearest real ancestor and its start tick. Escalation
// is the only transition between the two types.
type DummyEntry struct {
	kind      entryKind
	async     bool
	parent    *Entry
	message   Message
	timer     *Timer
	startTick int64
	query     *QueryKey
}

// ErrorInfo is the error attached to a transaction or an entry.
type ErrorInfo struct {
	Message string
	Err     error
	Stack   []Frame
}

// Frame is a single call stack frame.
type Frame struct {
	Function string
	FileLine string
}

func errorInfoFrom(err error) *ErrorInfo {
	return &ErrorInfo{Message: err.Error(), Err: err, Stack: captureStack(4)}
}

func captureStack(skip int) []Frame {
	var pcs [32]uintptr
	n := runtime.Callers(skip, pcs[:])
	if n == 0 {
		return nil
	}

	var (
		stack  []Frame
		frames = runtime.CallersFrames(pcs[:n])
	)
	for {
		fr, more := frames.Next()
		if !ignoreStackFrameFunction(fr.Function) {
			stack = append(stack, Frame{
				Function: fr.Function,
				FileLine: fr.File + ":" + strconv.Itoa(fr.Line),
			})
		}
		if !more {
			break
		}
	}
	return stack
}

func ignoreStackFrameFunction(function string) bool {
	const pkg = "github.com/elastic/apm-transaction-rollup/capture."
	if !strings.HasPrefix(function, pkg) {
		return false
	}
	// Keep test frames of this package, drop its own plumbing.
	return !strings.HasPrefix(function, pkg+"Test")
}

// TraceEntry is the handle of a started trace entry. Ending it more than once
// has no effect.
type TraceEntry interface {
	Message() Message
	End()
	EndWithError(err error)
	EndWithErrorMessage(message string)

	// EndWithStackTrace captures the current call stack when the entry ran
	// for at least threshold. A dummy entry is escalated to a real one.
	EndWithStackTrace(threshold time.Duration)
}

// AsyncTraceEntry is an entry whose triggering call and completion happen
// independently, possibly on different goroutines and in either order. The
// triggering side calls StopSyncTimer when it returns; the completing side
// calls one of the End methods.
type AsyncTraceEntry interface {
	TraceEntry
	StopSyncTimer()
	ExtendSyncTimer() TimerHandle
}

// QueryEntry is an entry for a query or service call. Consecutive identical
// executions under the same parent share a single tree node.
type QueryEntry interface {
	TraceEntry
	IncrementRowCount(n int64)
	RowCount() int64
}

// AsyncQueryEntry combines QueryEntry and AsyncTraceEntry.
type AsyncQueryEntry interface {
	QueryEntry
	StopSyncTimer()
	ExtendSyncTimer() TimerHandle
}

type entryHandle struct {
	txn       *Transaction
	message   Message
	startTick int64
	res       addResult
	root      bool
	timer     *timerHandle
	query     *QueryKey
	queryKind entryKind
	rows      atomic.Int64
	async     *asyncState
	ended     atomic.Bool
}

var (
	_ AsyncQueryEntry = (*entryHandle)(nil)
	_ AsyncTraceEntry = (*entryHandle)(nil)
)

func (h *entryHandle) Message() Message {
	return h.message
}

func (h *entryHandle) End() {
	h.finish(nil, nil)
}

func (h *entryHandle) EndWithError(err error) {
	if err == nil {
		h.finish(nil, nil)
		return
	}
	h.finish(errorInfoFrom(err), nil)
}

func (h *entryHandle) EndWithErrorMessage(message string) {
	h.finish(&ErrorInfo{Message: message, Stack: captureStack(3)}, nil)
}

func (h *entryHandle) EndWithStackTrace(threshold time.Duration) {
	if h.txn.ticker.Nanotime()-h.startTick < int64(threshold) {
		h.finish(nil, nil)
		return
	}
	h.finish(nil, captureStack(3))
}

func (h *entryHandle) IncrementRowCount(n int64) {
	h.rows.Add(n)
}

func (h *entryHandle) RowCount() int64 {
	return h.rows.Load()
}

func (h *entryHandle) StopSyncTimer() {
	if h.async == nil {
		return
	}
	h.timer.Stop()
	if h.async.once.arrive(triggerReturned) {
		h.account(h.async.once.outcome())
	}
}

func (h *entryHandle) ExtendSyncTimer() TimerHandle {
	return h.timer.Extend()
}

func (h *entryHandle) finish(errInfo *ErrorInfo, stack []Frame) {
	o := &outcome{endTick: h.txn.ticker.Nanotime(), err: errInfo, stack: stack}

	if h.async == nil {
		if !h.ended.CompareAndSwap(false, true) {
			return
		}
		h.timer.stopAt(o.endTick)
		h.account(o)
		return
	}

	if h.async.once.complete(o) {
		h.account(o)
	}
}

// account performs the end bookkeeping exactly once per handle.
func (h *entryHandle) account(o *outcome) {
	t := h.txn
	if h.async != nil {
		h.async.timer.stop(o.endTick)
	}

	nanos := o.endTick - h.startTick
	rows := h.rows.Load()
	if h.query != nil {
		t.collector(h.queryKind).end(*h.query, nanos, rows)
	}

	var late bool
	switch {
	case h.res.real != nil:
		late = t.store.end(h.res.real, o.endTick, o.err, o.stack, rows)
	case h.res.merged != nil:
		late = t.store.merge(h.res.merged, nanos, o.endTick, rows)
	case h.res.dummy != nil && (o.err != nil || o.stack != nil):
		t.escalate(h.res.dummy, o, rows)
	}
	if late {
		t.lateWrite("entry end")
	}

	if h.root {
		if o.err != nil {
			t.setError(o.err)
		}
		t.rootEnded(o.endTick)
	}
}

type noopEntry struct{}

var noopEntryHandle = noopEntry{}

func (noopEntry) Message() Message                 { return NewMessage("") }
func (noopEntry) End()                             {}
func (noopEntry) EndWithError(error)               {}
func (noopEntry) EndWithErrorMessage(string)       {}
func (noopEntry) EndWithStackTrace(time.Duration)  {}
func (noopEntry) IncrementRowCount(int64)          {}
func (noopEntry) RowCount() int64                  { return 0 }
func (noopEntry) StopSyncTimer()                   {}
func (noopEntry) ExtendSyncTimer() TimerHandle     { return noopTimerHandle{} }
