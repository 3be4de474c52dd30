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
	"time"
)

type frameKey struct{}

// frame is the nesting point of the calling goroutine: the transaction, the
// nearest real entry new entries attach to, and the innermost timer.
type frame struct {
	txn   *Transaction
	entry *Entry
	timer *Timer
}

func withFrame(ctx context.Context, f *frame) context.Context {
	return context.WithValue(ctx, frameKey{}, f)
}

func frameFrom(ctx context.Context) *frame {
	f, _ := ctx.Value(frameKey{}).(*frame)
	return f
}

// TransactionFromContext returns the transaction carried by ctx, if any.
func TransactionFromContext(ctx context.Context) *Transaction {
	if f := frameFrom(ctx); f != nil {
		return f.txn
	}
	return nil
}

// IsInTransaction reports whether ctx carries a transaction that has not
// completed yet.
func IsInTransaction(ctx context.Context) bool {
	f := frameFrom(ctx)
	return f != nil && !f.txn.Completed()
}

// StartTransaction starts a transaction and its root entry. When ctx already
// carries an active transaction a nested trace entry is started instead.
// Ending the returned entry completes the transaction, unless it was marked
// async or auxiliary thread contexts are still open.
func (a *Agent) StartTransaction(ctx context.Context, txnType, name string, msg Message, timerName string) (context.Context, TraceEntry) {
	if IsInTransaction(ctx) {
		return StartTraceEntry(ctx, msg, timerName)
	}
	if msg == nil {
		msg = NewMessage(name)
	}

	cfg := a.Config()
	t := newTransaction(a, cfg, txnType, name, msg, timerName)
	a.metrics.TransactionsStarted.Inc()

	root := t.store.root()
	h := &entryHandle{
		txn:       t,
		message:   msg,
		startTick: root.startTick,
		res:       addResult{real: root},
		root:      true,
		timer:     startTimer(t.rootTimer),
	}
	if cfg.PartialTraceStoreAfter > 0 {
		t.startWatchdog(cfg.PartialTraceStoreAfter)
	}
	return withFrame(ctx, &frame{txn: t, entry: root, timer: t.rootTimer}), h
}

// nestTimer reuses a running innermost timer of the same name, which makes
// recursive calls re-entrant, and otherwise returns the named child.
func nestTimer(parent *Timer, name string) *Timer {
	if parent.name == name && parent.running() {
		return parent
	}
	return parent.child(name)
}

func startEntry(ctx context.Context, kind entryKind, async bool, msg Message, timerName string, key *QueryKey) (context.Context, *entryHandle) {
	f := frameFrom(ctx)
	if f == nil {
		return ctx, nil
	}
	t := f.txn
	if t.rejectLate("trace entry") {
		return ctx, nil
	}

	timer := nestTimer(f.timer, timerName)
	th := startTimer(timer)
	now := t.ticker.Nanotime()
	res := t.store.add(f.entry, kind, async, msg, now, timer, key)
	if res.late {
		th.stopAt(now)
		t.lateWrite("trace entry")
		return ctx, nil
	}
	if res.dummy != nil {
		t.agent.metrics.DummyEntries.Inc()
	}

	h := &entryHandle{
		txn:       t,
		message:   msg,
		startTick: now,
		res:       res,
		timer:     th,
		queryKind: kind,
	}
	if key != nil {
		k := t.collector(kind).begin(*key)
		h.query = &k
	}
	if async {
		h.async = &asyncState{timer: t.asyncTimer(timerName)}
		h.async.timer.start(now)
	}

	nest := f.entry
	if res.real != nil && key == nil {
		nest = res.real
	}
	return withFrame(ctx, &frame{txn: t, entry: nest, timer: timer}), h
}

// StartTraceEntry starts a synchronous trace entry nested under the current
// one, timed by the named timer.
func StartTraceEntry(ctx context.Context, msg Message, timerName string) (context.Context, TraceEntry) {
	ctx, h := startEntry(ctx, kindSync, false, msg, timerName, nil)
	if h == nil {
		return ctx, noopEntryHandle
	}
	return ctx, h
}

func StartAsyncTraceEntry(ctx context.Context, msg Message, timerName string) (context.Context, AsyncTraceEntry) {
	ctx, h := startEntry(ctx, kindAsync, true, msg, timerName, nil)
	if h == nil {
		return ctx, noopEntryHandle
	}
	return ctx, h
}

func queryMessage(msg Message, text string) Message {
	if msg == nil {
		return NewMessage(text)
	}
	return msg
}

// StartQueryEntry starts an entry for one execution of a query.
func StartQueryEntry(ctx context.Context, queryType, queryText string, msg Message, timerName string) (context.Context, QueryEntry) {
	key := QueryKey{Type: queryType, Text: queryText}
	ctx, h := startEntry(ctx, kindQuery, false, queryMessage(msg, queryText), timerName, &key)
	if h == nil {
		return ctx, noopEntryHandle
	}
	return ctx, h
}

func StartAsyncQueryEntry(ctx context.Context, queryType, queryText string, msg Message, timerName string) (context.Context, AsyncQueryEntry) {
	key := QueryKey{Type: queryType, Text: queryText}
	ctx, h := startEntry(ctx, kindQuery, true, queryMessage(msg, queryText), timerName, &key)
	if h == nil {
		return ctx, noopEntryHandle
	}
	return ctx, h
}

// StartServiceCallEntry starts an entry for one outgoing service call.
func StartServiceCallEntry(ctx context.Context, callType, callText string, msg Message, timerName string) (context.Context, QueryEntry) {
	key := QueryKey{Type: callType, Text: callText}
	ctx, h := startEntry(ctx, kindServiceCall, false, queryMessage(msg, callText), timerName, &key)
	if h == nil {
		return ctx, noopEntryHandle
	}
	return ctx, h
}

func StartAsyncServiceCallEntry(ctx context.Context, callType, callText string, msg Message, timerName string) (context.Context, AsyncQueryEntry) {
	key := QueryKey{Type: callType, Text: callText}
	ctx, h := startEntry(ctx, kindServiceCall, true, queryMessage(msg, callText), timerName, &key)
	if h == nil {
		return ctx, noopEntryHandle
	}
	return ctx, h
}

// StartTimer starts a timer nested under the innermost timer of ctx.
func StartTimer(ctx context.Context, name string) (context.Context, TimerHandle) {
	f := frameFrom(ctx)
	if f == nil || f.txn.rejectLate("timer") {
		return ctx, noopTimerHandle{}
	}
	timer := nestTimer(f.timer, name)
	th := startTimer(timer)
	return withFrame(ctx, &frame{txn: f.txn, entry: f.entry, timer: timer}), th
}

// CreateAuxThreadContext captures the current transaction and nesting entry
// so that work on another goroutine can be attached to them. The
// transaction waits for the returned context to be started and ended, or
// discarded, before it completes.
func CreateAuxThreadContext(ctx context.Context) AuxThreadContext {
	f := frameFrom(ctx)
	if f == nil {
		return noopAuxContext{}
	}
	handle, ok := f.txn.register()
	if !ok {
		f.txn.lateWrite("auxiliary thread context")
		return noopAuxContext{}
	}
	return &auxThreadContext{agent: f.txn.agent, handle: handle, parentID: f.entry.id}
}

func SetTransactionType(ctx context.Context, txnType string, priority int) {
	if f := frameFrom(ctx); f != nil {
		f.txn.setType(txnType, priority)
	}
}

func SetTransactionName(ctx context.Context, name string, priority int) {
	if f := frameFrom(ctx); f != nil {
		f.txn.setName(name, priority)
	}
}

func SetTransactionUser(ctx context.Context, user string, priority int) {
	if f := frameFrom(ctx); f != nil {
		f.txn.setUser(user, priority)
	}
}

// SetTransactionSlowThreshold overrides the agent's slow threshold for the
// current transaction. Zero is a valid threshold; negative values are
// ignored.
func SetTransactionSlowThreshold(ctx context.Context, d time.Duration, priority int) {
	if f := frameFrom(ctx); f != nil {
		f.txn.setSlowThreshold(d, priority)
	}
}

// SetTransactionError marks the transaction as failed. The first error wins.
func SetTransactionError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if f := frameFrom(ctx); f != nil {
		f.txn.setError(errorInfoFrom(err))
	}
}

func SetTransactionErrorMessage(ctx context.Context, message string) {
	if message == "" {
		return
	}
	if f := frameFrom(ctx); f != nil {
		f.txn.setError(&ErrorInfo{Message: message})
	}
}

func AddTransactionAttribute(ctx context.Context, name, value string) {
	if f := frameFrom(ctx); f != nil {
		f.txn.addAttribute(name, value)
	}
}

// SetTransactionAsync defers completion of the current transaction until
// CompleteAsyncTransaction is called, in addition to the end of its root
// entry.
func SetTransactionAsync(ctx context.Context) {
	if f := frameFrom(ctx); f != nil {
		f.txn.setAsync()
	}
}

func CompleteAsyncTransaction(ctx context.Context) {
	if f := frameFrom(ctx); f != nil {
		f.txn.completeAsync(f.txn.ticker.Nanotime())
	}
}

// AddErrorEntry adds a zero duration entry carrying err under the current
// entry.
func AddErrorEntry(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if f := frameFrom(ctx); f != nil {
		f.txn.addErrorEntry(f.entry, errorInfoFrom(err))
	}
}

func AddErrorEntryMessage(ctx context.Context, message string) {
	if f := frameFrom(ctx); f != nil {
		f.txn.addErrorEntry(f.entry, &ErrorInfo{Message: message, Stack: captureStack(3)})
	}
}
