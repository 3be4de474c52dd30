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
	"time"

	"github.com/oklog/ulid/v2"
)

// Transaction is the root unit of capture. Its identity fields are resolved
// by priority, its entries live in a bounded store, and it completes exactly
// once, after which every write is dropped.
type Transaction struct {
	agent     *Agent
	ticker    Ticker
	cfg       Config
	id        ulid.ULID
	startTime time.Time
	startTick int64

	seq           atomic.Uint64
	txnType       *priorityRegister[string]
	name          *priorityRegister[string]
	user          *priorityRegister[string]
	slowThreshold *priorityRegister[time.Duration]
	errInfo       atomic.Pointer[ErrorInfo]

	store        *entryStore
	queries      *queryCollector
	serviceCalls *queryCollector
	rootTimer    *Timer

	attrMu     sync.Mutex
	attrs      map[string][]string
	attrsOrder []string

	// Completion state, guarded by mu.
	mu             sync.Mutex
	async          bool
	asyncCompleted bool
	asyncEndTick   int64
	rootEnd        bool
	rootEndTick    int64
	activeAux      int
	lastAuxEnd     int64
	auxTimers      []*Timer
	asyncTimers    []*Timer
	completing     bool
	endTick        int64
	handle         uint64
	watchdog       *time.Timer

	completed   atomic.Bool
	accumulated atomic.Bool
}

func newTransaction(a *Agent, cfg Config, txnType, name string, msg Message, timerName string) *Transaction {
	now := a.ticker.Nanotime()
	startTime := a.clock()
	t := &Transaction{
		agent:         a,
		ticker:        a.ticker,
		cfg:           cfg,
		id:            ulid.MustNew(ulid.Timestamp(startTime), ulid.DefaultEntropy()),
		startTime:     startTime,
		startTick:     now,
		txnType:       newPriorityRegister(txnType, emptyString),
		name:          newPriorityRegister(name, emptyString),
		user:          newPriorityRegister("", emptyString),
		slowThreshold: newPriorityRegister(time.Duration(-1), func(d time.Duration) bool { return d < 0 }),
		store:         newEntryStore(cfg.MaxEntries, msg, now),
		queries:       newQueryCollector(cfg.MaxQueryAggregates),
		serviceCalls:  newQueryCollector(cfg.MaxServiceCallAggregates),
		rootTimer:     newTimer(timerName, a.ticker),
	}
	return t
}

// ID returns the time sortable transaction id.
func (t *Transaction) ID() string {
	return t.id.String()
}

func (t *Transaction) StartTime() time.Time {
	return t.startTime
}

func (t *Transaction) Type() string {
	return t.txnType.get()
}

func (t *Transaction) Name() string {
	return t.name.get()
}

func (t *Transaction) User() string {
	return t.user.get()
}

// Error returns the first error set on the transaction or its root entry.
func (t *Transaction) Error() *ErrorInfo {
	return t.errInfo.Load()
}

// SlowThreshold is the per-transaction override, or the agent default.
func (t *Transaction) SlowThreshold() time.Duration {
	if d := t.slowThreshold.get(); d >= 0 {
		return d
	}
	return t.cfg.SlowThreshold
}

// Duration is the final duration of a completed transaction, or the time
// elapsed so far.
func (t *Transaction) Duration() time.Duration {
	if t.completed.Load() {
		return time.Duration(t.endTick - t.startTick)
	}
	return time.Duration(t.ticker.Nanotime() - t.startTick)
}

// EndTime is the wall time of completion, derived from the monotonic
// duration.
func (t *Transaction) EndTime() time.Time {
	return t.startTime.Add(t.Duration())
}

func (t *Transaction) Slow() bool {
	return t.Duration() >= t.SlowThreshold()
}

func (t *Transaction) Async() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.async
}

func (t *Transaction) Completed() bool {
	return t.completed.Load()
}

// Queries returns the per-key aggregates of all query executions.
func (t *Transaction) Queries() []QueryStats {
	return t.queries.snapshot()
}

// ServiceCalls returns the per-key aggregates of all service call executions.
func (t *Transaction) ServiceCalls() []QueryStats {
	return t.serviceCalls.snapshot()
}

// Attributes returns a copy of the attributes in insertion order.
func (t *Transaction) Attributes() []Attribute {
	t.attrMu.Lock()
	defer t.attrMu.Unlock()

	out := make([]Attribute, 0, len(t.attrsOrder))
	for _, name := range t.attrsOrder {
		out = append(out, Attribute{Name: name, Values: append([]string(nil), t.attrs[name]...)})
	}
	return out
}

// MarkAccumulated reports true exactly once, to the first caller.
func (t *Transaction) MarkAccumulated() bool {
	return t.accumulated.CompareAndSwap(false, true)
}

// Attribute is a transaction attribute with its distinct values.
type Attribute struct {
	Name   string
	Values []string
}

func (t *Transaction) nextSeq() uint64 {
	return t.seq.Add(1)
}

func (t *Transaction) setType(v string, priority int) {
	if t.rejectLate("transaction type") {
		return
	}
	t.txnType.set(v, priority, t.nextSeq())
}

func (t *Transaction) setName(v string, priority int) {
	if t.rejectLate("transaction name") {
		return
	}
	t.name.set(v, priority, t.nextSeq())
}

func (t *Transaction) setUser(v string, priority int) {
	if t.rejectLate("transaction user") {
		return
	}
	t.user.set(v, priority, t.nextSeq())
}

func (t *Transaction) setSlowThreshold(d time.Duration, priority int) {
	if t.rejectLate("slow threshold") {
		return
	}
	t.slowThreshold.set(d, priority, t.nextSeq())
}

func (t *Transaction) setError(info *ErrorInfo) {
	if t.rejectLate("transaction error") {
		return
	}
	t.errInfo.CompareAndSwap(nil, info)
}

func (t *Transaction) addAttribute(name, value string) {
	if name == "" || t.rejectLate("attribute") {
		return
	}

	t.attrMu.Lock()
	defer t.attrMu.Unlock()

	if t.attrs == nil {
		t.attrs = map[string][]string{}
	}
	values, ok := t.attrs[name]
	if !ok {
		t.attrsOrder = append(t.attrsOrder, name)
	}
	for _, v := range values {
		if v == value {
			return
		}
	}
	t.attrs[name] = append(values, value)
}

func (t *Transaction) rejectLate(what string) bool {
	if !t.completed.Load() {
		return false
	}
	t.lateWrite(what)
	return true
}

func (t *Transaction) lateWrite(what string) {
	t.agent.metrics.LateWrites.Inc()
	t.agent.lateLog.Warnf(t.agent.logger, "dropping %s written after completion of transaction %s", what, t.ID())
}

func (t *Transaction) collector(kind entryKind) *queryCollector {
	if kind == kindServiceCall {
		return t.serviceCalls
	}
	return t.queries
}

func (t *Transaction) escalate(d *DummyEntry, o *outcome, rows int64) {
	_, dropped, late := t.store.escalate(d, o, rows)
	switch {
	case late:
		t.lateWrite("entry escalation")
	case dropped:
		t.agent.metrics.EscalationsDropped.Inc()
		t.agent.escalationLog.Warnf(t.agent.logger, "entry limit reached, dropping escalated entry %q", d.message.Text())
	}
}

func (t *Transaction) addErrorEntry(parent *Entry, info *ErrorInfo) {
	dropped, late := t.store.addError(parent, NewMessage(info.Message), t.ticker.Nanotime(), info)
	switch {
	case late:
		t.lateWrite("error entry")
	case dropped:
		t.agent.metrics.EscalationsDropped.Inc()
		t.agent.escalationLog.Warnf(t.agent.logger, "entry limit reached, dropping error entry %q", info.Message)
	}
}

// auxTimer and asyncTimer create additional root timers. They are nil once
// the transaction is completing.
func (t *Transaction) auxTimer() *Timer {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.completing {
		return nil
	}
	timer := newTimer(auxiliaryThread, t.ticker)
	t.auxTimers = append(t.auxTimers, timer)
	return timer
}

func (t *Transaction) asyncTimer(name string) *Timer {
	t.mu.Lock()
	defer t.mu.Unlock()

	timer := newTimer(name, t.ticker)
	t.asyncTimers = append(t.asyncTimers, timer)
	return timer
}

func (t *Transaction) setAsync() {
	t.mu.Lock()
	late := t.completing
	if !late {
		t.async = true
	}
	t.mu.Unlock()

	if late {
		t.lateWrite("async flag")
	}
}

func (t *Transaction) completeAsync(tick int64) {
	t.mu.Lock()
	if !t.async || t.asyncCompleted {
		t.mu.Unlock()
		return
	}
	t.asyncCompleted = true
	t.asyncEndTick = tick
	ready := t.readyLocked()
	t.mu.Unlock()

	if ready {
		t.complete()
	}
}

func (t *Transaction) rootEnded(tick int64) {
	t.store.endRoot(tick)

	t.mu.Lock()
	if t.rootEnd {
		t.mu.Unlock()
		return
	}
	t.rootEnd = true
	t.rootEndTick = tick
	ready := t.readyLocked()
	t.mu.Unlock()

	if ready {
		t.complete()
	}
}

// auxStarted registers an additional start of an auxiliary thread context
// whose pending slot was already taken. It fails once the transaction is
// completing.
func (t *Transaction) auxStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.completing {
		return false
	}
	t.activeAux++
	return true
}

func (t *Transaction) auxEnded(tick int64) {
	t.mu.Lock()
	t.activeAux--
	if tick > t.lastAuxEnd {
		t.lastAuxEnd = tick
	}
	ready := t.readyLocked()
	t.mu.Unlock()

	if ready {
		t.complete()
	}
}

// auxDiscarded releases the pending slot of a context that was never
// started. It does not move the end time.
func (t *Transaction) auxDiscarded() {
	t.mu.Lock()
	t.activeAux--
	ready := t.readyLocked()
	t.mu.Unlock()

	if ready {
		t.complete()
	}
}

// readyLocked reports true exactly once, when the root entry has ended, the
// async completion signal has arrived for async transactions and no
// auxiliary thread context is pending or running.
func (t *Transaction) readyLocked() bool {
	if t.completing || !t.rootEnd || t.activeAux > 0 {
		return false
	}
	if t.async && !t.asyncCompleted {
		return false
	}

	t.completing = true
	t.endTick = max(t.rootEndTick, t.lastAuxEnd)
	if t.async {
		t.endTick = max(t.endTick, t.asyncEndTick)
	}
	return true
}

func (t *Transaction) complete() {
	if !t.completed.CompareAndSwap(false, true) {
		return
	}

	t.store.freeze()
	t.queries.freeze()
	t.serviceCalls.freeze()

	t.mu.Lock()
	handle, watchdog := t.handle, t.watchdog
	t.mu.Unlock()

	if watchdog != nil {
		watchdog.Stop()
	}
	t.agent.transactionCompleted(t, handle)
}

// register assigns the transaction a registry handle on first use and
// holds a pending slot for a new auxiliary thread context, so the
// transaction stays open until that context has run or been discarded.
func (t *Transaction) register() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.completing {
		return 0, false
	}
	if t.handle == 0 {
		t.handle = t.agent.registry.add(t)
	}
	t.activeAux++
	return t.handle, true
}

func (t *Transaction) startWatchdog(after time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.completing {
		return
	}
	t.watchdog = time.AfterFunc(after, func() {
		if t.completed.Load() {
			return
		}
		t.agent.partialTrace(t)
	})
}

// timers returns the root timers in the order main, auxiliary, async.
func (t *Transaction) timers() (main *Timer, aux, async []*Timer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.rootTimer, append([]*Timer(nil), t.auxTimers...), append([]*Timer(nil), t.asyncTimers...)
}
