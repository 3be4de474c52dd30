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
	"time"

	"go.elastic.co/fastjson"
)

// Trace is an immutable snapshot of a transaction: its header and its entry
// tree flattened in pre-order.
type Trace struct {
	Header  Header
	Entries []EntryRecord
}

type Header struct {
	ID                 string
	StartTime          time.Time
	Duration           time.Duration
	Partial            bool
	Async              bool
	Slow               bool
	Type               string
	Name               string
	User               string
	Attributes         []Attribute
	Error              *ErrorRecord
	MainThreadTimer    TimerSnapshot
	AuxThreadTimers    []TimerSnapshot
	AsyncTimers        []TimerSnapshot
	EntryCount         int
	DummyEntryCount    int
	DroppedEscalations int
	Queries            []QueryStats
	ServiceCalls       []QueryStats
}

type ErrorRecord struct {
	Message string
	Stack   []Frame
}

// EntryRecord is one entry of the tree. Depth 0 entries are children of the
// root entry, which is described by the header. Start offsets are relative
// to the transaction start. A parent ends no earlier than any of its
// children, so an async child outliving its parent stretches the parent.
type EntryRecord struct {
	Depth       int
	Message     string
	Detail      map[string]interface{}
	StartOffset time.Duration
	Duration    time.Duration
	Active      bool
	Async       bool
	Error       *ErrorRecord
	Stack       []Frame
	ChildCount  int
	Query       *QueryRecord
}

type QueryRecord struct {
	Type       string
	Text       string
	Executions int64
	Rows       int64
}

func errorRecord(e *ErrorInfo) *ErrorRecord {
	if e == nil {
		return nil
	}
	return &ErrorRecord{Message: e.Message, Stack: e.Stack}
}

type pendingEntry struct {
	record  EntryRecord
	message Message
}

// Trace builds a snapshot of the transaction. A transaction that has not
// completed yet yields a partial trace with active entries and timers
// reporting elapsed time so far.
func (t *Transaction) Trace() *Trace {
	completed := t.Completed()
	now := t.ticker.Nanotime()
	if completed {
		now = t.endTick
	}

	main, aux, async := t.timers()
	counts := t.store.counts()
	h := Header{
		ID:                 t.ID(),
		StartTime:          t.startTime,
		Duration:           time.Duration(now - t.startTick),
		Partial:            !completed,
		Async:              t.Async(),
		Type:               t.Type(),
		Name:               t.Name(),
		User:               t.User(),
		Attributes:         t.Attributes(),
		Error:              errorRecord(t.Error()),
		MainThreadTimer:    main.snapshot(now),
		EntryCount:         counts.entries,
		DummyEntryCount:    counts.dummies,
		DroppedEscalations: counts.droppedEscalations,
		Queries:            t.Queries(),
		ServiceCalls:       t.ServiceCalls(),
	}
	h.Slow = h.Duration >= t.SlowThreshold()
	for _, timer := range aux {
		h.AuxThreadTimers = append(h.AuxThreadTimers, timer.snapshot(now))
	}
	for _, timer := range async {
		h.AsyncTimers = append(h.AsyncTimers, timer.snapshot(now))
	}

	pending := t.flattenEntries(now)
	entries := make([]EntryRecord, len(pending))
	for i, p := range pending {
		entries[i] = p.record
		entries[i].Message = p.message.Text()
		entries[i].Detail = t.messageDetail(p.message)
	}
	return &Trace{Header: h, Entries: entries}
}

func (t *Transaction) messageDetail(m Message) map[string]interface{} {
	dm, ok := m.(interface {
		detailWithProblems() (map[string]interface{}, []string)
	})
	if !ok {
		return m.Detail()
	}
	detail, problems := dm.detailWithProblems()
	for _, p := range problems {
		t.agent.detailLog.Warnf(t.agent.logger, p, "malformed message detail (%s) in %q", p, m.Text())
	}
	return detail
}

// flattenEntries walks the tree under the store lock. Message evaluation is
// left to the caller.
func (t *Transaction) flattenEntries(now int64) []pendingEntry {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		out  []pendingEntry
		walk func(e *Entry, depth int) int64
	)
	walk = func(e *Entry, depth int) int64 {
		i := len(out)
		out = append(out, pendingEntry{message: e.message})

		end := now
		if e.ended {
			end = e.endTick
		}
		for _, c := range e.children {
			if childEnd := walk(c, depth+1); childEnd > end {
				end = childEnd
			}
		}

		r := &out[i].record
		r.Depth = depth
		r.StartOffset = time.Duration(e.startTick - t.startTick)
		r.Duration = time.Duration(end - e.startTick)
		r.Active = !e.ended
		r.Async = e.async
		r.Error = errorRecord(e.err)
		r.Stack = e.stack
		r.ChildCount = len(e.children)
		if e.query != nil {
			r.Query = &QueryRecord{
				Type:       e.query.key.Type,
				Text:       e.query.key.Text,
				Executions: e.query.executions,
				Rows:       e.query.rows,
			}
		}
		return end
	}

	for _, c := range s.entries[0].children {
		walk(c, 0)
	}
	return out
}

func (tr *Trace) MarshalFastJSON(w *fastjson.Writer) error {
	var firstErr error
	w.RawString(`{"header":`)
	if err := tr.Header.MarshalFastJSON(w); err != nil {
		firstErr = err
	}
	w.RawString(`,"entries":[`)
	for i := range tr.Entries {
		if i > 0 {
			w.RawByte(',')
		}
		if err := tr.Entries[i].MarshalFastJSON(w); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.RawString("]}")
	return firstErr
}

// JSON encodes the trace.
func (tr *Trace) JSON() ([]byte, error) {
	var w fastjson.Writer
	if err := tr.MarshalFastJSON(&w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func (h *Header) MarshalFastJSON(w *fastjson.Writer) error {
	w.RawString(`{"id":`)
	w.String(h.ID)
	w.RawString(`,"start_time":`)
	w.String(h.StartTime.UTC().Format(time.RFC3339Nano))
	w.RawString(`,"duration_nanos":`)
	w.Int64(int64(h.Duration))
	w.RawString(`,"partial":`)
	w.Bool(h.Partial)
	w.RawString(`,"async":`)
	w.Bool(h.Async)
	w.RawString(`,"slow":`)
	w.Bool(h.Slow)
	w.RawString(`,"type":`)
	w.String(h.Type)
	w.RawString(`,"name":`)
	w.String(h.Name)
	if h.User != "" {
		w.RawString(`,"user":`)
		w.String(h.User)
	}
	if len(h.Attributes) > 0 {
		w.RawString(`,"attributes":{`)
		for i, a := range h.Attributes {
			if i > 0 {
				w.RawByte(',')
			}
			w.String(a.Name)
			w.RawString(`:[`)
			for j, v := range a.Values {
				if j > 0 {
					w.RawByte(',')
				}
				w.String(v)
			}
			w.RawByte(']')
		}
		w.RawByte('}')
	}
	if h.Error != nil {
		w.RawString(`,"error":`)
		h.Error.marshal(w)
	}
	w.RawString(`,"main_thread_timer":`)
	marshalTimer(w, &h.MainThreadTimer)
	marshalTimers(w, "aux_thread_timers", h.AuxThreadTimers)
	marshalTimers(w, "async_timers", h.AsyncTimers)
	w.RawString(`,"entry_count":`)
	w.Int64(int64(h.EntryCount))
	w.RawString(`,"dummy_entry_count":`)
	w.Int64(int64(h.DummyEntryCount))
	w.RawString(`,"dropped_escalations":`)
	w.Int64(int64(h.DroppedEscalations))
	marshalQueryStats(w, "queries", h.Queries)
	marshalQueryStats(w, "service_calls", h.ServiceCalls)
	w.RawByte('}')
	return nil
}

func (e *ErrorRecord) marshal(w *fastjson.Writer) {
	w.RawString(`{"message":`)
	w.String(e.Message)
	if len(e.Stack) > 0 {
		w.RawString(`,"stack":`)
		marshalStack(w, e.Stack)
	}
	w.RawByte('}')
}

func marshalStack(w *fastjson.Writer, stack []Frame) {
	w.RawByte('[')
	for i, f := range stack {
		if i > 0 {
			w.RawByte(',')
		}
		w.RawString(`{"function":`)
		w.String(f.Function)
		w.RawString(`,"file_line":`)
		w.String(f.FileLine)
		w.RawByte('}')
	}
	w.RawByte(']')
}

func marshalTimer(w *fastjson.Writer, s *TimerSnapshot) {
	w.RawString(`{"name":`)
	w.String(s.Name)
	w.RawString(`,"total_nanos":`)
	w.Int64(s.TotalNanos)
	w.RawString(`,"count":`)
	w.Int64(s.Count)
	if s.Active {
		w.RawString(`,"active":true`)
	}
	if s.Extended {
		w.RawString(`,"extended":true`)
	}
	marshalTimers(w, "children", s.Children)
	w.RawByte('}')
}

func marshalTimers(w *fastjson.Writer, field string, timers []TimerSnapshot) {
	if len(timers) == 0 {
		return
	}
	w.RawString(`,"` + field + `":[`)
	for i := range timers {
		if i > 0 {
			w.RawByte(',')
		}
		marshalTimer(w, &timers[i])
	}
	w.RawByte(']')
}

func marshalQueryStats(w *fastjson.Writer, field string, stats []QueryStats) {
	if len(stats) == 0 {
		return
	}
	w.RawString(`,"` + field + `":[`)
	for i, s := range stats {
		if i > 0 {
			w.RawByte(',')
		}
		w.RawString(`{"type":`)
		w.String(s.Type)
		w.RawString(`,"text":`)
		w.String(s.Text)
		w.RawString(`,"executions":`)
		w.Int64(s.Executions)
		w.RawString(`,"total_nanos":`)
		w.Int64(s.TotalNanos)
		w.RawString(`,"rows":`)
		w.Int64(s.Rows)
		if s.Active {
			w.RawString(`,"active":true`)
		}
		w.RawByte('}')
	}
	w.RawByte(']')
}

func (r *EntryRecord) MarshalFastJSON(w *fastjson.Writer) error {
	var firstErr error
	w.RawString(`{"depth":`)
	w.Int64(int64(r.Depth))
	w.RawString(`,"message":`)
	w.String(r.Message)
	if len(r.Detail) > 0 {
		w.RawString(`,"detail":`)
		if err := fastjson.Marshal(w, r.Detail); err != nil {
			firstErr = err
		}
	}
	w.RawString(`,"start_offset_nanos":`)
	w.Int64(int64(r.StartOffset))
	w.RawString(`,"duration_nanos":`)
	w.Int64(int64(r.Duration))
	if r.Active {
		w.RawString(`,"active":true`)
	}
	if r.Async {
		w.RawString(`,"async":true`)
	}
	if r.Error != nil {
		w.RawString(`,"error":`)
		r.Error.marshal(w)
	}
	if len(r.Stack) > 0 {
		w.RawString(`,"stack":`)
		marshalStack(w, r.Stack)
	}
	w.RawString(`,"child_count":`)
	w.Int64(int64(r.ChildCount))
	if q := r.Query; q != nil {
		w.RawString(`,"query":{"type":`)
		w.String(q.Type)
		w.RawString(`,"text":`)
		w.String(q.Text)
		w.RawString(`,"executions":`)
		w.Int64(q.Executions)
		w.RawString(`,"rows":`)
		w.Int64(q.Rows)
		w.RawByte('}')
	}
	w.RawByte('}')
	return firstErr
}
