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
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryLimitAndEscalation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEntries = 3
	env := newTestEnv(cfg)
	ctx, root, txn := env.start("Web", "/orders")

	for i := 0; i < 5; i++ {
		env.ticker.advance(time.Millisecond)
		_, e := StartTraceEntry(ctx, NewMessage("entry %d", i), "work")
		env.ticker.advance(time.Millisecond)
		if i == 4 {
			e.EndWithError(errors.New("boom"))
			continue
		}
		e.End()
	}
	root.End()

	tr := txn.Trace()
	assert.Equal(t, []string{"entry 0", "entry 1", "entry 2", "entry 4"}, entryMessages(tr))
	require.NotNil(t, tr.Entries[3].Error)
	assert.Equal(t, "boom", tr.Entries[3].Error.Message)
	assert.Equal(t, 9*time.Millisecond, tr.Entries[3].StartOffset)
	assert.Equal(t, 4, tr.Header.EntryCount)
	assert.Equal(t, 1, tr.Header.DummyEntryCount)
	assert.Equal(t, 0, tr.Header.DroppedEscalations)
	assert.Equal(t, float64(2), testutil.ToFloat64(env.metrics.DummyEntries))

	work := tr.Header.MainThreadTimer.Children[0]
	assert.Equal(t, "work", work.Name)
	assert.Equal(t, int64(5), work.Count)
	assert.Equal(t, int64(5*time.Millisecond), work.TotalNanos)
}

func TestEscalationHardLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEntries = 1
	env := newTestEnv(cfg)
	ctx, root, txn := env.start("Web", "/orders")

	for i := 0; i < 4; i++ {
		_, e := StartTraceEntry(ctx, NewMessage("entry %d", i), "work")
		e.EndWithErrorMessage("failed")
	}
	root.End()

	tr := txn.Trace()
	assert.Equal(t, []string{"entry 0", "entry 1"}, entryMessages(tr))
	assert.Equal(t, 2, tr.Header.DummyEntryCount)
	assert.Equal(t, 2, tr.Header.DroppedEscalations)
	assert.Equal(t, float64(2), testutil.ToFloat64(env.metrics.EscalationsDropped))
}

func TestEscalationKeepsStartOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEntries = 2
	env := newTestEnv(cfg)
	ctx, root, txn := env.start("Web", "/orders")

	env.ticker.advance(time.Millisecond)
	ctxA, a := StartTraceEntry(ctx, NewMessage("a"), "work")
	env.ticker.advance(time.Millisecond)
	_, b := StartTraceEntry(ctx, NewMessage("b"), "work")
	b.End()
	env.ticker.advance(time.Millisecond)
	_, c := StartTraceEntry(ctxA, NewMessage("c"), "work")
	env.ticker.advance(time.Millisecond)
	_, d := StartTraceEntry(ctxA, NewMessage("d"), "work")
	env.ticker.advance(time.Millisecond)
	d.EndWithError(errors.New("d failed"))
	env.ticker.advance(time.Millisecond)
	c.EndWithError(errors.New("c failed"))
	a.End()
	root.End()

	tr := txn.Trace()
	assert.Equal(t, []string{"a", "c", "d", "b"}, entryMessages(tr))
	assert.Equal(t, []int{0, 1, 1, 0}, []int{tr.Entries[0].Depth, tr.Entries[1].Depth, tr.Entries[2].Depth, tr.Entries[3].Depth})
	assert.Equal(t, 2, tr.Entries[0].ChildCount)
}

func TestEndWithStackTrace(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEntries = 1
	env := newTestEnv(cfg)
	ctx, root, txn := env.start("Web", "/orders")

	_, fast := StartTraceEntry(ctx, NewMessage("fast"), "work")
	env.ticker.advance(time.Millisecond)
	fast.EndWithStackTrace(10 * time.Millisecond)

	_, slow := StartTraceEntry(ctx, NewMessage("slow"), "work")
	env.ticker.advance(20 * time.Millisecond)
	slow.EndWithStackTrace(10 * time.Millisecond)

	_, quick := StartTraceEntry(ctx, NewMessage("quick dummy"), "work")
	quick.EndWithStackTrace(10 * time.Millisecond)
	root.End()

	tr := txn.Trace()
	require.Equal(t, []string{"fast", "slow"}, entryMessages(tr))
	assert.Empty(t, tr.Entries[0].Stack)
	assert.NotEmpty(t, tr.Entries[1].Stack)
	assert.Contains(t, tr.Entries[1].Stack[0].Function, "TestEndWithStackTrace")
}

func TestAddErrorEntry(t *testing.T) {
	env := newTestEnv(DefaultConfig())
	ctx, root, txn := env.start("Web", "/orders")

	ctxA, a := StartTraceEntry(ctx, NewMessage("a"), "work")
	AddErrorEntry(ctxA, errors.New("lost connection"))
	AddErrorEntry(ctxA, nil)
	a.End()
	root.End()

	tr := txn.Trace()
	require.Equal(t, []string{"a", "lost connection"}, entryMessages(tr))
	assert.Equal(t, 1, tr.Entries[1].Depth)
	assert.Equal(t, time.Duration(0), tr.Entries[1].Duration)
	require.NotNil(t, tr.Entries[1].Error)
	assert.Equal(t, "lost connection", tr.Entries[1].Error.Message)
}

func TestQueryMerge(t *testing.T) {
	env := newTestEnv(DefaultConfig())
	ctx, root, txn := env.start("Web", "/orders")

	run := func(text string) {
		_, q := StartQueryEntry(ctx, "SQL", text, nil, "jdbc query")
		q.IncrementRowCount(2)
		env.ticker.advance(time.Millisecond)
		q.End()
	}
	run("select 1")
	run("select 1")
	run("select 1")
	run("select 2")
	run("select 1")
	root.End()

	tr := txn.Trace()
	require.Equal(t, []string{"select 1", "select 2", "select 1"}, entryMessages(tr))
	assert.Equal(t, int64(3), tr.Entries[0].Query.Executions)
	assert.Equal(t, int64(6), tr.Entries[0].Query.Rows)
	assert.Equal(t, 3*time.Millisecond, tr.Entries[0].Duration)
	assert.Equal(t, int64(1), tr.Entries[1].Query.Executions)

	assert.Equal(t, []QueryStats{
		{Type: "SQL", Text: "select 1", Executions: 4, TotalNanos: int64(4 * time.Millisecond), Rows: 8},
		{Type: "SQL", Text: "select 2", Executions: 1, TotalNanos: int64(time.Millisecond), Rows: 2},
	}, txn.Queries())
	assert.Empty(t, txn.ServiceCalls())
}

func TestQueryAggregateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxServiceCallAggregates = 2
	env := newTestEnv(cfg)
	ctx, root, txn := env.start("Web", "/orders")

	for _, url := range []string{"GET /a", "GET /b", "GET /c", "GET /d", "GET /a"} {
		_, c := StartServiceCallEntry(ctx, "HTTP", url, nil, "http client request")
		env.ticker.advance(time.Millisecond)
		c.End()
	}
	root.End()

	stats := txn.ServiceCalls()
	require.Len(t, stats, 3)
	assert.Equal(t, "GET /a", stats[0].Text)
	assert.Equal(t, int64(2), stats[0].Executions)
	assert.Equal(t, "GET /b", stats[1].Text)
	assert.Equal(t, LimitExceededBucket, stats[2].Text)
	assert.Equal(t, int64(2), stats[2].Executions)
	assert.Len(t, txn.Trace().Entries, 5)
}

func TestQueryActiveFlag(t *testing.T) {
	env := newTestEnv(DefaultConfig())
	ctx, root, txn := env.start("Web", "/orders")

	_, q := StartQueryEntry(ctx, "SQL", "select 1", nil, "jdbc query")
	stats := txn.Queries()
	require.Len(t, stats, 1)
	assert.True(t, stats[0].Active)
	assert.Equal(t, int64(0), stats[0].Executions)

	q.End()
	stats = txn.Queries()
	assert.False(t, stats[0].Active)
	assert.Equal(t, int64(1), stats[0].Executions)
	root.End()
}
