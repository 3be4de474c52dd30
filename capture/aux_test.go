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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuxThreadContext(t *testing.T) {
	env := newTestEnv(DefaultConfig())
	ctx, root, txn := env.start("Web", "/orders")
	ctxA, a := StartTraceEntry(ctx, NewMessage("dispatch"), "work")
	aux := CreateAuxThreadContext(ctxA)
	a.End()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		actx, span := aux.Start(context.Background())
		close(started)
		<-release
		_, e := StartTraceEntry(actx, NewMessage("background work"), "work")
		env.ticker.advance(3 * time.Millisecond)
		e.End()
		span.End()
		span.End()
	}()

	<-started
	env.ticker.advance(time.Millisecond)
	root.End()
	assert.False(t, txn.Completed())
	assert.Equal(t, 1, env.agent.registry.len())

	close(release)
	<-done
	require.True(t, txn.Completed())
	assert.Equal(t, 1, env.sink.completedCount())
	assert.Equal(t, 0, env.agent.registry.len())
	assert.Equal(t, 4*time.Millisecond, txn.Duration())

	tr := txn.Trace()
	assert.Equal(t, []string{"dispatch", auxiliaryThread, "background work"}, entryMessages(tr))
	assert.Equal(t, []int{0, 1, 2}, []int{tr.Entries[0].Depth, tr.Entries[1].Depth, tr.Entries[2].Depth})
	require.Len(t, tr.Header.AuxThreadTimers, 1)
	auxTimer := tr.Header.AuxThreadTimers[0]
	assert.Equal(t, auxiliaryThread, auxTimer.Name)
	assert.Equal(t, int64(4*time.Millisecond), auxTimer.TotalNanos)
	require.Len(t, auxTimer.Children, 1)
	assert.Equal(t, "work", auxTimer.Children[0].Name)

	// Starting again after completion does nothing.
	actx, span := aux.Start(context.Background())
	span.End()
	assert.Nil(t, TransactionFromContext(actx))
	assert.Len(t, txn.Trace().Entries, 3)
}

func TestAuxThreadContextsConcurrent(t *testing.T) {
	env := newTestEnv(DefaultConfig())
	ctx, root, txn := env.start("Batch", "import")
	aux := CreateAuxThreadContext(ctx)

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			actx, span := aux.Start(context.Background())
			defer span.End()
			for j := 0; j < 10; j++ {
				_, q := StartQueryEntry(actx, "SQL", "insert into items", nil, "jdbc query")
				q.End()
			}
		}()
	}
	wg.Wait()
	root.End()

	require.True(t, txn.Completed())
	stats := txn.Queries()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(workers*10), stats[0].Executions)

	tr := txn.Trace()
	assert.Len(t, tr.Header.AuxThreadTimers, workers)
	var wrappers int
	for _, e := range tr.Entries {
		if e.Depth == 0 {
			assert.Equal(t, auxiliaryThread, e.Message)
			assert.Equal(t, 1, e.ChildCount)
			wrappers++
		}
	}
	assert.Equal(t, workers, wrappers)
}

func TestAuxThreadContextAfterCompletion(t *testing.T) {
	env := newTestEnv(DefaultConfig())
	ctx, root, txn := env.start("Web", "/orders")
	root.End()

	aux := CreateAuxThreadContext(ctx)
	actx, span := aux.Start(context.Background())
	span.End()

	assert.Nil(t, TransactionFromContext(actx))
	assert.Empty(t, txn.Trace().Header.AuxThreadTimers)
	assert.Equal(t, 0, env.agent.registry.len())
}

func TestAuxWorkCompletingAfterReturn(t *testing.T) {
	env := newTestEnv(Config{SlowThreshold: 0})
	ctx, root, txn := env.start("Web", "/report")
	aux := CreateAuxThreadContext(ctx)

	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-release
		actx, span := aux.Start(context.Background())
		defer span.End()
		for _, msg := range []string{"load rows", "render"} {
			_, e := StartTraceEntry(actx, NewMessage(msg), "work")
			env.ticker.advance(2 * time.Millisecond)
			e.End()
		}
	}()

	env.ticker.advance(time.Millisecond)
	root.End()
	assert.False(t, txn.Completed())
	assert.Equal(t, 0, env.sink.completedCount())

	close(release)
	<-done

	require.True(t, txn.Completed())
	assert.Equal(t, 1, env.sink.completedCount())
	assert.Equal(t, 5*time.Millisecond, txn.Duration())
	tr := txn.Trace()
	assert.False(t, tr.Header.Partial)
	assert.True(t, tr.Header.Slow)
	assert.Equal(t, int64(1), tr.Header.MainThreadTimer.Count)
	require.Len(t, tr.Header.AuxThreadTimers, 1)
	assert.Equal(t, auxiliaryThread, tr.Header.AuxThreadTimers[0].Name)

	assert.Equal(t, []string{auxiliaryThread, "load rows", "render"}, entryMessages(tr))
	assert.Equal(t, []int{0, 1, 1}, []int{tr.Entries[0].Depth, tr.Entries[1].Depth, tr.Entries[2].Depth})
}

func TestAuxThreadContextDiscarded(t *testing.T) {
	env := newTestEnv(DefaultConfig())
	ctx, root, txn := env.start("Web", "/orders")
	aux := CreateAuxThreadContext(ctx)

	env.ticker.advance(2 * time.Millisecond)
	root.End()
	assert.False(t, txn.Completed())

	env.ticker.advance(5 * time.Millisecond)
	aux.Discard()
	aux.Discard()
	require.True(t, txn.Completed())
	assert.Equal(t, 1, env.sink.completedCount())
	assert.Equal(t, 0, env.agent.registry.len())
	assert.Equal(t, 2*time.Millisecond, txn.Duration())
	assert.Empty(t, txn.Trace().Header.AuxThreadTimers)

	actx, span := aux.Start(context.Background())
	span.End()
	assert.Nil(t, TransactionFromContext(actx))
}

func TestAuxThreadContextDiscardAfterStart(t *testing.T) {
	env := newTestEnv(DefaultConfig())
	ctx, root, txn := env.start("Web", "/orders")
	aux := CreateAuxThreadContext(ctx)

	_, span := aux.Start(context.Background())
	aux.Discard()
	root.End()
	assert.False(t, txn.Completed())

	span.End()
	require.True(t, txn.Completed())
	require.Len(t, txn.Trace().Header.AuxThreadTimers, 1)
}
