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

package task

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/elastic/apm-transaction-rollup/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunOutcomes(t *testing.T) {
	m := metrics.New(nil)
	s := NewScheduler(WithMetrics(m), WithLogger(zap.NewExample().Sugar()))
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Schedule("ok", time.Hour, noop))
	require.NoError(t, s.Schedule("flaky", time.Hour, noop))
	require.NoError(t, s.Schedule("broken", time.Hour, noop))
	assert.Error(t, s.Schedule("ok", time.Hour, noop))

	s.run("ok", noop)
	s.run("flaky", func(context.Context) error { return errors.New("try again") })
	s.run("broken", func(context.Context) error { return fmt.Errorf("store gone: %w", ErrTerminate) })

	assert.True(t, s.Scheduled("ok"))
	assert.True(t, s.Scheduled("flaky"))
	assert.False(t, s.Scheduled("broken"))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TaskRuns.WithLabelValues("ok", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TaskRuns.WithLabelValues("flaky", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TaskRuns.WithLabelValues("broken", "terminated")))
	require.NoError(t, s.Stop(context.Background()))
}

func TestSchedulerTerminatesTask(t *testing.T) {
	s := NewScheduler()
	var runs atomic.Int32
	require.NoError(t, s.Schedule("once", time.Second, func(context.Context) error {
		runs.Add(1)
		return ErrTerminate
	}))
	s.Start()
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return !s.Scheduled("once") }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestStopCancelsRunningTasks(t *testing.T) {
	s := NewScheduler()
	started := make(chan struct{})
	require.NoError(t, s.Schedule("blocking", time.Second, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	s.Start()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not start")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
