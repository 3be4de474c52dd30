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

// Package metrics holds the Prometheus collectors shared by the capture,
// accumulation, rollup and alerting paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "apm_rollup"

// Metrics groups every collector. Components that are not given one create an
// unregistered instance with New(nil), so observations are always safe.
type Metrics struct {
	TransactionsStarted   prometheus.Counter
	TransactionsCompleted prometheus.Counter
	PartialTraces         prometheus.Counter
	DummyEntries          prometheus.Counter
	EscalationsDropped    prometheus.Counter
	LateWrites            prometheus.Counter
	HandoffDropped        prometheus.Counter

	PointsWritten      *prometheus.CounterVec
	LateContributions  prometheus.Counter
	BucketsRolledUp    *prometheus.CounterVec
	PointsExpired      *prometheus.CounterVec
	RollupDuration     prometheus.Histogram
	AlertEvaluations   prometheus.Counter
	AlertTransitions   *prometheus.CounterVec
	NotificationErrors prometheus.Counter
	TaskRuns           *prometheus.CounterVec
}

// New creates the collectors and registers them with reg when reg is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TransactionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "transactions_started_total",
			Help: "Transactions started by the capture API.",
		}),
		TransactionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "transactions_completed_total",
			Help: "Transactions that reached the completed state.",
		}),
		PartialTraces: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "partial_traces_total",
			Help: "Partial trace records handed off by the still-running watchdog.",
		}),
		DummyEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "dummy_entries_total",
			Help: "Trace entries captured as dummies beyond the entry limit.",
		}),
		EscalationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "escalations_dropped_total",
			Help: "Dummy entry escalations dropped at the hard entry limit.",
		}),
		LateWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "late_writes_total",
			Help: "Capture writes dropped because the transaction had already completed.",
		}),
		HandoffDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "handoff_dropped_total",
			Help: "Completed transactions dropped because the hand-off queue was full.",
		}),
		PointsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "aggregate", Name: "points_written_total",
			Help: "Aggregate points written, by rollup level.",
		}, []string{"level"}),
		LateContributions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "aggregate", Name: "late_contributions_total",
			Help: "Contributions re-bucketed because their minute was already flushed.",
		}),
		BucketsRolledUp: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rollup", Name: "buckets_total",
			Help: "Coarse buckets rolled up, by rollup level.",
		}, []string{"level"}),
		PointsExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rollup", Name: "points_expired_total",
			Help: "Aggregate points deleted by the expiration sweep, by rollup level.",
		}, []string{"level"}),
		RollupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "rollup", Name: "run_duration_seconds",
			Help:    "Duration of a rollup run over all levels.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		AlertEvaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "alert", Name: "evaluations_total",
			Help: "Alert condition evaluations.",
		}),
		AlertTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "alert", Name: "transitions_total",
			Help: "Alert state transitions, by new state.",
		}, []string{"state"}),
		NotificationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "alert", Name: "notification_errors_total",
			Help: "Alert notifications that failed to send.",
		}),
		TaskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "task", Name: "runs_total",
			Help: "Scheduled task executions, by task and outcome.",
		}, []string{"task", "outcome"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.TransactionsStarted,
			m.TransactionsCompleted,
			m.PartialTraces,
			m.DummyEntries,
			m.EscalationsDropped,
			m.LateWrites,
			m.HandoffDropped,
			m.PointsWritten,
			m.LateContributions,
			m.BucketsRolledUp,
			m.PointsExpired,
			m.RollupDuration,
			m.AlertEvaluations,
			m.AlertTransitions,
			m.NotificationErrors,
			m.TaskRuns,
		)
	}

	return m
}
