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
	"math"
	"sync/atomic"
)

// Priorities used by callers of the transaction field setters. The highest
// priority wins; among equal priorities the earliest call wins.
const (
	PriorityCorePlugin = -100
	PriorityUserPlugin = 100
	PriorityUserAPI    = 1000
	PriorityUserConfig = 10000
	PriorityCoreMax    = 1000000

	priorityInitial = math.MinInt
)

type register[T any] struct {
	priority int
	seq      uint64
	value    T
}

// priorityRegister is a lock-free field resolved by (priority, sequence).
// A candidate replaces the stored value iff its priority is higher, or its
// priority is equal and its sequence number is lower.
type priorityRegister[T any] struct {
	cur   atomic.Pointer[register[T]]
	empty func(T) bool
}

func newPriorityRegister[T any](initial T, empty func(T) bool) *priorityRegister[T] {
	r := &priorityRegister[T]{empty: empty}
	r.cur.Store(&register[T]{priority: priorityInitial, value: initial})
	return r
}

func (r *priorityRegister[T]) set(value T, priority int, seq uint64) bool {
	if r.empty(value) {
		return false
	}

	next := &register[T]{priority: priority, seq: seq, value: value}
	for {
		cur := r.cur.Load()
		if priority < cur.priority || (priority == cur.priority && seq >= cur.seq) {
			return false
		}
		if r.cur.CompareAndSwap(cur, next) {
			return true
		}
	}
}

func (r *priorityRegister[T]) get() T {
	return r.cur.Load().value
}

func emptyString(s string) bool { return s == "" }
