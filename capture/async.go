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
	"sync/atomic"
)

const (
	triggerReturned uint32 = 1 << iota
	callbackCompleted

	bothSides = triggerReturned | callbackCompleted
)

type outcome struct {
	endTick int64
	err     *ErrorInfo
	stack   []Frame
}

// completeOnce joins the two writers of an async entry: the triggering side
// returning and the completing side delivering an outcome. Each side arrives
// at most once; the side that arrives second is told to do the accounting,
// and the accounted flag keeps that exactly-once even under a benign race.
type completeOnce struct {
	state     atomic.Uint32
	result    atomic.Pointer[outcome]
	accounted atomic.Bool
}

func (c *completeOnce) arrive(side uint32) bool {
	for {
		old := c.state.Load()
		if old&side != 0 {
			return false
		}
		next := old | side
		if c.state.CompareAndSwap(old, next) {
			return next == bothSides && c.accounted.CompareAndSwap(false, true)
		}
	}
}

// complete stores the terminal outcome before arriving, so the accounting
// side always observes it. Only the first outcome is kept.
func (c *completeOnce) complete(o *outcome) bool {
	if !c.result.CompareAndSwap(nil, o) {
		return false
	}
	return c.arrive(callbackCompleted)
}

func (c *completeOnce) outcome() *outcome {
	return c.result.Load()
}

func (c *completeOnce) completed() bool {
	return c.state.Load()&callbackCompleted != 0
}

type asyncState struct {
	once  completeOnce
	timer *Timer
}
