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

// Package capture records the execution of logical units of work, called
// transactions, inside a monitored process.
//
// A transaction is started by the first capture call for a unit of work, and
// is carried through the program in a context.Context. Capture calls that
// open a nesting level, like StartTraceEntry or StartTimer, return a derived
// context carrying the new nesting point, so that further calls made with it
// attach below the right parent.
//
// Each transaction owns a tree of timers, which measure time spent in named
// categories of work, and a bounded tree of trace entries, which record the
// individual operations. Once a transaction holds MaxEntries real entries,
// additional entries are captured as cheap dummies that keep only a timer.
// A dummy is escalated to a real entry if it ends with an error, or if it
// runs longer than a caller supplied stack trace threshold, as long as the
// transaction holds fewer than twice MaxEntries real entries.
//
// Work that continues on another goroutine uses an AuxThreadContext, created
// on the originating goroutine and started on the other one. The transaction
// stays open until the context has been started and its span ended, or the
// context has been discarded. Work that
// completes through a callback uses an AsyncTraceEntry, whose triggering side
// and completing side may finish in either order.
//
// Completed transactions are handed to a Sink, which typically feeds the
// aggregate accumulator and, for slow or failed transactions, a trace store.
//
// Every capture call is a no-op when the context carries no transaction, and
// no capture call returns an error or panics into the monitored code.
package capture
