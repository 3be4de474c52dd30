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

// Package storage holds the in-memory stores behind aggregation, traces and
// alerting. Every store can be closed, after which all operations fail with
// ErrUnavailable.
package storage

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrUnavailable is returned by stores that can no longer serve requests.
// Callers running periodic work treat it as permanent.
var ErrUnavailable = errors.New("storage unavailable")

type availability struct {
	closed atomic.Bool
}

func (a *availability) check(ctx context.Context) error {
	if a.closed.Load() {
		return ErrUnavailable
	}
	return ctx.Err()
}

// Close makes the store unavailable.
func (a *availability) Close() error {
	a.closed.Store(true)
	return nil
}
