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

package logger

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Sometimes rate limits a single call site to at most one message per
// interval. A zero interval logs exactly once.
type Sometimes struct {
	s rate.Sometimes
}

func NewSometimes(interval time.Duration) *Sometimes {
	return &Sometimes{s: rate.Sometimes{Interval: interval}}
}

func (s *Sometimes) Warnf(l *zap.SugaredLogger, format string, args ...interface{}) {
	s.s.Do(func() { l.Warnf(format, args...) })
}

func (s *Sometimes) Errorf(l *zap.SugaredLogger, format string, args ...interface{}) {
	s.s.Do(func() { l.Errorf(format, args...) })
}

// Keyed is a set of Sometimes limiters, one per key. It is used where each
// distinct offending shape deserves its own message.
type Keyed struct {
	interval time.Duration
	limiters sync.Map
}

func NewKeyed(interval time.Duration) *Keyed {
	return &Keyed{interval: interval}
}

func (k *Keyed) Warnf(l *zap.SugaredLogger, key string, format string, args ...interface{}) {
	v, ok := k.limiters.Load(key)
	if !ok {
		v, _ = k.limiters.LoadOrStore(key, NewSometimes(k.interval))
	}
	v.(*Sometimes).Warnf(l, format, args...)
}
