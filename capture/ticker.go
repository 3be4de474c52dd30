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
)

// Ticker reports monotonic nanoseconds. Only the difference between two
// readings is meaningful.
type Ticker interface {
	Nanotime() int64
}

type systemTicker struct {
	base time.Time
}

func newSystemTicker() systemTicker {
	return systemTicker{base: time.Now()}
}

func (t systemTicker) Nanotime() int64 {
	return int64(time.Since(t.base))
}
