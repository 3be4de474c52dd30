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

package aggregate

import (
	"fmt"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	// Durations are recorded in microseconds between 1µs and 1h. Values
	// outside the range are clamped.
	histogramMin     = 1
	histogramMax     = int64(time.Hour / time.Microsecond)
	histogramSigFigs = 2
)

// Histogram is a mergeable duration histogram with a relative error of at
// most 1% for percentile queries.
type Histogram struct {
	h *hdrhistogram.Histogram
}

func NewHistogram() *Histogram {
	return &Histogram{h: hdrhistogram.New(histogramMin, histogramMax, histogramSigFigs)}
}

func (h *Histogram) Record(d time.Duration) {
	v := int64(d / time.Microsecond)
	if v < histogramMin {
		v = histogramMin
	}
	if v > histogramMax {
		v = histogramMax
	}
	// Cannot fail for a clamped value.
	_ = h.h.RecordValue(v)
}

// Merge adds every value recorded in o to h.
func (h *Histogram) Merge(o *Histogram) {
	if o == nil {
		return
	}
	h.h.Merge(o.h)
}

func (h *Histogram) Count() int64 {
	return h.h.TotalCount()
}

// ValueAtPercentile returns the duration at percentile p, in [0, 100].
func (h *Histogram) ValueAtPercentile(p float64) time.Duration {
	if h.h.TotalCount() == 0 {
		return 0
	}
	return time.Duration(h.h.ValueAtQuantile(p)) * time.Microsecond
}

func (h *Histogram) Clone() *Histogram {
	c := NewHistogram()
	c.h.Merge(h.h)
	return c
}

// Equal reports whether both histograms hold the same counts.
func (h *Histogram) Equal(o *Histogram) bool {
	return h.h.Equals(o.h)
}

// Encode returns the compressed binary form of the histogram.
func (h *Histogram) Encode() ([]byte, error) {
	b, err := h.h.Encode(hdrhistogram.V2CompressedEncodingCookieBase)
	if err != nil {
		return nil, fmt.Errorf("failed to encode histogram: %w", err)
	}
	return b, nil
}

func DecodeHistogram(b []byte) (*Histogram, error) {
	h, err := hdrhistogram.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("failed to decode histogram: %w", err)
	}
	return &Histogram{h: h}, nil
}
