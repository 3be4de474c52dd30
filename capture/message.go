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
	"fmt"
	"sync/atomic"
	"time"
)

// Message is the description of a trace entry. Text is evaluated lazily, at
// most once, and may be read from any goroutine.
type Message interface {
	Text() string
	Detail() map[string]interface{}
}

type message struct {
	format string
	args   []interface{}
	text   atomic.Pointer[string]
	kvs    []interface{}
}

// NewMessage returns a message whose text is formatted on first read. The
// arguments are retained until then, so they must be safe for concurrent
// access.
func NewMessage(format string, args ...interface{}) Message {
	return &message{format: format, args: args}
}

// NewMessageWithDetail returns a message with a detail map built from
// alternating keys and values, in the style of zap's sugared logger. Keys
// are expected to be strings. Malformed pairs never fail: a nil key takes the
// adjacent value as both key and value, other keys are stringified, and a
// trailing value without a key becomes its own key.
func NewMessageWithDetail(text string, keysAndValues ...interface{}) Message {
	m := &message{format: text, kvs: keysAndValues}
	m.text.Store(&text)
	return m
}

func (m *message) Text() string {
	if s := m.text.Load(); s != nil {
		return *s
	}

	s := m.format
	if len(m.args) > 0 {
		s = fmt.Sprintf(m.format, m.args...)
	}

	if m.text.CompareAndSwap(nil, &s) {
		return s
	}
	return *m.text.Load()
}

func (m *message) Detail() map[string]interface{} {
	detail, _ := sanitizeDetail(m.kvs)
	return detail
}

// detailWithProblems is Detail plus a description of every malformed shape
// that was repaired, used by the record builder to log each shape once.
func (m *message) detailWithProblems() (map[string]interface{}, []string) {
	return sanitizeDetail(m.kvs)
}

func sanitizeDetail(kvs []interface{}) (map[string]interface{}, []string) {
	if len(kvs) == 0 {
		return nil, nil
	}

	var (
		detail   = make(map[string]interface{}, len(kvs)/2+1)
		problems []string
	)
	for i := 0; i < len(kvs); i += 2 {
		key := kvs[i]
		if i+1 >= len(kvs) {
			if key == nil {
				problems = append(problems, "dangling nil value")
				continue
			}
			problems = append(problems, "dangling value")
			detail[fmt.Sprint(key)] = sanitizeValue(key, &problems)
			continue
		}

		value := kvs[i+1]
		switch k := key.(type) {
		case string:
			detail[k] = sanitizeValue(value, &problems)
		case nil:
			if value == nil {
				problems = append(problems, "nil key and value")
				continue
			}
			problems = append(problems, "nil key")
			detail[fmt.Sprint(value)] = sanitizeValue(value, &problems)
		default:
			problems = append(problems, fmt.Sprintf("key type %T", key))
			detail[fmt.Sprint(key)] = sanitizeValue(value, &problems)
		}
	}

	return detail, problems
}

func sanitizeValue(v interface{}, problems *[]string) interface{} {
	switch vv := v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v
	case time.Duration:
		return vv.String()
	case time.Time:
		return vv.UTC().Format(time.RFC3339Nano)
	case map[string]interface{}:
		nested := make(map[string]interface{}, len(vv))
		for k, nv := range vv {
			nested[k] = sanitizeValue(nv, problems)
		}
		return nested
	case fmt.Stringer:
		return vv.String()
	case error:
		return vv.Error()
	default:
		*problems = append(*problems, fmt.Sprintf("value type %T", v))
		return fmt.Sprint(v)
	}
}
