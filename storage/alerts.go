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

package storage

import (
	"context"
	"sync"
	"time"
)

// AlertState is the persisted state of a triggered alert condition.
type AlertState struct {
	TriggeredAt time.Time
	Value       float64
}

// AlertStateStore persists which alert conditions are triggered, keyed by
// condition id. A condition without a state is cleared.
type AlertStateStore struct {
	availability

	mu        sync.Mutex
	triggered map[string]AlertState
}

func NewAlertStateStore() *AlertStateStore {
	return &AlertStateStore{triggered: map[string]AlertState{}}
}

func (s *AlertStateStore) Get(ctx context.Context, conditionID string) (AlertState, bool, error) {
	if err := s.check(ctx); err != nil {
		return AlertState{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.triggered[conditionID]
	return st, ok, nil
}

func (s *AlertStateStore) SetTriggered(ctx context.Context, conditionID string, st AlertState) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.triggered[conditionID] = st
	return nil
}

func (s *AlertStateStore) Clear(ctx context.Context, conditionID string) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.triggered, conditionID)
	return nil
}
