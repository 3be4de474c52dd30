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

// Package aggregate defines the aggregate points produced from completed
// transactions and the merge algebra used to roll them up.
//
// A Point summarises every transaction of one (type, name) pair whose
// capture time falls in one bucket. Merging points adds counts and total
// durations and merges duration histograms, which makes Merge associative
// and commutative: any grouping of the same points yields the same result.
package aggregate
