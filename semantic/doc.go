// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package semantic decides whether a free-text product query has been seen before.
//
// Product names from past scrapes are normalized (lowercased, punctuation
// stripped, stemmed), embedded, and stored in an HNSW graph keyed by ordinal.
// A query is resolved by taking its five nearest neighbors and checking them
// in descending similarity:
//
//   - candidates whose gender terms contradict the query's are rejected
//   - a cosine similarity above 0.8 is accepted outright
//   - otherwise a fuzzy ratio above 0.85 on the normalized texts is accepted
//   - otherwise a similarity above the configured threshold (0.65) is accepted
//
// The graph and its metadata bundle are saved after every mutation and
// reloaded on startup. A graph cannot drop single vectors safely, so removals
// are handled by rebuilding the whole index from the remaining names.
package semantic
