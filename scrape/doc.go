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


// Package scrape fetches fresh product listings from every configured source
// when a query misses the cache.
//
// An Orchestrator starts one producer per source. Producers publish records
// onto one shared channel and finish with an end marker, even when their
// adapter fails or panics. The consumer stores each record as it arrives and
// returns once it has seen one end marker per source.
//
// A Gate bounds how many scrape sessions run at once across the process.
package scrape
