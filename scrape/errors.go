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


package scrape

import "errors"

var (
	// ErrSinkRequired is returned when no record sink is provided.
	ErrSinkRequired = errors.New("record sink required")

	// ErrNoSources is returned when an orchestrator is created without sources.
	ErrNoSources = errors.New("at least one source required")

	// ErrInvalidLimit is returned for a non-positive gate size or buffer length.
	ErrInvalidLimit = errors.New("limit must be greater than 0")
)
