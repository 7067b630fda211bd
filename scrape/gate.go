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

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrent is the default number of concurrent scrape sessions.
const DefaultMaxConcurrent = 3

// Gate admits at most a fixed number of scrape sessions at a time.
type Gate struct {
	sem      *semaphore.Weighted
	size     int64
	inFlight atomic.Int64
}

// NewGate creates a gate admitting n concurrent sessions.
func NewGate(n int64) (*Gate, error) {
	if n < 1 {
		return nil, ErrInvalidLimit
	}
	return &Gate{sem: semaphore.NewWeighted(n), size: n}, nil
}

// Acquire blocks until a slot is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.inFlight.Add(1)
	return nil
}

// Release frees a slot taken by Acquire.
func (g *Gate) Release() {
	g.inFlight.Add(-1)
	g.sem.Release(1)
}

// InFlight returns the number of admitted sessions.
func (g *Gate) InFlight() int64 {
	return g.inFlight.Load()
}

// Size returns the gate capacity.
func (g *Gate) Size() int64 {
	return g.size
}
