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


package mock

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/poiesic/shopcache/core"
	"github.com/poiesic/shopcache/source"
)

// MockSource replays a fixed script for every query.
type MockSource struct {
	name core.Source

	// Items are yielded in order.
	Items []core.RawRecord
	// Err, if set, is yielded after Items.
	Err error
	// PanicAfter, if positive, panics once that many items have been yielded.
	PanicAfter int
	// Delay is waited before each item.
	Delay time.Duration
	// StreamFunc replaces the script entirely when set.
	StreamFunc func(ctx context.Context, query string) iter.Seq2[core.RawRecord, error]

	mu      sync.Mutex
	queries []string
}

var _ source.Source = (*MockSource)(nil)

// NewMockSource creates a source named name that yields items.
// Note: Returns concrete type to allow test assertions.
func NewMockSource(name core.Source, items ...core.RawRecord) *MockSource {
	return &MockSource{name: name, Items: items}
}

// NewFailingSource creates a source that yields err without any items.
func NewFailingSource(name core.Source, err error) *MockSource {
	return &MockSource{name: name, Err: err}
}

// Products builds n records named "<prefix> <i>" at positions 0..n-1.
func Products(prefix string, n int) []core.RawRecord {
	out := make([]core.RawRecord, n)
	for i := range out {
		out[i] = core.RawRecord{
			Name:     fmt.Sprintf("%s %d", prefix, i+1),
			Link:     fmt.Sprintf("https://example.com/%s/%d", prefix, i+1),
			Price:    fmt.Sprintf("%d.00", 100*(i+1)),
			Rating:   "4.2",
			Position: i,
		}
	}
	return out
}

func (m *MockSource) Name() core.Source {
	return m.name
}

func (m *MockSource) Stream(ctx context.Context, query string) iter.Seq2[core.RawRecord, error] {
	m.mu.Lock()
	m.queries = append(m.queries, query)
	m.mu.Unlock()

	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, query)
	}

	return func(yield func(core.RawRecord, error) bool) {
		for i, item := range m.Items {
			if m.PanicAfter > 0 && i == m.PanicAfter {
				panic(fmt.Sprintf("%s adapter crashed", m.name))
			}
			if m.Delay > 0 {
				select {
				case <-ctx.Done():
					yield(core.RawRecord{}, ctx.Err())
					return
				case <-time.After(m.Delay):
				}
			}
			if !yield(item, nil) {
				return
			}
		}
		if m.PanicAfter > 0 && m.PanicAfter >= len(m.Items) {
			panic(fmt.Sprintf("%s adapter crashed", m.name))
		}
		if m.Err != nil {
			yield(core.RawRecord{}, m.Err)
		}
	}
}

// Queries returns every query streamed so far.
func (m *MockSource) Queries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.queries))
	copy(out, m.queries)
	return out
}
