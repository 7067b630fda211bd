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
	"errors"
	"fmt"
	"log/slog"

	"github.com/poiesic/shopcache/core"
	"github.com/poiesic/shopcache/source"
	"github.com/sourcegraph/conc"
)

// DefaultBuffer is the default capacity of the shared record channel.
const DefaultBuffer = 256

// Sink persists scraped records. storage.CacheRepository satisfies it.
type Sink interface {
	StoreRecord(ctx context.Context, query string, record *core.ProductRecord) error
	CacheImages(ctx context.Context, query string) (int, error)
}

// message is one item on the shared channel: a record, or the end marker of a source.
type message struct {
	source core.Source
	raw    core.RawRecord
	end    bool
}

// Orchestrator fans a query out to every source and gathers the results.
type Orchestrator struct {
	sources []source.Source
	sink    Sink
	buffer  int
	logger  *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator) error

// WithBuffer sets the capacity of the shared record channel.
// Default is 256.
func WithBuffer(n int) Option {
	return func(o *Orchestrator) error {
		if n < 1 {
			return ErrInvalidLimit
		}
		o.buffer = n
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) error {
		if logger == nil {
			logger = slog.Default()
		}
		o.logger = logger
		return nil
	}
}

// NewOrchestrator creates an orchestrator over sources that stores records in sink.
func NewOrchestrator(sources []source.Source, sink Sink, opts ...Option) (*Orchestrator, error) {
	if len(sources) == 0 {
		return nil, ErrNoSources
	}
	for _, src := range sources {
		if src == nil {
			return nil, errors.New("nil source")
		}
	}
	if sink == nil {
		return nil, ErrSinkRequired
	}

	o := &Orchestrator{
		sources: sources,
		sink:    sink,
		buffer:  DefaultBuffer,
		logger:  slog.Default().With("component", "scrape"),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Sources returns the names of the configured sources.
func (o *Orchestrator) Sources() []core.Source {
	names := make([]core.Source, len(o.sources))
	for i, src := range o.sources {
		names[i] = src.Name()
	}
	return names
}

// Scrape streams query from every source, storing each record as it arrives,
// then attaches cached images and returns every record in arrival order.
//
// A source that fails or panics contributes the records it yielded before
// failing. Producers and writes are detached from ctx cancellation so an
// abandoned request still fills the cache. A storage error is returned after
// all producers finish, together with the records gathered.
func (o *Orchestrator) Scrape(ctx context.Context, query string) ([]*core.ProductRecord, error) {
	ctx = context.WithoutCancel(ctx)
	ch := make(chan message, o.buffer)

	var wg conc.WaitGroup
	for _, src := range o.sources {
		wg.Go(func() {
			o.produce(ctx, src, query, ch)
		})
	}

	var (
		records  []*core.ProductRecord
		storeErr error
		pending  = len(o.sources)
	)
	for pending > 0 {
		msg := <-ch
		if msg.end {
			pending--
			continue
		}
		rec := core.NewProductRecord(msg.source, msg.raw)
		if err := o.sink.StoreRecord(ctx, query, rec); err != nil {
			o.logger.Error("error storing scraped record", "query", query, "source", string(msg.source), "err", err)
			if storeErr == nil {
				storeErr = err
			}
		}
		records = append(records, rec)
	}

	if recovered := wg.WaitAndRecover(); recovered != nil {
		o.logger.Error("source producer panicked", "query", query, "panic", recovered.Value, "stack", string(recovered.Stack))
	}

	if storeErr != nil {
		return records, fmt.Errorf("storing scraped records: %w", storeErr)
	}

	attached, err := o.sink.CacheImages(ctx, query)
	if err != nil {
		return records, fmt.Errorf("caching images: %w", err)
	}
	o.logger.Debug("scrape finished", "query", query, "records", len(records), "images", attached)
	return records, nil
}

// produce publishes every record src yields for query, then its end marker.
// The marker is sent from a defer so a panicking adapter still ends its stream.
func (o *Orchestrator) produce(ctx context.Context, src source.Source, query string, ch chan<- message) {
	name := src.Name()
	defer func() {
		ch <- message{source: name, end: true}
	}()

	count := 0
	for raw, err := range src.Stream(ctx, query) {
		if err != nil {
			o.logger.Warn("source failed", "source", string(name), "query", query, "yielded", count, "err", err)
			return
		}
		ch <- message{source: name, raw: raw}
		count++
	}
	o.logger.Debug("source finished", "source", string(name), "query", query, "count", count)
}
