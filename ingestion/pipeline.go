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


package ingestion

import (
	"context"
	"log/slog"
	"runtime"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// Index receives product names scraped for new queries.
// *semantic.Engine satisfies it.
type Index interface {
	AddProducts(ctx context.Context, names []string) error
}

// Task is a unit of background maintenance work.
type Task func(ctx context.Context) error

// Pipeline queues index updates and maintenance tasks for background execution.
type Pipeline struct {
	index     Index
	indexPool *ants.Pool
	taskPool  *ants.Pool
	logger    *slog.Logger

	mu       sync.Mutex
	queue    [][]string
	draining bool
	released bool
	pending  sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithPoolSize sets the worker pool size for maintenance tasks.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
// Index updates always run on a single worker.
func WithPoolSize(size int) Option {
	return func(p *Pipeline) error {
		if size < 1 {
			size = 1
		}

		if p.taskPool != nil {
			p.taskPool.Release()
		}

		taskPool, err := ants.NewPool(size, ants.WithNonblocking(true), ants.WithPanicHandler(p.recoverTask))
		if err != nil {
			return err
		}
		p.taskPool = taskPool
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) error {
		if logger == nil {
			logger = slog.Default()
		}
		p.logger = logger
		return nil
	}
}

// NewPipeline creates a pipeline that feeds index.
func NewPipeline(index Index, opts ...Option) (*Pipeline, error) {
	if index == nil {
		return nil, ErrIndexRequired
	}

	p := &Pipeline{
		index:  index,
		logger: slog.Default().With("component", "ingestion"),
	}

	indexPool, err := ants.NewPool(1, ants.WithPanicHandler(p.recoverTask))
	if err != nil {
		return nil, err
	}
	p.indexPool = indexPool

	poolSize := max(runtime.NumCPU()/2, 1)
	taskPool, err := ants.NewPool(poolSize, ants.WithNonblocking(true), ants.WithPanicHandler(p.recoverTask))
	if err != nil {
		indexPool.Release()
		return nil, err
	}
	p.taskPool = taskPool

	for _, opt := range opts {
		if optErr := opt(p); optErr != nil {
			p.releasePools()
			return nil, optErr
		}
	}

	return p, nil
}

// Ingest queues names for addition to the index and returns immediately.
// Each call becomes one AddProducts call. An empty list is ignored.
func (p *Pipeline) Ingest(names []string) error {
	if len(names) == 0 {
		return nil
	}
	batch := make([]string, len(names))
	copy(batch, names)

	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return ErrPipelineReleased
	}
	p.queue = append(p.queue, batch)
	p.pending.Add(1)
	start := !p.draining
	p.draining = true
	p.mu.Unlock()

	if !start {
		return nil
	}
	if err := p.indexPool.Submit(p.drain); err != nil {
		p.mu.Lock()
		p.draining = false
		dropped := len(p.queue)
		p.queue = nil
		p.mu.Unlock()
		for range dropped {
			p.pending.Done()
		}
		return err
	}
	return nil
}

// drain applies queued batches until the queue is empty.
func (p *Pipeline) drain() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.draining = false
			p.mu.Unlock()
			return
		}
		batch := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.apply(batch)
	}
}

func (p *Pipeline) apply(batch []string) {
	defer p.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("index update panicked", "panic", r, "names", len(batch))
		}
	}()
	if err := p.index.AddProducts(context.Background(), batch); err != nil {
		p.logger.Error("error adding products to index", "names", len(batch), "err", err)
		return
	}
	p.logger.Debug("added products to index", "names", len(batch))
}

// Go runs task on the maintenance pool and returns immediately.
// Task errors are logged under name. Returns ants.ErrPoolOverload when every
// worker is busy.
func (p *Pipeline) Go(name string, task Task) error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return ErrPipelineReleased
	}
	p.pending.Add(1)
	p.mu.Unlock()

	err := p.taskPool.Submit(func() {
		defer p.pending.Done()
		if err := task(context.Background()); err != nil {
			p.logger.Error("background task failed", "task", name, "err", err)
		}
	})
	if err != nil {
		p.pending.Done()
		return err
	}
	return nil
}

// Wait blocks until every queued index update and task has finished.
func (p *Pipeline) Wait() {
	p.pending.Wait()
}

// Pending reports the number of index batches not yet applied.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Release waits for outstanding work, then releases the worker pools.
// The pipeline should not be used after calling Release.
func (p *Pipeline) Release() {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	p.released = true
	p.mu.Unlock()

	p.Wait()
	p.releasePools()
}

func (p *Pipeline) releasePools() {
	if p.indexPool != nil {
		p.indexPool.Release()
	}
	if p.taskPool != nil {
		p.taskPool.Release()
	}
}

func (p *Pipeline) recoverTask(r any) {
	p.logger.Error("background worker panicked", "panic", r)
}
