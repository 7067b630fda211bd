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


package reindex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Names lists every product name that should stay indexed.
// storage.CacheRepository satisfies it.
type Names interface {
	ProductNames(ctx context.Context) ([]string, error)
}

// Index is rebuilt from scratch. *semantic.Engine satisfies it.
type Index interface {
	RebuildWithProgress(ctx context.Context, names []string, report func(embedded int)) error
}

// Reindexer rebuilds an index from the names currently in the cache store.
type Reindexer struct {
	names          Names
	index          Index
	progress       io.Writer
	reportInterval int
	logger         *slog.Logger
}

// Option configures a Reindexer.
type Option func(*Reindexer) error

// WithProgress sets where progress is written. Default is io.Discard.
func WithProgress(w io.Writer, reportInterval int) Option {
	return func(r *Reindexer) error {
		if w == nil {
			w = io.Discard
		}
		r.progress = w
		r.reportInterval = reportInterval
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reindexer) error {
		if logger == nil {
			logger = slog.Default()
		}
		r.logger = logger
		return nil
	}
}

// NewReindexer creates a reindexer that feeds names into index.
func NewReindexer(names Names, index Index, opts ...Option) (*Reindexer, error) {
	if names == nil {
		return nil, errors.New("name source required")
	}
	if index == nil {
		return nil, errors.New("index required")
	}
	r := &Reindexer{
		names:          names,
		index:          index,
		progress:       io.Discard,
		reportInterval: 100,
		logger:         slog.Default().With("component", "reindex"),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Run rebuilds the index and returns the number of names it was built from.
// When the store is empty the index is emptied.
func (r *Reindexer) Run(ctx context.Context) (int, error) {
	names, err := r.names.ProductNames(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing product names: %w", err)
	}

	total := len(names)
	if total == 0 {
		fmt.Fprintf(r.progress, "No product names in cache (0 names), clearing index\n")
	} else {
		fmt.Fprintf(r.progress, "Starting reindex of %d product names\n", total)
	}

	tracker := NewProgressTracker(r.progress, total, r.reportInterval)
	tracker.Start()

	if err := r.index.RebuildWithProgress(ctx, names, tracker.Update); err != nil {
		return 0, fmt.Errorf("rebuilding index: %w", err)
	}

	if total > 0 {
		tracker.Finish()
	}
	elapsed := tracker.Elapsed()
	r.logger.Info("rebuilt index from cache", "names", total, "elapsed", elapsed)
	if total > 0 {
		fmt.Fprintf(r.progress, "Reindex complete. Embedded %d names in %v\n", total, elapsed.Round(time.Millisecond))
	}
	return total, nil
}
