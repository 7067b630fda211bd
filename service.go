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


package shopcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/poiesic/shopcache/ai"
	"github.com/poiesic/shopcache/ai/openai"
	"github.com/poiesic/shopcache/config"
	"github.com/poiesic/shopcache/core"
	"github.com/poiesic/shopcache/ingestion"
	"github.com/poiesic/shopcache/reindex"
	"github.com/poiesic/shopcache/scrape"
	"github.com/poiesic/shopcache/semantic"
	"github.com/poiesic/shopcache/source"
	"github.com/poiesic/shopcache/source/feed"
	"github.com/poiesic/shopcache/storage"
	"github.com/poiesic/shopcache/storage/badger"
	"github.com/poiesic/shopcache/storage/sqlite"
	"golang.org/x/sync/singleflight"
)

// DefaultRecentLimit is the number of entries Recent returns when no limit is given.
const DefaultRecentLimit = 100

// Result is the outcome of resolving one search query.
type Result struct {
	Query string
	// MatchedQuery is the cached query a semantic match resolved to, empty otherwise.
	MatchedQuery string
	// MatchedProduct is the indexed product name behind MatchedQuery.
	MatchedProduct string
	Cached         bool
	Entries        []*core.CacheEntry
}

// Service owns every component of the cache and the order they are built and torn down in.
type Service struct {
	cfg          *config.Config
	store        storage.CacheRepository
	backend      *badger.Backend
	semRepo      storage.SemanticRepository
	provider     ai.AIProvider
	engine       *semantic.Engine
	gate         *scrape.Gate
	orchestrator *scrape.Orchestrator
	pipeline     *ingestion.Pipeline
	reindexer    *reindex.Reindexer
	flight       *singleflight.Group
	logger       *slog.Logger

	stopSweep chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// Option configures a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	provider     ai.AIProvider
	sources      []source.Source
	now          func() time.Time
	inMemoryMeta bool
	logger       *slog.Logger
}

// WithProvider replaces the embedding provider built from the configuration.
// The Service takes ownership and closes it on Close.
func WithProvider(provider ai.AIProvider) Option {
	return func(o *serviceOptions) {
		o.provider = provider
	}
}

// WithSources replaces the feed sources built from the configuration.
func WithSources(sources ...source.Source) Option {
	return func(o *serviceOptions) {
		o.sources = sources
	}
}

// WithClock sets the time source of the cache store.
func WithClock(now func() time.Time) Option {
	return func(o *serviceOptions) {
		o.now = now
	}
}

// WithInMemoryMetadata keeps the semantic metadata bundle in memory.
func WithInMemoryMetadata() Option {
	return func(o *serviceOptions) {
		o.inMemoryMeta = true
	}
}

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *serviceOptions) {
		o.logger = logger
	}
}

// New builds a Service from cfg. Components are constructed in dependency order
// and torn down in reverse if any step fails.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	options := &serviceOptions{}
	for _, opt := range opts {
		opt(options)
	}
	logger := options.logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		cfg:    cfg,
		logger: logger.With("component", "service"),
	}
	var closers []func() error
	fail := func(err error) (*Service, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i](); cerr != nil {
				s.logger.Error("error releasing component", "err", cerr)
			}
		}
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	storeOpts := []sqlite.Option{
		sqlite.WithTTL(cfg.Cache.TTL),
		sqlite.WithSweepBatch(cfg.Cache.SweepBatch),
		sqlite.WithLogger(logger.With("component", "cache-store")),
		sqlite.WithExpireHook(s.scheduleRebuild),
	}
	if options.now != nil {
		storeOpts = append(storeOpts, sqlite.WithClock(options.now))
	}
	store, err := sqlite.NewCacheRepository(cfg.CachePath(), cfg.ImageDir, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("opening cache store: %w", err)
	}
	s.store = store
	closers = append(closers, store.Close)

	backend, err := badger.OpenBackend(cfg.MetaDir(), options.inMemoryMeta)
	if err != nil {
		return fail(fmt.Errorf("opening index metadata: %w", err))
	}
	s.backend = backend
	closers = append(closers, backend.Close)

	s.semRepo, err = badger.NewSemanticRepository(backend)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, s.semRepo.Close)

	s.provider = options.provider
	if s.provider == nil {
		aiConfig, err := cfg.AIConfig()
		if err != nil {
			return fail(err)
		}
		if s.provider, err = openai.NewProvider(aiConfig); err != nil {
			return fail(fmt.Errorf("creating embedding provider: %w", err))
		}
	}
	closers = append(closers, s.provider.Close)

	s.engine, err = semantic.NewEngine(s.provider.Embedder(), s.semRepo, cfg.IndexPath(),
		semantic.WithThreshold(float32(cfg.Semantic.Threshold)),
		semantic.WithTopK(cfg.Semantic.TopK),
		semantic.WithBatchSize(cfg.Semantic.BatchSize),
		semantic.WithLogger(logger.With("component", "semantic")),
	)
	if err != nil {
		return fail(fmt.Errorf("loading semantic index: %w", err))
	}

	s.pipeline, err = ingestion.NewPipeline(s.engine, ingestion.WithLogger(logger.With("component", "ingestion")))
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func() error {
		s.pipeline.Release()
		return nil
	})

	s.reindexer, err = reindex.NewReindexer(store, s.engine, reindex.WithLogger(logger.With("component", "reindex")))
	if err != nil {
		return fail(err)
	}

	s.gate, err = scrape.NewGate(int64(cfg.Scrape.MaxConcurrent))
	if err != nil {
		return fail(err)
	}

	sources := options.sources
	if sources == nil {
		sources, err = buildFeeds(cfg, logger)
		if err != nil {
			return fail(err)
		}
	}
	if len(sources) > 0 {
		s.orchestrator, err = scrape.NewOrchestrator(sources, store,
			scrape.WithBuffer(cfg.Scrape.Buffer),
			scrape.WithLogger(logger.With("component", "scrape")),
		)
		if err != nil {
			return fail(err)
		}
	} else {
		s.logger.Warn("no sources configured, cache misses cannot be scraped")
	}

	if cfg.Scrape.Coalesce {
		s.flight = &singleflight.Group{}
	}

	if cfg.Cache.SweepInterval > 0 {
		s.startSweeper(cfg.Cache.SweepInterval)
	}

	return s, nil
}

func buildFeeds(cfg *config.Config, logger *slog.Logger) ([]source.Source, error) {
	sources := make([]source.Source, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		f, err := feed.New(feed.Config{
			Name:        core.Source(sc.Name),
			URL:         sc.URL,
			Timeout:     sc.Timeout,
			MaxAttempts: sc.MaxAttempts,
			RetryDelay:  sc.RetryDelay,
			Rate:        sc.Rate,
			Burst:       sc.Burst,
			ImageDir:    cfg.ImageDir,
		}, feed.WithLogger(logger.With("component", "feed", "source", sc.Name)))
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", sc.Name, err)
		}
		sources = append(sources, f)
	}
	return sources, nil
}

// Resolve answers query from the cache when it can and scrapes every source otherwise.
//
// The exact query is tried first, then the semantic engine. A known product name is
// mapped back to the query that stored it. Everything else is a miss: the sources are
// scraped under the admission gate and the new product names are queued for indexing.
func (s *Service) Resolve(ctx context.Context, query string) (*Result, error) {
	query, err := core.ValidateQuery(query)
	if err != nil {
		return nil, err
	}

	entries, err := s.store.Retrieve(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("reading cache: %w", err)
	}
	if len(entries) > 0 {
		return &Result{Query: query, Cached: true, Entries: entries}, nil
	}

	result, err := s.resolveKnown(ctx, query)
	if err != nil || result != nil {
		return result, err
	}

	if s.flight == nil {
		return s.scrape(ctx, query)
	}
	// The shared scrape must not inherit one waiter's cancellation.
	ch := s.flight.DoChan(query, func() (any, error) {
		return s.scrape(context.WithoutCancel(ctx), query)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			s.logger.Debug("shared scrape result", "query", query)
		}
		return res.Val.(*Result), nil
	}
}

// resolveKnown returns nil, nil when the engine does not recognize query
// or the group behind the match is gone.
func (s *Service) resolveKnown(ctx context.Context, query string) (*Result, error) {
	decision, err := s.engine.Search(ctx, query)
	if err != nil {
		s.logger.Warn("semantic search failed, treating query as unknown", "query", query, "err", err)
		return nil, nil
	}
	if !decision.Known {
		return nil, nil
	}

	owner, err := s.store.QueryForProduct(ctx, decision.MatchedText)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Debug("matched product has no cache entry", "query", query, "product", decision.MatchedText)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up matched product: %w", err)
	}

	entries, err := s.store.Retrieve(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("reading cache: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &Result{
		Query:          query,
		MatchedQuery:   owner,
		MatchedProduct: decision.MatchedText,
		Cached:         true,
		Entries:        entries,
	}, nil
}

func (s *Service) scrape(ctx context.Context, query string) (*Result, error) {
	if s.orchestrator == nil {
		return nil, scrape.ErrNoSources
	}

	if err := s.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	records, err := s.orchestrator.Scrape(ctx, query)
	s.gate.Release()
	if err != nil {
		return nil, fmt.Errorf("scraping %q: %w", query, err)
	}

	if names := productNames(records); len(names) > 0 {
		if err := s.pipeline.Ingest(names); err != nil {
			s.logger.Error("could not queue product names for indexing", "query", query, "err", err)
		}
	}

	entries, err := s.store.Retrieve(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("reading cache: %w", err)
	}
	if len(entries) == 0 {
		entries = make([]*core.CacheEntry, 0, len(records))
		for _, rec := range records {
			entries = append(entries, &core.CacheEntry{Query: query, ProductRecord: *rec})
		}
	}
	return &Result{Query: query, Entries: entries}, nil
}

func productNames(records []*core.ProductRecord) []string {
	names := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.Name == "" || rec.Name == core.UnknownProductName {
			continue
		}
		names = append(names, rec.Name)
	}
	return names
}

// Explain runs semantic resolution for query and reports each step to monitor.
func (s *Service) Explain(ctx context.Context, query string, monitor semantic.SearchMonitor) (core.SearchDecision, error) {
	query, err := core.ValidateQuery(query)
	if err != nil {
		return core.SearchDecision{}, err
	}
	return s.engine.SearchWithMonitor(ctx, query, float32(s.cfg.Semantic.Threshold), monitor)
}

// Stats reports the size of the cache.
func (s *Service) Stats(ctx context.Context) (*core.Stats, error) {
	return s.store.Stats(ctx)
}

// IndexSize returns the number of product names held by the semantic index.
func (s *Service) IndexSize() int {
	return s.engine.Len()
}

// Recent lists the newest cache entries. A non-positive limit means DefaultRecentLimit.
func (s *Service) Recent(ctx context.Context, limit int) ([]*core.CacheEntry, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	return s.store.Recent(ctx, limit)
}

// DeleteQuery removes the cache group for query and rebuilds the index when rows were removed.
func (s *Service) DeleteQuery(ctx context.Context, query string) (int, error) {
	query, err := core.ValidateQuery(query)
	if err != nil {
		return 0, err
	}
	n, err := s.store.DeleteByQuery(ctx, query)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.rebuild(ctx); err != nil {
		return n, err
	}
	return n, nil
}

// DeleteItem removes one cache entry and rebuilds the index.
func (s *Service) DeleteItem(ctx context.Context, id int64) error {
	if err := s.store.DeleteByID(ctx, id); err != nil {
		return err
	}
	return s.rebuild(ctx)
}

// Clear empties the cache and the index.
func (s *Service) Clear(ctx context.Context) error {
	if err := s.store.Clear(ctx); err != nil {
		return err
	}
	return s.rebuild(ctx)
}

// rebuild flushes queued index mutations first so they cannot re-add deleted names.
func (s *Service) rebuild(ctx context.Context) error {
	s.pipeline.Wait()
	if _, err := s.reindexer.Run(ctx); err != nil {
		return fmt.Errorf("rebuilding index: %w", err)
	}
	return nil
}

// ScheduleSweep deletes expired entries in the background. A non-positive ttl
// uses the configured one. Use Flush to wait for it.
func (s *Service) ScheduleSweep(ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.cfg.Cache.TTL
	}
	return s.pipeline.Go("sweep", func(ctx context.Context) error {
		n, err := s.store.SweepExpired(ctx, ttl)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		_, err = s.reindexer.Run(ctx)
		return err
	})
}

// scheduleRebuild queues a rebuild after the store expired a stale group on read.
func (s *Service) scheduleRebuild(query string, deleted int) {
	if s.pipeline == nil || s.reindexer == nil {
		return
	}
	err := s.pipeline.Go("reindex", func(ctx context.Context) error {
		_, err := s.reindexer.Run(ctx)
		return err
	})
	if err != nil {
		s.logger.Error("could not schedule rebuild after expiry", "query", query, "deleted", deleted, "err", err)
	}
}

func (s *Service) startSweeper(interval time.Duration) {
	s.stopSweep = make(chan struct{})
	s.sweepDone = make(chan struct{})
	go func() {
		defer close(s.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.ScheduleSweep(s.cfg.Cache.TTL); err != nil {
					s.logger.Error("could not schedule sweep", "err", err)
				}
			case <-s.stopSweep:
				return
			}
		}
	}()
}

// Reindex rebuilds the semantic index from every product name in the cache,
// writing progress to w when it is not nil.
func (s *Service) Reindex(ctx context.Context, w io.Writer) (int, error) {
	s.pipeline.Wait()
	r := s.reindexer
	if w != nil {
		var err error
		r, err = reindex.NewReindexer(s.store, s.engine,
			reindex.WithProgress(w, 0),
			reindex.WithLogger(s.logger.With("component", "reindex")),
		)
		if err != nil {
			return 0, err
		}
	}
	return r.Run(ctx)
}

// Flush blocks until queued index mutations and background tasks are done.
func (s *Service) Flush() {
	s.pipeline.Wait()
}

// Close stops background work and releases every component.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.stopSweep != nil {
			close(s.stopSweep)
			<-s.sweepDone
		}
		s.pipeline.Release()

		if cerr := s.provider.Close(); cerr != nil {
			s.logger.Error("error closing AI provider", "err", cerr)
		}
		if cerr := s.semRepo.Close(); cerr != nil {
			s.logger.Error("error closing semantic repository", "err", cerr)
			err = errors.Join(err, cerr)
		}
		if cerr := s.backend.Close(); cerr != nil {
			s.logger.Error("error closing backend storage", "err", cerr)
			err = errors.Join(err, cerr)
		}
		if cerr := s.store.Close(); cerr != nil {
			s.logger.Error("error closing cache store", "err", cerr)
			err = errors.Join(err, cerr)
		}
	})
	return err
}
