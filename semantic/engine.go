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


package semantic

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/coder/hnsw"
	"github.com/google/uuid"
	"github.com/poiesic/shopcache/ai"
	"github.com/poiesic/shopcache/core"
	"github.com/poiesic/shopcache/storage"
)

// Acceptance rules applied to candidates in descending similarity order.
const (
	DefaultThreshold = 0.65
	DefaultTopK      = 5
	DefaultBatchSize = 64

	strongMatchScore = 0.8
	fuzzyMatchRatio  = 0.85
)

// Engine resolves free-text queries against the product names it has indexed.
// Searches run concurrently; AddProducts and Rebuild are serialized.
type Engine struct {
	embedder  ai.Embedder
	repo      storage.SemanticRepository
	indexPath string
	threshold float32
	topK      int
	batchSize int
	logger    *slog.Logger

	// writeMu serializes mutations. resync is only touched while it is held.
	writeMu sync.Mutex
	resync  bool

	mu          sync.RWMutex
	graph       *hnsw.Graph[uint64]
	entries     map[uint64]*core.SemanticEntry
	dims        int
	nextOrdinal uint64
}

// Option configures an Engine.
type Option func(*Engine) error

// WithThreshold sets the similarity a candidate must exceed when neither the
// strong-match nor the fuzzy rule accepts it. Default is 0.65.
func WithThreshold(threshold float32) Option {
	return func(e *Engine) error {
		if threshold < 0 || threshold > 1 {
			return fmt.Errorf("threshold %v out of range [0,1]", threshold)
		}
		e.threshold = threshold
		return nil
	}
}

// WithTopK sets how many nearest neighbors are examined. Default is 5.
func WithTopK(k int) Option {
	return func(e *Engine) error {
		if k < 1 {
			return errors.New("top k must be positive")
		}
		e.topK = k
		return nil
	}
}

// WithBatchSize sets how many names are embedded per request. Default is 64.
func WithBatchSize(size int) Option {
	return func(e *Engine) error {
		if size < 1 {
			return errors.New("batch size must be positive")
		}
		e.batchSize = size
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		if logger == nil {
			logger = slog.Default()
		}
		e.logger = logger
		return nil
	}
}

// NewEngine creates an engine whose vector artifact lives at indexPath and whose
// metadata bundle lives in repo. A previously saved index is loaded; if it cannot
// be loaded the engine starts empty and logs a warning.
func NewEngine(embedder ai.Embedder, repo storage.SemanticRepository, indexPath string, opts ...Option) (*Engine, error) {
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}
	if repo == nil {
		return nil, ErrRepositoryRequired
	}
	if indexPath == "" {
		return nil, ErrIndexPathRequired
	}

	e := &Engine{
		embedder:  embedder,
		repo:      repo,
		indexPath: indexPath,
		threshold: DefaultThreshold,
		topK:      DefaultTopK,
		batchSize: DefaultBatchSize,
		logger:    slog.Default().With("component", "semantic"),
		graph:     newGraph(),
		entries:   make(map[uint64]*core.SemanticEntry),
	}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}

	e.load(context.Background())
	return e, nil
}

// Len returns the number of indexed names.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entries)
}

// Entries returns a copy of every indexed entry ordered by ordinal.
func (e *Engine) Entries() []core.SemanticEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]core.SemanticEntry, 0, len(e.entries))
	for _, entry := range e.sortedEntriesLocked() {
		out = append(out, *entry)
	}
	return out
}

// AddProducts indexes names and saves the index. Names that normalize to
// nothing are skipped. With no names only the current state is saved.
//
// If embedding fails nothing changes. If saving fails the names stay
// indexed in memory and the error is returned; the next successful save
// rewrites the whole bundle.
func (e *Engine) AddProducts(ctx context.Context, names []string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.RLock()
	next := e.nextOrdinal
	e.mu.RUnlock()

	added, vectors, err := e.prepare(ctx, names, next, nil)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if len(vectors) > 0 && e.dims != 0 && len(vectors[0]) != e.dims {
		e.mu.Unlock()
		return fmt.Errorf("%w: got %d, index holds %d", ErrDimensionMismatch, len(vectors[0]), e.dims)
	}
	e.insertLocked(e.graph, added, vectors)
	e.mu.Unlock()

	if len(added) > 0 {
		e.logger.Debug("indexed products", "count", len(added), "total", e.Len())
	}
	return e.save(ctx, added)
}

// Rebuild discards the index and builds a new one from names, which must be
// the complete set of names to keep. An empty list leaves an empty index.
// If embedding fails the previous index is kept.
func (e *Engine) Rebuild(ctx context.Context, names []string) error {
	return e.RebuildWithProgress(ctx, names, nil)
}

// RebuildWithProgress is Rebuild with report called after each embedding
// batch with the number of names embedded so far.
func (e *Engine) RebuildWithProgress(ctx context.Context, names []string, report func(embedded int)) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	added, vectors, err := e.prepare(ctx, names, 0, report)
	if err != nil {
		return err
	}

	graph := newGraph()
	e.mu.Lock()
	e.graph = graph
	e.entries = make(map[uint64]*core.SemanticEntry, len(added))
	e.dims = 0
	e.nextOrdinal = 0
	e.insertLocked(graph, added, vectors)
	e.mu.Unlock()

	e.logger.Info("rebuilt semantic index", "count", len(added))
	e.resync = true
	return e.save(ctx, nil)
}

// Search resolves query with the configured threshold.
func (e *Engine) Search(ctx context.Context, query string) (core.SearchDecision, error) {
	return e.SearchWithMonitor(ctx, query, e.threshold, nil)
}

// SearchWithThreshold resolves query with a caller supplied threshold.
func (e *Engine) SearchWithThreshold(ctx context.Context, query string, threshold float32) (core.SearchDecision, error) {
	return e.SearchWithMonitor(ctx, query, threshold, nil)
}

// SearchWithMonitor resolves query, reporting each step to monitor.
// When no candidate is accepted the decision carries the query unchanged and Known is false.
func (e *Engine) SearchWithMonitor(ctx context.Context, query string, threshold float32, monitor SearchMonitor) (core.SearchDecision, error) {
	if monitor == nil {
		monitor = &noopMonitor{}
	}

	normalized := Normalize(query)
	monitor.Start(query, normalized)
	unknown := core.SearchDecision{MatchedText: query}

	if normalized == "" || e.Len() == 0 {
		monitor.Finish(unknown)
		return unknown, nil
	}

	raw, err := e.embedder.EmbedText(ctx, normalized)
	if err != nil {
		return unknown, fmt.Errorf("embedding query: %w", err)
	}
	vec := NormalizeVector(raw)

	candidates, err := e.nearest(vec)
	if err != nil {
		return unknown, err
	}
	monitor.AfterIndexSearch(candidates)

	for _, c := range candidates {
		verdict, ok := judge(query, normalized, c, threshold)
		if !ok {
			e.logger.Debug("candidate rejected", "query", query, "candidate", c.Text, "score", c.Score, "verdict", verdict.String())
			monitor.Rejected(c, verdict)
			continue
		}
		monitor.Accepted(c, verdict)
		decision := core.SearchDecision{MatchedText: c.Text, Known: true, Score: c.Score}
		monitor.Finish(decision)
		return decision, nil
	}

	monitor.Finish(unknown)
	return unknown, nil
}

func judge(query, normalized string, c core.Candidate, threshold float32) (Verdict, bool) {
	if RejectsByGender(query, c.Text) {
		return VerdictGenderMismatch, false
	}
	if c.Score > strongMatchScore {
		return VerdictStrongMatch, true
	}
	if FuzzyRatio(normalized, c.Normalized) > fuzzyMatchRatio {
		return VerdictFuzzyMatch, true
	}
	if c.Score > threshold {
		return VerdictThreshold, true
	}
	return VerdictBelowThreshold, false
}

// nearest returns up to topK candidates ordered by descending similarity.
func (e *Engine) nearest(vec []float32) ([]core.Candidate, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.graph.Len() == 0 {
		return nil, nil
	}
	if len(vec) != e.dims {
		return nil, fmt.Errorf("%w: got %d, index holds %d", ErrDimensionMismatch, len(vec), e.dims)
	}

	nodes := e.graph.Search(vec, e.topK)
	candidates := make([]core.Candidate, 0, len(nodes))
	for _, node := range nodes {
		entry, ok := e.entries[node.Key]
		if !ok {
			continue
		}
		candidates = append(candidates, core.Candidate{
			ID:         entry.ID,
			Text:       entry.Original,
			Normalized: entry.Normalized,
			Score:      Dot(vec, node.Value),
		})
	}
	slices.SortStableFunc(candidates, func(a, b core.Candidate) int {
		return cmp.Compare(b.Score, a.Score)
	})
	return candidates, nil
}

// prepare normalizes and embeds names, assigning ordinals from first.
func (e *Engine) prepare(ctx context.Context, names []string, first uint64, report func(int)) ([]*core.SemanticEntry, [][]float32, error) {
	entries := make([]*core.SemanticEntry, 0, len(names))
	texts := make([]string, 0, len(names))
	for _, name := range names {
		normalized := Normalize(name)
		if normalized == "" {
			e.logger.Debug("skipping name with no indexable text", "name", name)
			continue
		}
		entries = append(entries, &core.SemanticEntry{
			ID:         uuid.NewString(),
			Ordinal:    first + uint64(len(entries)),
			Original:   name,
			Normalized: normalized,
		})
		texts = append(texts, normalized)
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		batch, err := e.embedder.EmbedTexts(ctx, texts[start:end])
		if err != nil {
			return nil, nil, fmt.Errorf("embedding product names: %w", err)
		}
		if len(batch) != end-start {
			return nil, nil, fmt.Errorf("embedding product names: got %d vectors for %d texts", len(batch), end-start)
		}
		for _, v := range batch {
			if len(vectors) > 0 && len(v) != len(vectors[0]) {
				return nil, nil, fmt.Errorf("%w: got %d, batch holds %d", ErrDimensionMismatch, len(v), len(vectors[0]))
			}
			vectors = append(vectors, NormalizeVector(v))
		}
		if report != nil {
			report(len(vectors))
		}
	}
	return entries, vectors, nil
}

// insertLocked adds entries to graph. Callers hold e.mu for writing.
func (e *Engine) insertLocked(graph *hnsw.Graph[uint64], entries []*core.SemanticEntry, vectors [][]float32) {
	if len(entries) == 0 {
		return
	}
	nodes := make([]hnsw.Node[uint64], len(entries))
	for i, entry := range entries {
		nodes[i] = hnsw.MakeNode(entry.Ordinal, vectors[i])
		e.entries[entry.Ordinal] = entry
	}
	graph.Add(nodes...)
	e.dims = len(vectors[0])
	e.nextOrdinal = entries[len(entries)-1].Ordinal + 1
}

func (e *Engine) sortedEntriesLocked() []*core.SemanticEntry {
	out := make([]*core.SemanticEntry, 0, len(e.entries))
	for _, entry := range e.entries {
		out = append(out, entry)
	}
	slices.SortFunc(out, func(a, b *core.SemanticEntry) int {
		return cmp.Compare(a.Ordinal, b.Ordinal)
	})
	return out
}

// save writes the vector artifact, then the metadata bundle stamped with the
// artifact's checksum. Only added entries are appended unless a full rewrite
// is pending. Callers hold writeMu.
func (e *Engine) save(ctx context.Context, added []*core.SemanticEntry) error {
	e.mu.RLock()
	data, err := encodeIndex(e.graph)
	count := len(e.entries)
	var all []*core.SemanticEntry
	if e.resync {
		all = e.sortedEntriesLocked()
	}
	e.mu.RUnlock()

	if err == nil {
		err = writeIndexFile(e.indexPath, data)
	}
	if err == nil {
		state := storage.IndexState{
			Version:  IndexVersion,
			Count:    count,
			Checksum: core.Checksum(data),
		}
		if e.resync {
			err = e.repo.ReplaceEntries(ctx, all, state)
		} else {
			err = e.repo.AppendEntries(ctx, added, state)
		}
	}
	if err != nil {
		e.resync = true
		e.logger.Error("error saving semantic index", "path", e.indexPath, "err", err)
		return fmt.Errorf("saving semantic index: %w", err)
	}
	e.resync = false
	return nil
}

// load restores the saved index. Any inconsistency between the artifact and
// the bundle leaves the engine empty.
func (e *Engine) load(ctx context.Context) {
	entries, state, err := e.repo.LoadEntries(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		e.logger.Debug("no saved semantic index", "path", e.indexPath)
		if _, statErr := os.Stat(e.indexPath); statErr == nil {
			e.resync = true
		}
		return
	}
	if err != nil {
		e.loadFailed(err)
		return
	}

	data, err := os.ReadFile(e.indexPath)
	if err != nil {
		e.loadFailed(err)
		return
	}
	if state.Version != IndexVersion {
		e.loadFailed(fmt.Errorf("%w: metadata has version %d, want %d", storage.ErrVersionMismatch, state.Version, IndexVersion))
		return
	}
	if !bytes.Equal(core.Checksum(data), state.Checksum) {
		e.loadFailed(fmt.Errorf("%w: index checksum does not match metadata", storage.ErrCorruptArtifact))
		return
	}
	graph, err := decodeIndex(data)
	if err != nil {
		e.loadFailed(err)
		return
	}
	if graph.Len() != len(entries) {
		e.loadFailed(fmt.Errorf("%w: graph holds %d vectors, metadata %d entries", storage.ErrCorruptArtifact, graph.Len(), len(entries)))
		return
	}

	byOrdinal := make(map[uint64]*core.SemanticEntry, len(entries))
	var dims int
	var next uint64
	for _, entry := range entries {
		vec, ok := graph.Lookup(entry.Ordinal)
		if !ok {
			e.loadFailed(fmt.Errorf("%w: no vector for ordinal %d", storage.ErrCorruptArtifact, entry.Ordinal))
			return
		}
		dims = len(vec)
		byOrdinal[entry.Ordinal] = entry
		next = max(next, entry.Ordinal+1)
	}

	e.mu.Lock()
	e.graph = graph
	e.entries = byOrdinal
	e.dims = dims
	e.nextOrdinal = next
	e.mu.Unlock()
	e.logger.Info("loaded semantic index", "count", len(byOrdinal), "path", e.indexPath)
}

func (e *Engine) loadFailed(err error) {
	e.logger.Warn("error loading semantic index, starting empty", "path", e.indexPath, "err", err)
	e.resync = true
}
