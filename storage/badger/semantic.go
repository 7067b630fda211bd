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


package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/shopcache/core"
	"github.com/poiesic/shopcache/storage"
)

// semanticRepository stores the semantic index metadata bundle.
// Each entry is spread over three keys (id, original, normalized) sharing an ordinal.
type semanticRepository struct {
	backend *Backend
	logger  *slog.Logger
}

var _ storage.SemanticRepository = (*semanticRepository)(nil)

// NewSemanticRepository creates a semantic metadata repository on backend.
// The backend stays owned by the caller.
//
// Returns storage.SemanticRepository interface to enforce abstraction.
func NewSemanticRepository(backend *Backend) (storage.SemanticRepository, error) {
	if backend == nil {
		return nil, errors.New("backend required")
	}
	return &semanticRepository{
		backend: backend,
		logger:  slog.Default().With("component", "semantic-repository"),
	}, nil
}

func (r *semanticRepository) LoadEntries(ctx context.Context) ([]*core.SemanticEntry, *storage.IndexState, error) {
	if r.backend.IsClosed() {
		return nil, nil, storage.ErrStorageClosed
	}

	var state *storage.IndexState
	byOrdinal := make(map[uint64]*core.SemanticEntry)

	err := r.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		state, err = readState(tx)
		if err != nil {
			return err
		}

		fields := []struct {
			prefix string
			set    func(e *core.SemanticEntry, v string)
		}{
			{semanticIDPrefix, func(e *core.SemanticEntry, v string) { e.ID = v }},
			{semanticOriginalPrefix, func(e *core.SemanticEntry, v string) { e.Original = v }},
			{semanticNormalPrefix, func(e *core.SemanticEntry, v string) { e.Normalized = v }},
		}
		for _, field := range fields {
			if err := ctx.Err(); err != nil {
				return err
			}
			opts := badger.DefaultIteratorOptions
			opts.Prefix = fieldPrefix(field.prefix)
			iter := tx.NewIterator(opts)
			for iter.Rewind(); iter.Valid(); iter.Next() {
				item := iter.Item()
				ordinal, err := parseOrdinalKey(field.prefix, item.Key())
				if err != nil {
					iter.Close()
					return fmt.Errorf("%w: %w", storage.ErrCorruptArtifact, err)
				}
				val, err := item.ValueCopy(nil)
				if err != nil {
					iter.Close()
					return err
				}
				entry, ok := byOrdinal[ordinal]
				if !ok {
					entry = &core.SemanticEntry{Ordinal: ordinal}
					byOrdinal[ordinal] = entry
				}
				field.set(entry, string(val))
			}
			iter.Close()
		}
		return nil
	}, false)
	if err != nil {
		return nil, nil, err
	}

	entries := make([]*core.SemanticEntry, 0, len(byOrdinal))
	for _, e := range byOrdinal {
		if e.ID == "" {
			return nil, nil, fmt.Errorf("%w: entry at ordinal %d has no id", storage.ErrCorruptArtifact, e.Ordinal)
		}
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b *core.SemanticEntry) int {
		switch {
		case a.Ordinal < b.Ordinal:
			return -1
		case a.Ordinal > b.Ordinal:
			return 1
		}
		return 0
	})

	if len(entries) != state.Count {
		return nil, nil, fmt.Errorf("%w: bundle holds %d entries, state records %d",
			storage.ErrCorruptArtifact, len(entries), state.Count)
	}

	return entries, state, nil
}

func (r *semanticRepository) AppendEntries(ctx context.Context, entries []*core.SemanticEntry, state storage.IndexState) error {
	if r.backend.IsClosed() {
		return storage.ErrStorageClosed
	}
	if err := r.writeEntries(ctx, entries); err != nil {
		return err
	}
	return r.writeState(state)
}

func (r *semanticRepository) ReplaceEntries(ctx context.Context, entries []*core.SemanticEntry, state storage.IndexState) error {
	if r.backend.IsClosed() {
		return storage.ErrStorageClosed
	}
	if err := r.backend.DeletePrefix(semanticPrefix); err != nil {
		return err
	}
	r.logger.Debug("dropped semantic bundle", "replacementCount", len(entries))
	if err := r.writeEntries(ctx, entries); err != nil {
		return err
	}
	return r.writeState(state)
}

// Close is a no-op; the backend is closed by its owner.
func (r *semanticRepository) Close() error {
	return nil
}

func (r *semanticRepository) writeEntries(ctx context.Context, entries []*core.SemanticEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return r.backend.WithBatch(func(wb *badger.WriteBatch) error {
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := wb.Set(makeOrdinalKey(semanticIDPrefix, e.Ordinal), []byte(e.ID)); err != nil {
				return err
			}
			if err := wb.Set(makeOrdinalKey(semanticOriginalPrefix, e.Ordinal), []byte(e.Original)); err != nil {
				return err
			}
			if err := wb.Set(makeOrdinalKey(semanticNormalPrefix, e.Ordinal), []byte(e.Normalized)); err != nil {
				return err
			}
		}
		return nil
	})
}

// writeState runs after the entries are flushed, so a crash in between
// leaves a count mismatch that LoadEntries reports as corruption.
func (r *semanticRepository) writeState(state storage.IndexState) error {
	return r.backend.WithTx(func(tx *badger.Txn) error {
		version := make([]byte, 4)
		binary.BigEndian.PutUint32(version, state.Version)
		count := make([]byte, 8)
		binary.BigEndian.PutUint64(count, uint64(state.Count))

		if err := tx.Set(stateVersionKey, version); err != nil {
			return err
		}
		if err := tx.Set(stateCountKey, count); err != nil {
			return err
		}
		return tx.Set(stateChecksumKey, state.Checksum)
	}, true)
}

func readState(tx *badger.Txn) (*storage.IndexState, error) {
	version, err := readValue(tx, stateVersionKey)
	if err != nil {
		return nil, err
	}
	count, err := readValue(tx, stateCountKey)
	if err != nil {
		return nil, err
	}
	checksum, err := readValue(tx, stateChecksumKey)
	if err != nil {
		return nil, err
	}
	if len(version) != 4 || len(count) != 8 {
		return nil, fmt.Errorf("%w: malformed index state", storage.ErrCorruptArtifact)
	}
	return &storage.IndexState{
		Version:  binary.BigEndian.Uint32(version),
		Count:    int(binary.BigEndian.Uint64(count)),
		Checksum: checksum,
	}, nil
}

func readValue(tx *badger.Txn, key []byte) ([]byte, error) {
	item, err := tx.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}
