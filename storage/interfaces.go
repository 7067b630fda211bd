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


package storage

import (
	"context"
	"time"

	"github.com/poiesic/shopcache/core"
)

// DefaultTTL is the age after which a cache group is considered stale on read.
const DefaultTTL = 2880 * time.Minute

// CacheRepository is the durable store of scraped product records.
// Entries are grouped by the query they were scraped for.
type CacheRepository interface {
	// StoreRecord appends a new entry for query stamped with the current time.
	// There is no uniqueness constraint: storing the same record twice creates two rows.
	StoreRecord(ctx context.Context, query string, record *core.ProductRecord) error

	// Retrieve returns every entry of the cache group for query, across all sources,
	// each annotated with its served image location.
	// Returns nil, nil when the group is absent. When the group is older than the
	// repository's TTL it is deleted and nil, nil is returned.
	Retrieve(ctx context.Context, query string) ([]*core.CacheEntry, error)

	// SweepExpired deletes every entry inserted at or before now - ttl and
	// returns the number of deleted entries.
	SweepExpired(ctx context.Context, ttl time.Duration) (int, error)

	// Clear deletes all entries.
	Clear(ctx context.Context) error

	// DeleteByQuery deletes the cache group for query and returns the number of deleted entries.
	DeleteByQuery(ctx context.Context, query string) (int, error)

	// DeleteByID deletes a single entry.
	// Returns ErrNotFound if the entry doesn't exist.
	DeleteByID(ctx context.Context, id int64) error

	// Stats reports the entry count, distinct query count and on-disk size.
	Stats(ctx context.Context) (*core.Stats, error)

	// Recent returns up to limit entries, newest first. Image bytes are not loaded.
	Recent(ctx context.Context, limit int) ([]*core.CacheEntry, error)

	// ProductNames returns the name of every stored entry.
	ProductNames(ctx context.Context) ([]string, error)

	// QueryForProduct returns the query of the most recent entry named name.
	// Returns ErrNotFound if no entry has that name.
	QueryForProduct(ctx context.Context, name string) (string, error)

	// CacheImages attaches image bytes found under the image root to the
	// entries of query and returns the number of entries updated.
	// Missing image files are skipped.
	CacheImages(ctx context.Context, query string) (int, error)

	// Close closes the storage backend and releases resources.
	Close() error
}

// IndexState describes a persisted semantic index so a loader can check
// that the vector artifact and the metadata bundle belong together.
type IndexState struct {
	Version  uint32
	Count    int
	Checksum []byte // BLAKE2b-256 of the vector artifact
}

// SemanticRepository persists the metadata bundle of the semantic index:
// the id, original text, normalized text and graph ordinal of every entry.
type SemanticRepository interface {
	// LoadEntries returns all entries ordered by ordinal together with the saved state.
	// Returns ErrNotFound if nothing has been saved yet.
	LoadEntries(ctx context.Context) ([]*core.SemanticEntry, *IndexState, error)

	// AppendEntries adds entries and records state.
	AppendEntries(ctx context.Context, entries []*core.SemanticEntry, state IndexState) error

	// ReplaceEntries discards every stored entry, then stores entries and state.
	ReplaceEntries(ctx context.Context, entries []*core.SemanticEntry, state IndexState) error

	// Close releases resources held by the repository.
	Close() error
}
