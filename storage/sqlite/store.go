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


package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/poiesic/shopcache/core"
	"github.com/poiesic/shopcache/storage"
	"github.com/poiesic/shopcache/storage/sqlite/migrations"
)

// DefaultSweepBatch keeps each DELETE ... IN (...) below SQLite's bound parameter limit.
const DefaultSweepBatch = 900

// Store is the SQLite-backed cache of scraped product records.
type Store struct {
	db         *sql.DB
	path       string
	imageDir   string
	ttl        time.Duration
	sweepBatch int
	now        func() time.Time
	onExpire   func(query string, deleted int)
	logger     *slog.Logger
}

var _ storage.CacheRepository = (*Store)(nil)

// Option configures a Store.
type Option func(*Store) error

// WithTTL sets the freshness horizon applied by Retrieve.
// Default is storage.DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) error {
		if ttl <= 0 {
			return fmt.Errorf("ttl must be positive, got %s", ttl)
		}
		s.ttl = ttl
		return nil
	}
}

// WithSweepBatch sets how many ids are deleted per statement by SweepExpired.
// Default is DefaultSweepBatch.
func WithSweepBatch(n int) Option {
	return func(s *Store) error {
		if n < 1 {
			return fmt.Errorf("sweep batch must be at least 1, got %d", n)
		}
		s.sweepBatch = n
		return nil
	}
}

// WithClock replaces the time source used for insertion stamps and expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) error {
		if now == nil {
			now = time.Now
		}
		s.now = now
		return nil
	}
}

// WithExpireHook sets a function called after Retrieve deletes a stale group.
// It runs on the calling goroutine and must not block.
func WithExpireHook(fn func(query string, deleted int)) Option {
	return func(s *Store) error {
		s.onExpire = fn
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// NewCacheRepository opens (creating if needed) the cache database at path.
// imageDir is the root of the side-channel image files read by CacheImages.
//
// Returns storage.CacheRepository interface to enforce abstraction.
func NewCacheRepository(path, imageDir string, opts ...Option) (storage.CacheRepository, error) {
	return NewStore(path, imageDir, opts...)
}

// NewStore opens the cache database at path and returns the concrete store.
func NewStore(path, imageDir string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection serializes writers and avoids SQLITE_BUSY between them.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:         db,
		path:       path,
		imageDir:   imageDir,
		ttl:        storage.DefaultTTL,
		sweepBatch: DefaultSweepBatch,
		now:        time.Now,
		logger:     slog.Default().With("component", "cache-store"),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			db.Close()
			return nil, err
		}
	}

	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// migrate runs all pending migrations.
func (s *Store) migrate(fsys fs.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		// "001_product_cache.up.sql" -> 1
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
		s.logger.Debug("applied migration", "name", name)
	}

	return nil
}

// ==================== Writes ====================

// StoreRecord appends record to the cache group of query.
func (s *Store) StoreRecord(ctx context.Context, query string, record *core.ProductRecord) error {
	if err := core.ValidateProductRecord(record); err != nil {
		return err
	}
	rec := *record
	rec.ApplyDefaults()

	var delivery sql.NullString
	if rec.Delivery != "" {
		delivery = sql.NullString{String: rec.Delivery, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO product_cache (query, source, name, link, price, delivery, rating, image, position, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		query, string(rec.Source), rec.Name, rec.Link, rec.Price, delivery, rec.Rating,
		rec.Image, rec.Position, s.now().UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("storing record for %q: %w", query, err)
	}
	return nil
}

// CacheImages attaches on-disk images to the entries of query.
// Images live at {imageDir}/{source}/{query}/product_{position}.jpg.
func (s *Store) CacheImages(ctx context.Context, query string) (int, error) {
	type target struct {
		id       int64
		source   core.Source
		position int
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, source, position FROM product_cache WHERE query = ? ORDER BY id", query)
	if err != nil {
		return 0, err
	}
	var targets []target
	for rows.Next() {
		var t target
		var source string
		if err := rows.Scan(&t.id, &source, &t.position); err != nil {
			rows.Close()
			return 0, err
		}
		t.source = core.Source(source)
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	updated := 0
	for _, t := range targets {
		imagePath := filepath.Join(s.imageDir, filepath.FromSlash(core.ImagePath(t.source, query, t.position)))
		if rel, err := filepath.Rel(s.imageDir, imagePath); err != nil || strings.HasPrefix(rel, "..") {
			s.logger.Warn("image path escapes image directory", "path", imagePath)
			continue
		}
		data, err := os.ReadFile(imagePath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				s.logger.Debug("image not found", "path", imagePath)
			} else {
				s.logger.Warn("error reading image", "path", imagePath, "err", err)
			}
			continue
		}
		if _, err := s.db.ExecContext(ctx, "UPDATE product_cache SET image = ? WHERE id = ?", data, t.id); err != nil {
			return updated, fmt.Errorf("attaching image to entry %d: %w", t.id, err)
		}
		updated++
	}

	s.logger.Debug("cached images", "query", query, "entries", len(targets), "attached", updated)
	return updated, nil
}

// ==================== Reads ====================

// Retrieve returns the cache group of query, or nil when it is absent or stale.
// Freshness is judged from a single row of the group.
func (s *Store) Retrieve(ctx context.Context, query string) ([]*core.CacheEntry, error) {
	var insertedAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT inserted_at FROM product_cache WHERE query = ? LIMIT 1", query).Scan(&insertedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("checking cache for %q: %w", query, err)
	}

	age := s.now().Sub(time.UnixMicro(insertedAt))
	if age > s.ttl {
		res, err := s.db.ExecContext(ctx, "DELETE FROM product_cache WHERE query = ?", query)
		if err != nil {
			return nil, fmt.Errorf("expiring cache for %q: %w", query, err)
		}
		n, _ := res.RowsAffected()
		s.logger.Info("expired stale cache group", "query", query, "age", age.Round(time.Second), "deleted", n)
		if n > 0 && s.onExpire != nil {
			s.onExpire(query, int(n))
		}
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, name, link, price, delivery, rating, position, inserted_at
		FROM product_cache WHERE query = ? ORDER BY id`, query)
	if err != nil {
		return nil, fmt.Errorf("reading cache for %q: %w", query, err)
	}
	defer rows.Close()

	var entries []*core.CacheEntry
	for rows.Next() {
		var (
			e        core.CacheEntry
			source   string
			delivery sql.NullString
			inserted int64
		)
		if err := rows.Scan(&e.ID, &source, &e.Name, &e.Link, &e.Price, &delivery, &e.Rating, &e.Position, &inserted); err != nil {
			return nil, err
		}
		e.Query = query
		e.Source = core.Source(source)
		e.Delivery = delivery.String
		e.InsertedAt = time.UnixMicro(inserted)
		e.ImageRef = core.ImageURL(e.Source, query, e.Position)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]*core.CacheEntry, error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w: limit must be positive, got %d", storage.ErrInvalidQuery, limit)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, query, source, name, inserted_at FROM product_cache ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*core.CacheEntry
	for rows.Next() {
		var (
			e        core.CacheEntry
			source   string
			inserted int64
		)
		if err := rows.Scan(&e.ID, &e.Query, &source, &e.Name, &inserted); err != nil {
			return nil, err
		}
		e.Source = core.Source(source)
		e.InsertedAt = time.UnixMicro(inserted)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// ProductNames returns every distinct stored product name except the
// placeholder used for unnamed records.
func (s *Store) ProductNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT name FROM product_cache WHERE name <> ? ORDER BY name", core.UnknownProductName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// QueryForProduct returns the query that most recently produced a product named name.
func (s *Store) QueryForProduct(ctx context.Context, name string) (string, error) {
	var query string
	err := s.db.QueryRowContext(ctx,
		"SELECT query FROM product_cache WHERE name = ? ORDER BY id DESC LIMIT 1", name).Scan(&query)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", storage.ErrNotFound
		}
		return "", err
	}
	return query, nil
}

// Stats reports entry and query counts plus the size of the database files.
func (s *Store) Stats(ctx context.Context) (*core.Stats, error) {
	stats := &core.Stats{}
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COUNT(DISTINCT query) FROM product_cache").Scan(&stats.TotalItems, &stats.TotalQueries)
	if err != nil {
		return nil, err
	}

	for _, p := range []string{s.path, s.path + "-wal"} {
		info, err := os.Stat(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		stats.SizeBytes += info.Size()
	}
	return stats, nil
}

// ==================== Deletes ====================

// SweepExpired deletes entries inserted at or before now - ttl, in batches.
func (s *Store) SweepExpired(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := s.now().Add(-ttl).UnixMicro()

	rows, err := s.db.QueryContext(ctx, "SELECT id FROM product_cache WHERE inserted_at <= ?", cutoff)
	if err != nil {
		return 0, err
	}
	var ids []any
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	deleted := 0
	for start := 0; start < len(ids); start += s.sweepBatch {
		end := min(start+s.sweepBatch, len(ids))
		chunk := ids[start:end]
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		res, err := tx.ExecContext(ctx, "DELETE FROM product_cache WHERE id IN ("+placeholders+")", chunk...)
		if err != nil {
			return 0, fmt.Errorf("deleting expired batch: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	s.logger.Info("swept expired entries", "ttl", ttl, "deleted", deleted)
	return deleted, nil
}

// Clear deletes every entry.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM product_cache")
	return err
}

// DeleteByQuery deletes the cache group of query.
func (s *Store) DeleteByQuery(ctx context.Context, query string) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM product_cache WHERE query = ?", query)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteByID deletes one entry.
func (s *Store) DeleteByID(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM product_cache WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("entry %d: %w", id, storage.ErrNotFound)
	}
	return nil
}
