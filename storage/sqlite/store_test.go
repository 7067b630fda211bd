package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/poiesic/shopcache/core"
	"github.com/poiesic/shopcache/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

func setupTestStore(t *testing.T, opts ...Option) (*Store, *fakeClock, string) {
	t.Helper()

	dir := t.TempDir()
	imageDir := filepath.Join(dir, "images")
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}

	opts = append([]Option{WithClock(clock.Now)}, opts...)
	store, err := NewStore(filepath.Join(dir, "cache.db"), imageDir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, store.Close()) })

	return store, clock, imageDir
}

func record(source core.Source, name string, position int) *core.ProductRecord {
	return &core.ProductRecord{
		Source:   source,
		Name:     name,
		Link:     "https://example.com/" + name,
		Price:    "₹999",
		Rating:   "4.1",
		Position: position,
	}
}

func TestNewStore(t *testing.T) {
	t.Run("empty path", func(t *testing.T) {
		_, err := NewStore("", "")
		assert.Error(t, err)
	})

	t.Run("invalid option", func(t *testing.T) {
		_, err := NewStore(filepath.Join(t.TempDir(), "c.db"), "", WithTTL(0))
		assert.Error(t, err)
	})

	t.Run("reopen keeps data and skips applied migrations", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "c.db")
		s, err := NewStore(path, "")
		require.NoError(t, err)
		require.NoError(t, s.StoreRecord(context.Background(), "shoes", record(core.SourceAmazon, "Runner", 0)))
		require.NoError(t, s.Close())

		s, err = NewStore(path, "")
		require.NoError(t, err)
		defer s.Close()
		stats, err := s.Stats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.TotalItems)
	})
}

func TestStoreAndRetrieve(t *testing.T) {
	store, _, _ := setupTestStore(t)
	ctx := context.Background()

	t.Run("miss on unknown query", func(t *testing.T) {
		entries, err := store.Retrieve(ctx, "nothing here")
		require.NoError(t, err)
		assert.Nil(t, entries)
	})

	require.NoError(t, store.StoreRecord(ctx, "kurti", record(core.SourceAmazon, "Women Cotton Kurti", 0)))
	require.NoError(t, store.StoreRecord(ctx, "kurti", record(core.SourceMyntra, "Rayon Kurti", 1)))
	require.NoError(t, store.StoreRecord(ctx, "bottle", record(core.SourceMeesho, "Steel Bottle", 0)))

	t.Run("returns whole group across sources", func(t *testing.T) {
		entries, err := store.Retrieve(ctx, "kurti")
		require.NoError(t, err)
		require.Len(t, entries, 2)

		assert.Equal(t, core.SourceAmazon, entries[0].Source)
		assert.Equal(t, "Women Cotton Kurti", entries[0].Name)
		assert.Equal(t, "kurti", entries[0].Query)
		assert.Equal(t, "/images/Amazon/kurti/product_0.jpg", entries[0].ImageRef)
		assert.Equal(t, "/images/Myntra/kurti/product_1.jpg", entries[1].ImageRef)
		assert.NotZero(t, entries[0].ID)
	})

	t.Run("duplicates append", func(t *testing.T) {
		require.NoError(t, store.StoreRecord(ctx, "bottle", record(core.SourceMeesho, "Steel Bottle", 0)))
		entries, err := store.Retrieve(ctx, "bottle")
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("defaults fill missing fields", func(t *testing.T) {
		require.NoError(t, store.StoreRecord(ctx, "blank", &core.ProductRecord{Source: core.SourceFlipkart, Position: 2}))
		entries, err := store.Retrieve(ctx, "blank")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, core.UnknownProductName, entries[0].Name)
		assert.Equal(t, core.NotAvailable, entries[0].Price)
		assert.Empty(t, entries[0].Delivery)
	})

	t.Run("invalid record", func(t *testing.T) {
		err := store.StoreRecord(ctx, "x", &core.ProductRecord{Name: "no source"})
		assert.ErrorIs(t, err, core.ErrInvalidRecord)
	})
}

func TestRetrieve_TTL(t *testing.T) {
	store, clock, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreRecord(ctx, "kurti", record(core.SourceAmazon, "Kurti", 0)))
	require.NoError(t, store.StoreRecord(ctx, "kurti", record(core.SourceFlipkart, "Kurti 2", 0)))

	t.Run("fresh at the horizon", func(t *testing.T) {
		clock.Advance(storage.DefaultTTL)
		entries, err := store.Retrieve(ctx, "kurti")
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("stale group is deleted on read", func(t *testing.T) {
		clock.Advance(time.Minute)
		entries, err := store.Retrieve(ctx, "kurti")
		require.NoError(t, err)
		assert.Nil(t, entries)

		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.TotalItems)
	})
}

func TestRetrieve_ExpireHook(t *testing.T) {
	var expired []string
	var deleted int
	store, clock, _ := setupTestStore(t, WithTTL(time.Hour), WithExpireHook(func(query string, n int) {
		expired = append(expired, query)
		deleted += n
	}))
	ctx := context.Background()

	require.NoError(t, store.StoreRecord(ctx, "lamp", record(core.SourceAmazon, "Desk Lamp", 0)))
	require.NoError(t, store.StoreRecord(ctx, "lamp", record(core.SourceMeesho, "Floor Lamp", 0)))

	_, err := store.Retrieve(ctx, "lamp")
	require.NoError(t, err)
	assert.Empty(t, expired, "fresh group")

	clock.Advance(2 * time.Hour)
	entries, err := store.Retrieve(ctx, "lamp")
	require.NoError(t, err)
	assert.Nil(t, entries)
	assert.Equal(t, []string{"lamp"}, expired)
	assert.Equal(t, 2, deleted)

	_, err = store.Retrieve(ctx, "lamp")
	require.NoError(t, err)
	assert.Len(t, expired, 1, "absent group")
}

func TestRetrieve_FreshnessFromOneRow(t *testing.T) {
	// The group's age is taken from whichever row the store reads first,
	// which with an append-only table is the oldest one.
	store, clock, _ := setupTestStore(t, WithTTL(time.Hour))
	ctx := context.Background()

	require.NoError(t, store.StoreRecord(ctx, "shoes", record(core.SourceAmazon, "Old Runner", 0)))
	clock.Advance(50 * time.Minute)
	require.NoError(t, store.StoreRecord(ctx, "shoes", record(core.SourceAmazon, "New Runner", 1)))
	clock.Advance(20 * time.Minute)

	entries, err := store.Retrieve(ctx, "shoes")
	require.NoError(t, err)
	assert.Nil(t, entries, "whole group expires although one row is only 20 minutes old")
}

func TestSweepExpired(t *testing.T) {
	store, clock, _ := setupTestStore(t, WithSweepBatch(1))
	ctx := context.Background()
	start := clock.Now()

	// Entries aged 120, 90 and 30 minutes at sweep time.
	require.NoError(t, store.StoreRecord(ctx, "a", record(core.SourceAmazon, "A", 0)))
	clock.Set(start.Add(30 * time.Minute))
	require.NoError(t, store.StoreRecord(ctx, "b", record(core.SourceAmazon, "B", 0)))
	clock.Set(start.Add(90 * time.Minute))
	require.NoError(t, store.StoreRecord(ctx, "c", record(core.SourceAmazon, "C", 0)))
	clock.Set(start.Add(120 * time.Minute))

	deleted, err := store.SweepExpired(ctx, 60*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	names, err := store.ProductNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, names)

	t.Run("nothing left to sweep", func(t *testing.T) {
		deleted, err := store.SweepExpired(ctx, 60*time.Minute)
		require.NoError(t, err)
		assert.Zero(t, deleted)
	})
}

func TestSweepExpired_ManyBatches(t *testing.T) {
	store, clock, _ := setupTestStore(t, WithSweepBatch(7))
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, store.StoreRecord(ctx, "bulk", record(core.SourceMeesho, "Item", i)))
	}
	clock.Advance(2 * time.Hour)

	deleted, err := store.SweepExpired(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 50, deleted)
}

func TestAdminOperations(t *testing.T) {
	store, clock, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreRecord(ctx, "kurti", record(core.SourceAmazon, "Women Cotton Kurti", 0)))
	clock.Advance(time.Second)
	require.NoError(t, store.StoreRecord(ctx, "kurti", record(core.SourceMyntra, "Rayon Kurti", 0)))
	clock.Advance(time.Second)
	require.NoError(t, store.StoreRecord(ctx, "kurta", record(core.SourceAmazon, "Men's Kurta", 0)))
	clock.Advance(time.Second)
	require.NoError(t, store.StoreRecord(ctx, "ethnic", record(core.SourceFlipkart, "Women Cotton Kurti", 3)))

	t.Run("stats", func(t *testing.T) {
		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(4), stats.TotalItems)
		assert.Equal(t, int64(3), stats.TotalQueries)
		assert.Positive(t, stats.SizeBytes)
	})

	t.Run("recent", func(t *testing.T) {
		recent, err := store.Recent(ctx, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, "ethnic", recent[0].Query)
		assert.Equal(t, "kurta", recent[1].Query)
		assert.Greater(t, recent[0].ID, recent[1].ID)

		_, err = store.Recent(ctx, 0)
		assert.ErrorIs(t, err, storage.ErrInvalidQuery)
	})

	t.Run("product names are distinct", func(t *testing.T) {
		names, err := store.ProductNames(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"Women Cotton Kurti", "Rayon Kurti", "Men's Kurta"}, names)
	})

	t.Run("query for product picks latest", func(t *testing.T) {
		q, err := store.QueryForProduct(ctx, "Women Cotton Kurti")
		require.NoError(t, err)
		assert.Equal(t, "ethnic", q)

		_, err = store.QueryForProduct(ctx, "Nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("delete by query", func(t *testing.T) {
		n, err := store.DeleteByQuery(ctx, "kurti")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		entries, err := store.Retrieve(ctx, "kurti")
		require.NoError(t, err)
		assert.Nil(t, entries)
	})

	t.Run("delete by id", func(t *testing.T) {
		recent, err := store.Recent(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, store.DeleteByID(ctx, recent[0].ID))

		err = store.DeleteByID(ctx, recent[0].ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("clear", func(t *testing.T) {
		require.NoError(t, store.Clear(ctx))

		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.TotalItems)
		assert.Zero(t, stats.TotalQueries)
	})
}

func TestCacheImages(t *testing.T) {
	store, _, imageDir := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreRecord(ctx, "red shoes", record(core.SourceAmazon, "Runner", 0)))
	require.NoError(t, store.StoreRecord(ctx, "red shoes", record(core.SourceAmazon, "Sprinter", 1)))
	require.NoError(t, store.StoreRecord(ctx, "red shoes", record(core.SourceMyntra, "Walker", 0)))

	dir := filepath.Join(imageDir, "Amazon", "red shoes")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "product_1.jpg"), []byte("jpeg-bytes"), 0644))

	updated, err := store.CacheImages(ctx, "red shoes")
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	var image []byte
	err = store.db.QueryRow("SELECT image FROM product_cache WHERE name = ?", "Sprinter").Scan(&image)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), image)

	t.Run("query escaping the image root is skipped", func(t *testing.T) {
		query := "../../outside"
		require.NoError(t, store.StoreRecord(ctx, query, record(core.SourceAmazon, "Escaper", 0)))
		outside := filepath.Join(imageDir, filepath.FromSlash(core.ImagePath(core.SourceAmazon, query, 0)))
		require.NoError(t, os.MkdirAll(filepath.Dir(outside), 0755))
		require.NoError(t, os.WriteFile(outside, []byte("secret"), 0644))

		updated, err := store.CacheImages(ctx, query)
		require.NoError(t, err)
		assert.Zero(t, updated)

		var image []byte
		err = store.db.QueryRow("SELECT image FROM product_cache WHERE name = ?", "Escaper").Scan(&image)
		require.NoError(t, err)
		assert.Nil(t, image)
	})

	t.Run("no images at all", func(t *testing.T) {
		updated, err := store.CacheImages(ctx, "unknown")
		require.NoError(t, err)
		assert.Zero(t, updated)
	})
}
