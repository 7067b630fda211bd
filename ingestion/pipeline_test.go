package ingestion

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testIndex implements Index for testing
type testIndex struct {
	mu      sync.Mutex
	batches [][]string
	active  atomic.Int32
	overlap atomic.Bool
	delay   time.Duration
	err     error
	panics  bool
}

func (x *testIndex) AddProducts(_ context.Context, names []string) error {
	if x.active.Add(1) > 1 {
		x.overlap.Store(true)
	}
	defer x.active.Add(-1)

	if x.delay > 0 {
		time.Sleep(x.delay)
	}
	if x.panics {
		panic("index exploded")
	}
	x.mu.Lock()
	x.batches = append(x.batches, names)
	x.mu.Unlock()
	return x.err
}

func (x *testIndex) recorded() [][]string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([][]string(nil), x.batches...)
}

func TestNewPipeline(t *testing.T) {
	t.Run("valid configuration", func(t *testing.T) {
		p, err := NewPipeline(&testIndex{})
		require.NoError(t, err)
		defer p.Release()
		assert.NotNil(t, p.indexPool)
		assert.Equal(t, 1, p.indexPool.Cap())
	})

	t.Run("with options", func(t *testing.T) {
		p, err := NewPipeline(&testIndex{}, WithPoolSize(3), WithLogger(slog.Default()))
		require.NoError(t, err)
		defer p.Release()
		assert.Equal(t, 3, p.taskPool.Cap())
	})

	t.Run("pool size is clamped", func(t *testing.T) {
		p, err := NewPipeline(&testIndex{}, WithPoolSize(0))
		require.NoError(t, err)
		defer p.Release()
		assert.Equal(t, 1, p.taskPool.Cap())
	})

	t.Run("missing index", func(t *testing.T) {
		_, err := NewPipeline(nil)
		assert.ErrorIs(t, err, ErrIndexRequired)
	})
}

func TestIngest(t *testing.T) {
	t.Run("applies batches in order without overlap", func(t *testing.T) {
		index := &testIndex{delay: 30 * time.Millisecond}
		p, err := NewPipeline(index)
		require.NoError(t, err)
		defer p.Release()

		start := time.Now()
		require.NoError(t, p.Ingest([]string{"a", "b"}))
		require.NoError(t, p.Ingest([]string{"c"}))
		require.NoError(t, p.Ingest([]string{"d", "e", "f"}))
		assert.Less(t, time.Since(start), 30*time.Millisecond, "ingest does not wait for the index")

		p.Wait()
		assert.Equal(t, [][]string{{"a", "b"}, {"c"}, {"d", "e", "f"}}, index.recorded())
		assert.False(t, index.overlap.Load())
		assert.Equal(t, 0, p.Pending())
	})

	t.Run("empty batch is ignored", func(t *testing.T) {
		index := &testIndex{}
		p, err := NewPipeline(index)
		require.NoError(t, err)
		defer p.Release()

		require.NoError(t, p.Ingest(nil))
		p.Wait()
		assert.Empty(t, index.recorded())
	})

	t.Run("caller slice is copied", func(t *testing.T) {
		index := &testIndex{delay: 5 * time.Millisecond}
		p, err := NewPipeline(index)
		require.NoError(t, err)
		defer p.Release()

		names := []string{"a"}
		require.NoError(t, p.Ingest(names))
		names[0] = "changed"
		p.Wait()
		assert.Equal(t, [][]string{{"a"}}, index.recorded())
	})

	t.Run("index errors are absorbed", func(t *testing.T) {
		index := &testIndex{err: errors.New("disk full")}
		p, err := NewPipeline(index)
		require.NoError(t, err)
		defer p.Release()

		require.NoError(t, p.Ingest([]string{"a"}))
		require.NoError(t, p.Ingest([]string{"b"}))
		p.Wait()
		assert.Len(t, index.recorded(), 2)
	})

	t.Run("index panics are absorbed", func(t *testing.T) {
		index := &testIndex{panics: true}
		p, err := NewPipeline(index)
		require.NoError(t, err)
		defer p.Release()

		require.NoError(t, p.Ingest([]string{"a"}))
		p.Wait()

		index.panics = false
		require.NoError(t, p.Ingest([]string{"b"}))
		p.Wait()
		assert.Equal(t, [][]string{{"b"}}, index.recorded())
	})

	t.Run("released pipeline rejects work", func(t *testing.T) {
		p, err := NewPipeline(&testIndex{})
		require.NoError(t, err)
		p.Release()
		p.Release()

		assert.ErrorIs(t, p.Ingest([]string{"a"}), ErrPipelineReleased)
		assert.ErrorIs(t, p.Go("sweep", func(context.Context) error { return nil }), ErrPipelineReleased)
	})

	t.Run("release flushes queued work", func(t *testing.T) {
		index := &testIndex{delay: 5 * time.Millisecond}
		p, err := NewPipeline(index)
		require.NoError(t, err)

		require.NoError(t, p.Ingest([]string{"a"}))
		require.NoError(t, p.Ingest([]string{"b"}))
		p.Release()
		assert.Len(t, index.recorded(), 2)
	})
}

func TestGo(t *testing.T) {
	p, err := NewPipeline(&testIndex{}, WithPoolSize(2))
	require.NoError(t, err)
	defer p.Release()

	var ran atomic.Int32
	require.NoError(t, p.Go("ok", func(context.Context) error {
		ran.Add(1)
		return nil
	}))
	require.NoError(t, p.Go("failing", func(context.Context) error {
		ran.Add(1)
		return errors.New("sweep failed")
	}))
	p.Wait()
	assert.Equal(t, int32(2), ran.Load())

	require.NoError(t, p.Go("panicking", func(context.Context) error {
		panic("boom")
	}))
	p.Wait()
}
