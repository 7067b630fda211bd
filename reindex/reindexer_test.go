package reindex

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/poiesic/shopcache/ai/mock"
	"github.com/poiesic/shopcache/semantic"
	"github.com/poiesic/shopcache/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticNames struct {
	names []string
	err   error
}

func (s *staticNames) ProductNames(context.Context) ([]string, error) {
	return s.names, s.err
}

type fakeIndex struct {
	rebuilt [][]string
	err     error
}

func (f *fakeIndex) RebuildWithProgress(_ context.Context, names []string, report func(int)) error {
	if f.err != nil {
		return f.err
	}
	f.rebuilt = append(f.rebuilt, names)
	report(len(names))
	return nil
}

func TestNewReindexer(t *testing.T) {
	_, err := NewReindexer(nil, &fakeIndex{})
	assert.Error(t, err)
	_, err = NewReindexer(&staticNames{}, nil)
	assert.Error(t, err)

	r, err := NewReindexer(&staticNames{}, &fakeIndex{}, WithProgress(nil, 5), WithLogger(nil))
	require.NoError(t, err)
	assert.Equal(t, 5, r.reportInterval)
}

func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("rebuilds from every name", func(t *testing.T) {
		index := &fakeIndex{}
		var out bytes.Buffer
		r, err := NewReindexer(&staticNames{names: []string{"a", "b", "c"}}, index, WithProgress(&out, 1))
		require.NoError(t, err)

		n, err := r.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Equal(t, [][]string{{"a", "b", "c"}}, index.rebuilt)
		assert.Contains(t, out.String(), "Starting reindex of 3 product names")
		assert.Contains(t, out.String(), "Reindex complete")
	})

	t.Run("empty store clears the index", func(t *testing.T) {
		index := &fakeIndex{}
		var out bytes.Buffer
		r, err := NewReindexer(&staticNames{}, index, WithProgress(&out, 1))
		require.NoError(t, err)

		n, err := r.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		require.Len(t, index.rebuilt, 1)
		assert.Empty(t, index.rebuilt[0])
		assert.Contains(t, out.String(), "clearing index")
	})

	t.Run("listing failure", func(t *testing.T) {
		index := &fakeIndex{}
		r, err := NewReindexer(&staticNames{err: errors.New("db locked")}, index)
		require.NoError(t, err)

		_, err = r.Run(ctx)
		assert.ErrorContains(t, err, "db locked")
		assert.Empty(t, index.rebuilt)
	})

	t.Run("rebuild failure", func(t *testing.T) {
		r, err := NewReindexer(&staticNames{names: []string{"a"}}, &fakeIndex{err: errors.New("model offline")})
		require.NoError(t, err)

		_, err = r.Run(ctx)
		assert.ErrorContains(t, err, "model offline")
	})
}

func TestRun_SemanticEngine(t *testing.T) {
	ctx := context.Background()
	repo, backend, err := badger.NewMemorySemanticRepository()
	require.NoError(t, err)
	defer func() {
		repo.Close()
		backend.Close()
	}()

	engine, err := semantic.NewEngine(mock.NewMockEmbedder(), repo, filepath.Join(t.TempDir(), "semantic.hnsw"), semantic.WithBatchSize(2))
	require.NoError(t, err)
	require.NoError(t, engine.AddProducts(ctx, []string{"Yoga Mat", "Chess Board", "Water Bottle"}))

	var out bytes.Buffer
	r, err := NewReindexer(&staticNames{names: []string{"Yoga Mat", "Water Bottle"}}, engine, WithProgress(&out, 1))
	require.NoError(t, err)

	n, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, engine.Len())
	assert.Contains(t, out.String(), "2/2")

	decision, err := engine.Search(ctx, "Chess Board")
	require.NoError(t, err)
	assert.False(t, decision.Known)
}
