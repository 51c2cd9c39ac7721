package vectorindex

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Given: a fresh index
// When: vectors are replaced in and searched
// Then: the nearest vector by squared-L2 distance is returned first
func TestIndex_ReplaceAndSearch_ReturnsNearestFirst(t *testing.T) {
	idx := New(2)

	require.NoError(t, idx.Replace(1, []float32{0, 0}))
	require.NoError(t, idx.Replace(2, []float32{10, 10}))
	require.NoError(t, idx.Replace(3, []float32{0.1, 0.1}))

	hits, err := idx.Search([]float32{0, 0}, 2)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, int64(1), hits[0].ID)
}

// Given: a vector of the wrong length
// When: Replace or Search is called
// Then: ErrDimensionMismatch is returned
func TestIndex_DimensionMismatch_Rejected(t *testing.T) {
	idx := New(3)

	err := idx.Replace(1, []float32{1, 2})
	var mismatch ErrDimensionMismatch
	assert.ErrorAs(t, err, &mismatch)

	require.NoError(t, idx.Replace(1, []float32{1, 2, 3}))
	_, err = idx.Search([]float32{1, 2}, 1)
	assert.ErrorAs(t, err, &mismatch)
}

// Given: a document already present
// When: Replace is called again with a new vector under the same id
// Then: the old node is dropped from the live set and only the new one is returned
func TestIndex_Replace_SameID_ReplacesInPlace(t *testing.T) {
	idx := New(2)

	require.NoError(t, idx.Replace(1, []float32{0, 0}))
	require.NoError(t, idx.Replace(1, []float32{5, 5}))

	ids := idx.AllIDs()
	assert.Equal(t, []int64{1}, ids)

	hits, err := idx.Search([]float32{5, 5}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 0, hits[0].Distance, 1e-6)
}

// Given: an empty index
// When: Search is called
// Then: it returns no hits and no error
func TestIndex_Search_EmptyIndex_ReturnsNoHits(t *testing.T) {
	idx := New(2)

	hits, err := idx.Search([]float32{0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

// Given: a persisted index
// When: it is loaded from disk
// Then: its vectors and dimensionality survive the round trip
func TestIndex_PersistAndLoad_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vectors.hnsw")

	idx := New(2)
	require.NoError(t, idx.Replace(1, []float32{1, 1}))
	require.NoError(t, idx.Replace(2, []float32{9, 9}))
	require.NoError(t, idx.Persist(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Dimensions())
	assert.ElementsMatch(t, []int64{1, 2}, loaded.AllIDs())

	hits, err := loaded.Search([]float32{1, 1}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(1), hits[0].ID)
}

// Given: a closed index
// When: Replace or Search is called
// Then: both return an error
func TestIndex_Closed_RejectsOperations(t *testing.T) {
	idx := New(2)
	require.NoError(t, idx.Close())

	err := idx.Replace(1, []float32{0, 0})
	assert.Error(t, err)

	_, err = idx.Search([]float32{0, 0}, 1)
	assert.Error(t, err)
}
