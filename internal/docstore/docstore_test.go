package docstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytd3q/memoscore/internal/clock"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "docs.sqlite"), clock.Fixed(1000), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Given: a fresh store
// When: a document is upserted
// Then: it gets a stable id and a pending task with both flags set
func TestStore_Upsert_CreatesDocumentAndPendingTask(t *testing.T) {
	s := openTestStore(t)

	id, err := s.Upsert("notes", "a.md", "hello world", nil, nil)
	require.NoError(t, err)
	assert.Positive(t, id)

	ids, err := s.PendingTasks(10)
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, ids)
}

// Given: an existing document
// When: it is upserted again with new content
// Then: the same id is reused, content is replaced, and the task is reset to pending
func TestStore_Upsert_SamePathReplacesAndResetsTask(t *testing.T) {
	s := openTestStore(t)

	id1, err := s.Upsert("notes", "a.md", "v1", nil, nil)
	require.NoError(t, err)

	err = s.MarkTaskDone(id1, 2000)
	require.NoError(t, err)

	id2, err := s.Upsert("notes", "a.md", "v2", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	ids, err := s.PendingTasks(10)
	require.NoError(t, err)
	assert.Equal(t, []int64{id2}, ids)

	fetched, err := s.Fetch(id2)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, "v2", fetched.Content)
}

// Given: an embedding passed to Upsert
// When: the document is fetched
// Then: the embedding round-trips through its JSON encoding
func TestStore_Upsert_WithEmbedding_RoundTrips(t *testing.T) {
	s := openTestStore(t)

	vec := []float32{0.5, -0.25, 1.0}
	id, err := s.Upsert("notes", "a.md", "hello", vec, nil)
	require.NoError(t, err)

	fetched, err := s.Fetch(id)
	require.NoError(t, err)
	require.NotNil(t, fetched.EmbeddingJSON)

	decoded, err := DecodeEmbedding(*fetched.EmbeddingJSON)
	require.NoError(t, err)
	assert.Equal(t, vec, decoded)
}

// Given: a nonexistent id
// When: Fetch is called
// Then: it returns (nil, nil), not an error
func TestStore_Fetch_MissingID_ReturnsNilNil(t *testing.T) {
	s := openTestStore(t)

	fetched, err := s.Fetch(999)
	require.NoError(t, err)
	assert.Nil(t, fetched)
}

// Given: a nonexistent id
// When: Hydrate is called
// Then: it returns ErrNotFound
func TestStore_Hydrate_MissingID_ReturnsErrNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Hydrate(999)
	assert.ErrorIs(t, err, ErrNotFound)
}

// Given: an upserted document
// When: Hydrate is called twice
// Then: both calls return the same content, the second served from cache
func TestStore_Hydrate_CachesResult(t *testing.T) {
	s := openTestStore(t)

	id, err := s.Upsert("notes", "a.md", "hello world", nil, nil)
	require.NoError(t, err)

	h1, err := s.Hydrate(id)
	require.NoError(t, err)
	assert.Equal(t, "hello world", h1.Content)

	h2, err := s.Hydrate(id)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

// Given: a pending task
// When: MarkTaskDone is called
// Then: the task no longer appears in PendingTasks and indexed_at is set
func TestStore_MarkTaskDone_RemovesFromPending(t *testing.T) {
	s := openTestStore(t)

	id, err := s.Upsert("notes", "a.md", "hello", nil, nil)
	require.NoError(t, err)

	err = s.MarkTaskDone(id, 5000)
	require.NoError(t, err)

	ids, err := s.PendingTasks(10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	done, err := s.AllDoneIDs()
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, done)
}

// Given: a pending task
// When: MarkTaskFailed is called
// Then: the task stays pending-equivalent (status failed, still != done) and retries increments
func TestStore_MarkTaskFailed_StaysInQueueWithRetryCount(t *testing.T) {
	s := openTestStore(t)

	id, err := s.Upsert("notes", "a.md", "hello", nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.MarkTaskFailed(id, "embedding dimension mismatch"))
	require.NoError(t, s.MarkTaskFailed(id, "embedding dimension mismatch"))

	ids, err := s.PendingTasks(10)
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, ids)

	var retries int
	row := s.db.QueryRow(`SELECT retries FROM index_tasks WHERE doc_id = ?`, id)
	require.NoError(t, row.Scan(&retries))
	assert.Equal(t, 2, retries)
}

// Given: a document whose task has been retired
// When: PendingTasks is queried
// Then: it is no longer returned
func TestStore_RetireTask_RemovesFromPending(t *testing.T) {
	s := openTestStore(t)

	id, err := s.Upsert("notes", "a.md", "hello", nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.RetireTask(id))

	ids, err := s.PendingTasks(10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

// Given: reopening an existing store file
// When: Open runs migrate again
// Then: no error occurs and previously written documents survive
func TestStore_Open_ReopenPreservesData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docs.sqlite")

	s1, err := Open(path, clock.Fixed(1000), 0)
	require.NoError(t, err)
	id, err := s1.Upsert("notes", "a.md", "hello", nil, nil)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path, clock.Fixed(2000), 0)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	fetched, err := s2.Fetch(id)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, "hello", fetched.Content)
}

// Given: two done documents, only one with a stored embedding
// When: AllDoneIDsWithEmbedding is called
// Then: only the embedded document's id is returned
func TestStore_AllDoneIDsWithEmbedding_ExcludesTextOnlyDocuments(t *testing.T) {
	s := openTestStore(t)

	withEmbedding, err := s.Upsert("notes", "a.md", "hello", []float32{1, 0}, nil)
	require.NoError(t, err)
	textOnly, err := s.Upsert("notes", "b.md", "world", nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.MarkTaskDone(withEmbedding, 1000))
	require.NoError(t, s.MarkTaskDone(textOnly, 1000))

	done, err := s.AllDoneIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{withEmbedding, textOnly}, done)

	embedded, err := s.AllDoneIDsWithEmbedding()
	require.NoError(t, err)
	assert.Equal(t, []int64{withEmbedding}, embedded)
}

// Given: empty collection or path
// When: Upsert is called
// Then: it returns an error instead of writing a malformed row
func TestStore_Upsert_RejectsEmptyFields(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Upsert("", "a.md", "hello", nil, nil)
	assert.Error(t, err)

	_, err = s.Upsert("notes", "", "hello", nil, nil)
	assert.Error(t, err)
}
