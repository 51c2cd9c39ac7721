// Package docstore is the authoritative, durable document table and
// index-task queue memoscore's Core Engine drives ingestion and sync
// through. See SPEC_FULL.md §4.1.
package docstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite" // pure-Go SQLite driver, no CGO

	"github.com/ytd3q/memoscore/internal/clock"
)

// TaskStatus is the lifecycle state of an index task.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskFailed  TaskStatus = "failed"
	TaskDone    TaskStatus = "done"
)

// ErrNotFound indicates a document id has no corresponding row.
var ErrNotFound = errors.New("docstore: document not found")

// DefaultHydrateCacheSize bounds the number of hydrated documents kept
// in memory between query-path lookups.
const DefaultHydrateCacheSize = 512

// Fetched is the nullable view of a document used by the sync worker.
// EmbeddingJSON is the raw stored JSON, left undecoded: dimension and
// parse errors are per-task indexing failures the sync worker records on
// the task row, not docstore-level errors.
type Fetched struct {
	Collection    string
	Path          string
	Content       string
	EmbeddingJSON *string
}

// Hydrated is the view of a document used by the query path.
type Hydrated struct {
	Collection string
	Path       string
	Content    string
}

// Store is the SQLite-backed document table and task queue. A Store must
// not be used concurrently from multiple goroutines without external
// synchronization beyond what its single internal connection already
// serializes — the Core Engine is the single logical owner (spec §5).
type Store struct {
	db    *sql.DB
	clock clock.Clock
	cache *lru.Cache[int64, Hydrated]
}

// Open creates or opens the document store at path, running schema
// migrations, and configures the connection for single-writer WAL
// durability per SPEC_FULL.md §4.1. cacheSize <= 0 uses
// DefaultHydrateCacheSize.
func Open(path string, clk clock.Clock, cacheSize int) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create docstore directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Single writer: serialize all access through one connection so WAL
	// durability and the task-queue invariants hold under concurrent callers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	if cacheSize <= 0 {
		cacheSize = DefaultHydrateCacheSize
	}
	cache, err := lru.New[int64, Hydrated](cacheSize)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create hydrate cache: %w", err)
	}

	return &Store{db: db, clock: clk, cache: cache}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// EncodeEmbedding serializes a dense vector to the document store's
// embedding_json representation.
func EncodeEmbedding(vec []float32) (string, error) {
	b, err := json.Marshal(vec)
	if err != nil {
		return "", fmt.Errorf("encode embedding: %w", err)
	}
	return string(b), nil
}

// DecodeEmbedding parses the document store's embedding_json
// representation back into a dense vector.
func DecodeEmbedding(s string) ([]float32, error) {
	var vec []float32
	if err := json.Unmarshal([]byte(s), &vec); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	return vec, nil
}

// Upsert inserts or overwrites the row for (collection, path), resetting
// indexed_at_ms to NULL, and atomically upserts its index task back to
// pending with both flags set. Returns the row's stable id. If
// updatedAtMs is nil, the Store's Clock fills it.
func (s *Store) Upsert(collection, path, content string, embedding []float32, updatedAtMs *int64) (int64, error) {
	if collection == "" {
		return 0, fmt.Errorf("docstore: collection must not be empty")
	}
	if path == "" {
		return 0, fmt.Errorf("docstore: path must not be empty")
	}

	ts := s.clock.NowMillis()
	if updatedAtMs != nil {
		ts = *updatedAtMs
	}

	var embeddingJSON sql.NullString
	if embedding != nil {
		enc, err := EncodeEmbedding(embedding)
		if err != nil {
			return 0, err
		}
		embeddingJSON = sql.NullString{String: enc, Valid: true}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO documents(collection, path, content, updated_at_unix_ms, indexed_at_unix_ms, embedding_json)
		VALUES (?, ?, ?, ?, NULL, ?)
		ON CONFLICT(collection, path) DO UPDATE SET
			content = excluded.content,
			updated_at_unix_ms = excluded.updated_at_unix_ms,
			indexed_at_unix_ms = NULL,
			embedding_json = excluded.embedding_json
	`, collection, path, content, ts, embeddingJSON)
	if err != nil {
		return 0, fmt.Errorf("upsert document: %w", err)
	}

	var id int64
	if err := tx.QueryRow(`SELECT id FROM documents WHERE collection = ? AND path = ?`, collection, path).Scan(&id); err != nil {
		return 0, fmt.Errorf("select document id: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO index_tasks(doc_id, need_text, need_vector, status, retries, last_error, updated_at_unix_ms)
		VALUES (?, 1, 1, ?, 0, NULL, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			need_text = 1,
			need_vector = 1,
			status = excluded.status,
			last_error = NULL,
			updated_at_unix_ms = excluded.updated_at_unix_ms
	`, id, string(TaskPending), ts)
	if err != nil {
		return 0, fmt.Errorf("upsert index task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit upsert: %w", err)
	}

	s.cache.Remove(id)
	return id, nil
}

// Fetch returns the nullable view of a document for the sync worker. A
// missing id returns (nil, nil), not an error.
func (s *Store) Fetch(id int64) (*Fetched, error) {
	var (
		f             Fetched
		embeddingJSON sql.NullString
	)
	row := s.db.QueryRow(`SELECT collection, path, content, embedding_json FROM documents WHERE id = ?`, id)
	switch err := row.Scan(&f.Collection, &f.Path, &f.Content, &embeddingJSON); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("fetch document %d: %w", id, err)
	}
	if embeddingJSON.Valid {
		f.EmbeddingJSON = &embeddingJSON.String
	}
	return &f, nil
}

// Hydrate returns (collection, path, content) for the query path. It
// fails if the id is missing, which indicates store/index divergence —
// an internal invariant violation, not a caller error. Results are
// served from and populated into an LRU cache invalidated on Upsert.
func (s *Store) Hydrate(id int64) (Hydrated, error) {
	if h, ok := s.cache.Get(id); ok {
		return h, nil
	}

	var h Hydrated
	row := s.db.QueryRow(`SELECT collection, path, content FROM documents WHERE id = ?`, id)
	switch err := row.Scan(&h.Collection, &h.Path, &h.Content); {
	case errors.Is(err, sql.ErrNoRows):
		return Hydrated{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	case err != nil:
		return Hydrated{}, fmt.Errorf("hydrate document %d: %w", id, err)
	}

	s.cache.Add(id, h)
	return h, nil
}

// PendingTasks returns up to limit doc ids with status != done, ordered
// ascending by updated_at_ms so older rows (including retried failures)
// are drained before a fresh upsert burst starves them.
func (s *Store) PendingTasks(limit int) ([]int64, error) {
	rows, err := s.db.Query(`
		SELECT doc_id FROM index_tasks
		WHERE status != ?
		ORDER BY updated_at_unix_ms ASC
		LIMIT ?
	`, string(TaskDone), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending tasks: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending task: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkTaskDone marks a task as done and sets the document's indexed_at_ms
// in one transaction.
func (s *Store) MarkTaskDone(id int64, indexedAtMs int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin mark done: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`UPDATE index_tasks SET status = ?, last_error = NULL WHERE doc_id = ?`, string(TaskDone), id); err != nil {
		return fmt.Errorf("mark task done: %w", err)
	}
	if _, err := tx.Exec(`UPDATE documents SET indexed_at_unix_ms = ? WHERE id = ?`, indexedAtMs, id); err != nil {
		return fmt.Errorf("set indexed_at: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark done: %w", err)
	}
	s.cache.Remove(id)
	return nil
}

// MarkTaskFailed marks a task failed, incrementing retries and recording
// the error. Retries are unlimited; no backoff is imposed (spec §7).
func (s *Store) MarkTaskFailed(id int64, cause string) error {
	_, err := s.db.Exec(`
		UPDATE index_tasks
		SET status = ?, retries = retries + 1, last_error = ?
		WHERE doc_id = ?
	`, string(TaskFailed), cause, id)
	if err != nil {
		return fmt.Errorf("mark task failed: %w", err)
	}
	return nil
}

// RetireTask marks a task done without touching the document row — used
// by the sync worker's stale-reference sweep when the task's document no
// longer exists.
func (s *Store) RetireTask(id int64) error {
	_, err := s.db.Exec(`UPDATE index_tasks SET status = ? WHERE doc_id = ?`, string(TaskDone), id)
	if err != nil {
		return fmt.Errorf("retire stale task: %w", err)
	}
	return nil
}

// AllDoneIDs returns every document id whose task has reached done,
// for cross-store consistency auditing against the text index, which
// holds exactly one record per done document regardless of embedding.
func (s *Store) AllDoneIDs() ([]int64, error) {
	return s.queryIDs(`SELECT doc_id FROM index_tasks WHERE status = ?`, string(TaskDone))
}

// AllDoneIDsWithEmbedding returns every done document id whose row also
// carries a stored embedding, for cross-store consistency auditing
// against the vector index — a done document with no embedding was
// never eligible for the vector step (spec: "only if ... an embedding
// is present") and must not be flagged as missing from it.
func (s *Store) AllDoneIDsWithEmbedding() ([]int64, error) {
	return s.queryIDs(`
		SELECT t.doc_id FROM index_tasks t
		JOIN documents d ON d.id = t.doc_id
		WHERE t.status = ? AND d.embedding_json IS NOT NULL
	`, string(TaskDone))
}

func (s *Store) queryIDs(query string, args ...any) ([]int64, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
