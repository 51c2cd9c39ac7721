// Package memoscore is an embeddable hybrid-search core combining a
// durable document store, a full-text index, and a vector ANN index
// behind a task-queue-driven sync pass and a fixed-weight fusion query
// path. See SPEC_FULL.md for the full component design.
package memoscore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/ytd3q/memoscore/internal/clock"
	"github.com/ytd3q/memoscore/internal/consistency"
	"github.com/ytd3q/memoscore/internal/docstore"
	"github.com/ytd3q/memoscore/internal/filelock"
	"github.com/ytd3q/memoscore/internal/textindex"
	"github.com/ytd3q/memoscore/internal/vectorindex"
)

const (
	documentsFileName   = "memoscore.sqlite"
	textIndexDirName    = "bleve_index"
	vectorIndexFileName = "vector_index.hnsw"

	textRecallMultiplier = 4

	textWeight   = 0.55
	vectorWeight = 0.45
)

// Core is a single open handle over one base_dir's three stores. It is
// the single logical owner of its on-disk state: operations are
// synchronous, blocking, and must not be called concurrently from
// multiple goroutines on the same handle.
type Core struct {
	baseDir    string
	dimension  int
	clock      clock.Clock
	lock       *filelock.Lock
	docs       *docstore.Store
	text       *textindex.Index
	vector     *vectorindex.Index
	vectorPath string
	closed     bool
}

// Open creates base_dir and its children if missing, and opens or
// creates the three stores. capacity is an advisory initial-capacity
// hint; coder/hnsw (unlike usearch) has no reserve-capacity call to
// forward it to, so it is validated but otherwise unused.
func Open(baseDir string, dimension int, capacity int) (*Core, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("memoscore: dimension must be positive, got %d", dimension)
	}
	if capacity < 0 {
		return nil, fmt.Errorf("memoscore: capacity must be non-negative, got %d", capacity)
	}

	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create base_dir: %w", err)
	}

	lock := filelock.New(baseDir)
	if err := lock.TryAcquire(); err != nil {
		return nil, err
	}

	clk := clock.System{}

	docs, err := docstore.Open(filepath.Join(baseDir, documentsFileName), clk, 0)
	if err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("open document store: %w", err)
	}

	text, err := textindex.Open(filepath.Join(baseDir, textIndexDirName))
	if err != nil {
		_ = docs.Close()
		_ = lock.Release()
		return nil, fmt.Errorf("open text index: %w", err)
	}

	vectorPath := filepath.Join(baseDir, vectorIndexFileName)
	vector, err := openOrCreateVectorIndex(vectorPath, dimension)
	if err != nil {
		_ = text.Close()
		_ = docs.Close()
		_ = lock.Release()
		return nil, fmt.Errorf("open vector index: %w", err)
	}

	return &Core{
		baseDir:    baseDir,
		dimension:  dimension,
		clock:      clk,
		lock:       lock,
		docs:       docs,
		text:       text,
		vector:     vector,
		vectorPath: vectorPath,
	}, nil
}

func openOrCreateVectorIndex(path string, dimension int) (*vectorindex.Index, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return vectorindex.New(dimension), nil
	}

	idx, err := vectorindex.Load(path)
	if err != nil {
		return nil, err
	}
	if idx.Dimensions() != dimension {
		_ = idx.Close()
		return nil, ErrDimensionMismatch{Expected: dimension, Got: idx.Dimensions()}
	}
	return idx, nil
}

// BaseDir returns the directory this Core was opened against.
func (c *Core) BaseDir() string {
	return c.baseDir
}

// Close releases the document store connection, the text and vector
// indices, and the process-exclusive lock on base_dir. Calls after the
// first return nil; every other method returns ErrClosed once the
// handle is closed.
func (c *Core) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	var firstErr error
	if err := c.text.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.vector.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.docs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.lock.Release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// UpsertDocuments ingests docs into collection, in iteration order.
// Returns the count processed. A descriptor-level failure aborts the
// batch at the first offending descriptor; prior writes in the batch
// remain durably committed.
func (c *Core) UpsertDocuments(collection string, docs []Document) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	if collection == "" {
		return 0, fmt.Errorf("memoscore: collection must not be empty")
	}

	for i, d := range docs {
		if _, err := c.docs.Upsert(collection, d.Path, d.Content, d.Embedding, d.UpdatedAtMs); err != nil {
			return i, fmt.Errorf("upsert document %d (%s): %w", i, d.Path, err)
		}
	}
	return len(docs), nil
}

// SyncIndexTasks drains up to limit pending/failed tasks, replaying each
// document into the text and vector indices, and returns the number of
// tasks that transitioned to done. See SPEC_FULL.md §4.4 for the Core
// Engine's sync pass.
func (c *Core) SyncIndexTasks(limit int) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}

	ids, err := c.docs.PendingTasks(limit)
	if err != nil {
		return 0, fmt.Errorf("list pending tasks: %w", err)
	}

	succeeded := 0
	for _, id := range ids {
		fetched, err := c.docs.Fetch(id)
		if err != nil {
			return succeeded, fmt.Errorf("fetch document %d: %w", id, err)
		}
		if fetched == nil {
			if err := c.docs.RetireTask(id); err != nil {
				return succeeded, fmt.Errorf("retire stale task %d: %w", id, err)
			}
			continue
		}

		taskErr := c.text.Replace(id, fetched.Collection, fetched.Path, fetched.Content)

		if taskErr == nil && fetched.EmbeddingJSON != nil {
			vec, decodeErr := docstore.DecodeEmbedding(*fetched.EmbeddingJSON)
			switch {
			case decodeErr != nil:
				taskErr = fmt.Errorf("decode embedding: %w", decodeErr)
			case len(vec) != c.dimension:
				taskErr = ErrDimensionMismatch{Expected: c.dimension, Got: len(vec)}
			default:
				taskErr = c.vector.Replace(id, vec)
			}
		}

		if taskErr != nil {
			slog.Warn("index_task_failed", slog.Int64("doc_id", id), slog.String("error", taskErr.Error()))
			if err := c.docs.MarkTaskFailed(id, taskErr.Error()); err != nil {
				return succeeded, fmt.Errorf("mark task %d failed: %w", id, err)
			}
			continue
		}

		if err := c.docs.MarkTaskDone(id, c.clock.NowMillis()); err != nil {
			return succeeded, fmt.Errorf("mark task %d done: %w", id, err)
		}
		succeeded++
	}

	if succeeded > 0 {
		if err := c.text.Commit(); err != nil {
			return succeeded, fmt.Errorf("commit text index: %w", err)
		}
		if err := c.vector.Persist(c.vectorPath); err != nil {
			return succeeded, fmt.Errorf("persist vector index: %w", err)
		}
	}

	return succeeded, nil
}

// CheckConsistency audits the document store's done-task id set against
// the text and vector indices' id sets, reporting any orphan or gap. It
// is read-only; repair runs back through SyncIndexTasks, not this call.
func (c *Core) CheckConsistency() (*consistency.Report, error) {
	if c.closed {
		return nil, ErrClosed
	}
	report, err := consistency.Check(c.docs, c.text, c.vector)
	if err != nil {
		return nil, fmt.Errorf("check consistency: %w", err)
	}
	return report, nil
}

type scored struct {
	id          int64
	textScore   float64
	vectorScore float64
	hasText     bool
	hasVector   bool
}

// Search runs the fixed-weight hybrid query path: parallel per-modality
// recall, per-modality max-normalization, 0.55/0.45 fusion, deterministic
// sort, truncation, hydration, and post-fusion collection filtering.
func (c *Core) Search(opts SearchOptions) ([]Result, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if opts.TopK <= 0 {
		return nil, nil
	}
	if opts.QueryText == "" && len(opts.QueryVec) == 0 {
		return nil, nil
	}
	if len(opts.QueryVec) > 0 && len(opts.QueryVec) != c.dimension {
		return nil, ErrDimensionMismatch{Expected: c.dimension, Got: len(opts.QueryVec)}
	}

	kPrime := opts.TopK * textRecallMultiplier

	var textHits []textindex.Hit
	var vectorHits []vectorindex.Hit

	g, ctx := errgroup.WithContext(context.Background())
	if opts.QueryText != "" {
		g.Go(func() error {
			hits, err := c.text.Search(ctx, opts.QueryText, kPrime)
			if err != nil {
				return fmt.Errorf("text search: %w", err)
			}
			textHits = hits
			return nil
		})
	}
	if len(opts.QueryVec) > 0 {
		g.Go(func() error {
			hits, err := c.vector.Search(opts.QueryVec, kPrime)
			if err != nil {
				return fmt.Errorf("vector search: %w", err)
			}
			vectorHits = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := make(map[int64]*scored)
	get := func(id int64) *scored {
		s, ok := fused[id]
		if !ok {
			s = &scored{id: id}
			fused[id] = s
		}
		return s
	}

	textMax := 0.0
	for _, h := range textHits {
		if h.Score > textMax {
			textMax = h.Score
		}
	}
	if textMax <= 0 {
		textMax = 1
	}
	for _, h := range textHits {
		s := get(h.ID)
		s.textScore = h.Score / textMax
		s.hasText = true
	}

	simMax := 0.0
	sims := make(map[int64]float64, len(vectorHits))
	for _, h := range vectorHits {
		d := math.Max(float64(h.Distance), 0)
		sim := 1.0 / (1.0 + d)
		sims[h.ID] = sim
		if sim > simMax {
			simMax = sim
		}
	}
	if simMax <= 0 {
		simMax = 1
	}
	for _, h := range vectorHits {
		s := get(h.ID)
		s.vectorScore = sims[h.ID] / simMax
		s.hasVector = true
	}

	ranked := make([]*scored, 0, len(fused))
	for _, s := range fused {
		ranked = append(ranked, s)
	}

	finalScore := func(s *scored) float64 {
		return textWeight*s.textScore + vectorWeight*s.vectorScore
	}
	sort.Slice(ranked, func(i, j int) bool {
		si, sj := finalScore(ranked[i]), finalScore(ranked[j])
		if si != sj {
			return si > sj
		}
		return ranked[i].id < ranked[j].id
	})

	if len(ranked) > opts.TopK {
		ranked = ranked[:opts.TopK]
	}

	results := make([]Result, 0, len(ranked))
	for _, s := range ranked {
		hydrated, err := c.docs.Hydrate(s.id)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return nil, fmt.Errorf("%w: id %d", ErrHydrationMiss, s.id)
			}
			return nil, fmt.Errorf("hydrate document %d: %w", s.id, err)
		}

		if opts.Collection != "" && hydrated.Collection != opts.Collection {
			continue
		}

		source := SourceBM25
		switch {
		case s.hasText && s.hasVector:
			source = SourceHybrid
		case s.hasVector:
			source = SourceANN
		}

		results = append(results, Result{
			ID:         s.id,
			Collection: hydrated.Collection,
			Path:       hydrated.Path,
			Content:    hydrated.Content,
			Score:      finalScore(s),
			Source:     source,
		})
	}

	return results, nil
}
