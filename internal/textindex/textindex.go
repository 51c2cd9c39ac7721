// Package textindex is the bleve-backed inverted index memoscore uses
// for lexical recall. See SPEC_FULL.md §4.2.
package textindex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
)

// Hit is one lexical match: the document id and its bleve relevance score.
type Hit struct {
	ID    int64
	Score float64
}

// Index wraps a bleve index keyed by numeric document id.
type Index struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

// doc is the stored/indexed shape of a document for bleve purposes.
// Content is analyzed but not stored: memoscore hydrates content from
// the document store, not from the text index (spec §4.2).
type doc struct {
	Collection string `json:"collection"`
	Path       string `json:"path"`
	Content    string `json:"content"`
}

// validateIndexIntegrity checks a persisted index's metadata before
// opening, since a local-first index is exactly the kind of artifact a
// host process crash can leave half-written.
func validateIndexIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing (corrupted index)")
	}
	if err != nil {
		return fmt.Errorf("cannot stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty (corrupted)")
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "unexpected end of JSON") ||
		strings.Contains(s, "error parsing mapping JSON") ||
		strings.Contains(s, "failed to load segment") ||
		strings.Contains(s, "error opening bolt") ||
		strings.Contains(s, "no such file or directory") ||
		err == bleve.ErrorIndexMetaCorrupt
}

func buildMapping() *mapping.IndexMappingImpl {
	contentField := bleve.NewTextFieldMapping()
	contentField.Store = false

	pathField := bleve.NewTextFieldMapping()
	pathField.Store = true

	collectionField := bleve.NewTextFieldMapping()
	collectionField.Store = true
	collectionField.Index = false

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("content", contentField)
	docMapping.AddFieldMappingsAt("path", pathField)
	docMapping.AddFieldMappingsAt("collection", collectionField)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = docMapping
	return im
}

// Open creates or opens the text index at path. An empty path creates an
// in-memory index, useful for tests. On-disk corruption is detected and
// the index is cleared and rebuilt from scratch rather than failing
// Open outright, matching the teacher's auto-recovery behavior.
func Open(path string) (*Index, error) {
	im := buildMapping()

	var (
		idx bleve.Index
		err error
	)
	if path == "" {
		idx, err = bleve.NewMemOnly(im)
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, fmt.Errorf("create text index directory: %w", mkErr)
		}

		if validErr := validateIndexIntegrity(path); validErr != nil {
			slog.Warn("textindex_corrupted", slog.String("path", path), slog.String("error", validErr.Error()))
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return nil, fmt.Errorf("text index corrupted at %s and cannot remove: %w (original: %v)", path, rmErr, validErr)
			}
			slog.Info("textindex_cleared", slog.String("path", path))
		}

		idx, err = bleve.Open(path)
		switch {
		case err == bleve.ErrorIndexPathDoesNotExist:
			idx, err = bleve.New(path, im)
		case err != nil && isCorruptionError(err):
			slog.Warn("textindex_open_failed", slog.String("path", path), slog.String("error", err.Error()))
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return nil, fmt.Errorf("text index corrupted, cannot clear: %w (original: %v)", rmErr, err)
			}
			idx, err = bleve.New(path, im)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open text index: %w", err)
	}

	return &Index{index: idx, path: path}, nil
}

func idToKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func keyToID(key string) (int64, error) {
	return strconv.ParseInt(key, 10, 64)
}

// Replace applies a delete-then-add for id as one bleve batch; the
// change is visible to searches as soon as Replace returns, without
// waiting for Commit.
func (i *Index) Replace(id int64, collection, path, content string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return fmt.Errorf("textindex: closed")
	}

	batch := i.index.NewBatch()
	key := idToKey(id)
	batch.Delete(key)
	if err := batch.Index(key, doc{Collection: collection, Path: path, Content: content}); err != nil {
		return fmt.Errorf("stage document %d: %w", id, err)
	}
	if err := i.index.Batch(batch); err != nil {
		return fmt.Errorf("execute replace batch: %w", err)
	}
	return nil
}

// Commit is a no-op placeholder name kept for symmetry with the vector
// index's Persist: bleve's Batch already applies writes durably, so
// there is nothing further to flush. Kept as an explicit call so
// callers' sync passes read the same regardless of which index they are
// committing.
func (i *Index) Commit() error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return fmt.Errorf("textindex: closed")
	}
	return nil
}

// Search returns up to limit hits for queryStr, matched disjunctively
// against both content and path.
func (i *Index) Search(ctx context.Context, queryStr string, limit int) ([]Hit, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if i.closed {
		return nil, fmt.Errorf("textindex: closed")
	}
	if strings.TrimSpace(queryStr) == "" {
		return nil, nil
	}

	contentQuery := bleve.NewMatchQuery(queryStr)
	contentQuery.SetField("content")
	pathQuery := bleve.NewMatchQuery(queryStr)
	pathQuery.SetField("path")

	query := bleve.NewDisjunctionQuery(contentQuery, pathQuery)

	req := bleve.NewSearchRequest(query)
	req.Size = limit

	result, err := i.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("text search: %w", err)
	}

	hits := make([]Hit, 0, len(result.Hits))
	for _, h := range result.Hits {
		id, err := keyToID(h.ID)
		if err != nil {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: h.Score})
	}
	return hits, nil
}

// AllIDs returns every document id currently present, for consistency
// auditing.
func (i *Index) AllIDs() ([]int64, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if i.closed {
		return nil, fmt.Errorf("textindex: closed")
	}

	count, err := i.index.DocCount()
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	if count == 0 {
		return nil, nil
	}

	req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	req.Size = int(count)
	req.Fields = nil

	result, err := i.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("list all ids: %w", err)
	}

	ids := make([]int64, 0, len(result.Hits))
	for _, h := range result.Hits {
		id, err := keyToID(h.ID)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Close closes the underlying bleve index. Safe to call more than once.
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return nil
	}
	i.closed = true
	return i.index.Close()
}
