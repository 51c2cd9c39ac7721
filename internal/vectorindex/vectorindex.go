// Package vectorindex is the coder/hnsw-backed approximate nearest
// neighbor index memoscore uses for semantic recall. See SPEC_FULL.md
// §4.3.
package vectorindex

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
)

// Defaults per SPEC_FULL.md §4.3, distinct from the teacher's
// code-search-tuned values. New and Load apply DefaultConnectivity and
// DefaultExpansionSearch to the graph; DefaultExpansionAdd is not
// applied anywhere.
const (
	DefaultConnectivity    = 16
	DefaultExpansionAdd    = 128
	DefaultExpansionSearch = 64
)

// Hit is one nearest-neighbor match: the document id and its squared-L2
// distance to the query vector.
type Hit struct {
	ID       int64
	Distance float32
}

// metadata is the gob-encoded side state persisted next to the graph
// export: the live-key set surviving lazy deletion, and the configured
// dimensionality so a mismatched reopen fails loudly.
type metadata struct {
	Live       map[uint64]struct{}
	Dimensions int
}

// Index wraps a coder/hnsw graph keyed directly by document id.
type Index struct {
	mu         sync.RWMutex
	graph      *hnsw.Graph[uint64]
	dimensions int
	live       map[uint64]struct{}
	closed     bool
}

// ErrDimensionMismatch reports a vector whose length disagrees with the
// index's configured dimensionality.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("vectorindex: expected %d dimensions, got %d", e.Expected, e.Got)
}

// New creates an empty squared-L2 index for vectors of the given
// dimensionality.
func New(dimensions int) *Index {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.EuclideanDistance
	graph.M = DefaultConnectivity
	graph.EfSearch = DefaultExpansionSearch

	return &Index{
		graph:      graph,
		dimensions: dimensions,
		live:       make(map[uint64]struct{}),
	}
}

// Dimensions reports the vector length this index was configured for.
func (i *Index) Dimensions() int {
	return i.dimensions
}

// Replace inserts or overwrites the vector for id. An existing node for
// id is lazily dropped from the live-set (not removed from the graph
// outright) before the new node is added, working around coder/hnsw's
// bug where deleting the graph's last node corrupts it.
func (i *Index) Replace(id int64, vec []float32) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return fmt.Errorf("vectorindex: closed")
	}
	if len(vec) != i.dimensions {
		return ErrDimensionMismatch{Expected: i.dimensions, Got: len(vec)}
	}

	key := uint64(id)
	delete(i.live, key)

	node := hnsw.MakeNode(key, vec)
	i.graph.Add(node)
	i.live[key] = struct{}{}

	return nil
}

// Search returns up to k nearest neighbors to query, by squared-L2
// distance, restricted to live (non-lazily-deleted) keys.
func (i *Index) Search(query []float32, k int) ([]Hit, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if i.closed {
		return nil, fmt.Errorf("vectorindex: closed")
	}
	if len(query) != i.dimensions {
		return nil, ErrDimensionMismatch{Expected: i.dimensions, Got: len(query)}
	}
	if i.graph.Len() == 0 {
		return nil, nil
	}

	// Lazily-deleted nodes remain in the graph, so over-fetch by the
	// current orphan count and filter down to live keys rather than
	// asking the graph for exactly k.
	orphans := i.graph.Len() - len(i.live)
	nodes := i.graph.Search(query, k+orphans)
	hits := make([]Hit, 0, k)
	for _, n := range nodes {
		if _, ok := i.live[n.Key]; !ok {
			continue
		}
		// hnsw.EuclideanDistance is the plain L2 norm; squaring it gives
		// the squared-L2 distance Hit reports (the ranking is unchanged).
		d := i.graph.Distance(query, n.Value)
		hits = append(hits, Hit{ID: int64(n.Key), Distance: d * d})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

// AllIDs returns every live document id, for consistency auditing.
func (i *Index) AllIDs() []int64 {
	i.mu.RLock()
	defer i.mu.RUnlock()

	ids := make([]int64, 0, len(i.live))
	for key := range i.live {
		ids = append(ids, int64(key))
	}
	return ids
}

// Persist writes the graph to path via a temp file + rename, and the
// live-key set plus dimensionality to "<path>.meta" the same way.
func (i *Index) Persist(path string) error {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if i.closed {
		return fmt.Errorf("vectorindex: closed")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create vector index directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	if err := i.graph.Export(file); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close index file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename index file: %w", err)
	}

	return i.persistMetadata(path + ".meta")
}

func (i *Index) persistMetadata(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create metadata file: %w", err)
	}

	meta := metadata{Live: i.live, Dimensions: i.dimensions}
	enc := gob.NewEncoder(file)
	if err := enc.Encode(meta); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close metadata file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// Load opens a previously-persisted index from path and its sibling
// "<path>.meta" file.
func Load(path string) (*Index, error) {
	meta, err := loadMetadata(path + ".meta")
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.EuclideanDistance
	graph.M = DefaultConnectivity
	graph.EfSearch = DefaultExpansionSearch

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open index file: %w", err)
	}
	defer func() { _ = file.Close() }()

	reader := bufio.NewReader(file)
	if err := graph.Import(reader); err != nil {
		return nil, fmt.Errorf("import graph: %w", err)
	}

	return &Index{
		graph:      graph,
		dimensions: meta.Dimensions,
		live:       meta.Live,
	}, nil
}

func loadMetadata(path string) (metadata, error) {
	file, err := os.Open(path)
	if err != nil {
		return metadata{}, fmt.Errorf("open metadata file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var meta metadata
	dec := gob.NewDecoder(file)
	if err := dec.Decode(&meta); err != nil {
		return metadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	if meta.Live == nil {
		meta.Live = make(map[uint64]struct{})
	}
	return meta, nil
}

// Close releases the index. The coder/hnsw graph needs no explicit
// cleanup beyond dropping the reference.
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return nil
	}
	i.closed = true
	i.graph = nil
	return nil
}
