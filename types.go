package memoscore

// Document is one descriptor passed to UpsertDocuments. Embedding and
// UpdatedAtMs are optional; a nil UpdatedAtMs is filled in from the
// engine's Clock.
type Document struct {
	Path        string
	Content     string
	Embedding   []float32
	UpdatedAtMs *int64
}

// SearchOptions configures a Search call. At least one of QueryText or
// QueryVec should be set; if both are empty the result set is empty.
// TopK <= 0 yields an empty result; there is no implicit default, so
// callers that want the documented default pass DefaultTopK.
type SearchOptions struct {
	Collection string
	QueryText  string
	QueryVec   []float32
	TopK       int
}

// DefaultTopK is the external interface's documented default (spec.md §6).
const DefaultTopK = 8

// DefaultSyncLimit is the external interface's documented default for
// SyncIndexTasks.
const DefaultSyncLimit = 200

// Source identifies which modality or modalities contributed to a result's score.
type Source string

const (
	SourceHybrid Source = "hybrid"
	SourceBM25   Source = "bm25"
	SourceANN    Source = "ann"
)

// Result is one ranked, hydrated, fused search hit.
type Result struct {
	ID         int64
	Collection string
	Path       string
	Content    string
	Score      float64
	Source     Source
}
