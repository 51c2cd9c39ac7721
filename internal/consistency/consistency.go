// Package consistency audits agreement between the document store's
// done-task id set and each search index's id set. It never mutates a
// store; recovery runs back through the Core Engine's sync pass.
package consistency

import (
	"fmt"
	"time"
)

// IssueType categorizes a detected cross-store discrepancy.
type IssueType int

const (
	// OrphanText is present in the text index but not marked done in the document store.
	OrphanText IssueType = iota
	// OrphanVector is present in the vector index but not a done document with a stored embedding.
	OrphanVector
	// MissingText is marked done in the document store but absent from the text index.
	MissingText
	// MissingVector is done with a stored embedding but absent from the vector index.
	MissingVector
)

func (t IssueType) String() string {
	switch t {
	case OrphanText:
		return "orphan_text"
	case OrphanVector:
		return "orphan_vector"
	case MissingText:
		return "missing_text"
	case MissingVector:
		return "missing_vector"
	default:
		return "unknown"
	}
}

// Issue is one detected discrepancy for a document id.
type Issue struct {
	Type    IssueType
	DocID   int64
	Details string
}

// Report is the outcome of a consistency check.
type Report struct {
	Checked  int
	Issues   []Issue
	Duration time.Duration
}

// DoneIDsSource reports which document ids have completed indexing,
// the audit's source of truth. Implemented by *docstore.Store.
//
// AllDoneIDsWithEmbedding is a narrower set than AllDoneIDs: a done
// document with no stored embedding was never eligible for the vector
// step (it is only attempted "if an embedding is present"), so the
// vector side of the audit must compare against this set, not against
// every done id, or every text-only document reads as a permanent
// false-positive gap.
type DoneIDsSource interface {
	AllDoneIDs() ([]int64, error)
	AllDoneIDsWithEmbedding() ([]int64, error)
}

// TextIDsSource reports which document ids are present in the text
// index. Implemented by *textindex.Index.
type TextIDsSource interface {
	AllIDs() ([]int64, error)
}

// VectorIDsSource reports which document ids are present in the vector
// index. Implemented by *vectorindex.Index.
type VectorIDsSource interface {
	AllIDs() []int64
}

// Check compares done's id set against text's id set, and done's
// with-embedding id set against vector's id set, and reports every
// orphan (present in an index but not in its compared set) and gap (in
// the compared set but absent from the index).
func Check(done DoneIDsSource, text TextIDsSource, vector VectorIDsSource) (*Report, error) {
	start := time.Now()

	doneIDs, err := done.AllDoneIDs()
	if err != nil {
		return nil, fmt.Errorf("list done document ids: %w", err)
	}
	doneSet := make(map[int64]struct{}, len(doneIDs))
	for _, id := range doneIDs {
		doneSet[id] = struct{}{}
	}

	embeddedIDs, err := done.AllDoneIDsWithEmbedding()
	if err != nil {
		return nil, fmt.Errorf("list done document ids with embeddings: %w", err)
	}
	embeddedSet := make(map[int64]struct{}, len(embeddedIDs))
	for _, id := range embeddedIDs {
		embeddedSet[id] = struct{}{}
	}

	textIDs, err := text.AllIDs()
	if err != nil {
		return nil, fmt.Errorf("list text index ids: %w", err)
	}
	textSet := make(map[int64]struct{}, len(textIDs))
	for _, id := range textIDs {
		textSet[id] = struct{}{}
	}

	vectorIDs := vector.AllIDs()
	vectorSet := make(map[int64]struct{}, len(vectorIDs))
	for _, id := range vectorIDs {
		vectorSet[id] = struct{}{}
	}

	var issues []Issue

	for id := range textSet {
		if _, ok := doneSet[id]; !ok {
			issues = append(issues, Issue{Type: OrphanText, DocID: id, Details: "present in text index, not done in document store"})
		}
	}
	for id := range vectorSet {
		if _, ok := embeddedSet[id]; !ok {
			issues = append(issues, Issue{Type: OrphanVector, DocID: id, Details: "present in vector index, not a done document with an embedding"})
		}
	}
	for id := range doneSet {
		if _, ok := textSet[id]; !ok {
			issues = append(issues, Issue{Type: MissingText, DocID: id, Details: "done in document store, absent from text index"})
		}
	}
	for id := range embeddedSet {
		if _, ok := vectorSet[id]; !ok {
			issues = append(issues, Issue{Type: MissingVector, DocID: id, Details: "done with an embedding, absent from vector index"})
		}
	}

	return &Report{
		Checked:  len(doneSet),
		Issues:   issues,
		Duration: time.Since(start),
	}, nil
}
