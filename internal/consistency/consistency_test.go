package consistency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDone struct {
	ids      []int64
	embedded []int64
}

func (f fakeDone) AllDoneIDs() ([]int64, error) { return f.ids, nil }

func (f fakeDone) AllDoneIDsWithEmbedding() ([]int64, error) { return f.embedded, nil }

type fakeText struct{ ids []int64 }

func (f fakeText) AllIDs() ([]int64, error) { return f.ids, nil }

type fakeVector struct{ ids []int64 }

func (f fakeVector) AllIDs() []int64 { return f.ids }

// Given: all three stores agree on the same id set
// When: Check runs
// Then: no issues are reported
func TestCheck_Consistent_ReportsNoIssues(t *testing.T) {
	done := fakeDone{ids: []int64{1, 2, 3}, embedded: []int64{1, 2, 3}}
	report, err := Check(done, fakeText{[]int64{1, 2, 3}}, fakeVector{[]int64{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.Empty(t, report.Issues)
}

// Given: a document done in the store (with an embedding) but absent from both indexes
// When: Check runs
// Then: missing_text and missing_vector issues are reported for it
func TestCheck_MissingFromBothIndexes_ReportsGaps(t *testing.T) {
	done := fakeDone{ids: []int64{1, 2}, embedded: []int64{1, 2}}
	report, err := Check(done, fakeText{[]int64{1}}, fakeVector{[]int64{1}})
	require.NoError(t, err)

	require.Len(t, report.Issues, 2)
	types := map[IssueType]bool{}
	for _, issue := range report.Issues {
		assert.Equal(t, int64(2), issue.DocID)
		types[issue.Type] = true
	}
	assert.True(t, types[MissingText])
	assert.True(t, types[MissingVector])
}

// Given: a document present in the text index but never marked done
// When: Check runs
// Then: an orphan_text issue is reported for it
func TestCheck_OrphanInTextIndex_Reported(t *testing.T) {
	done := fakeDone{ids: []int64{1}, embedded: []int64{1}}
	report, err := Check(done, fakeText{[]int64{1, 99}}, fakeVector{[]int64{1}})
	require.NoError(t, err)

	require.Len(t, report.Issues, 1)
	assert.Equal(t, OrphanText, report.Issues[0].Type)
	assert.Equal(t, int64(99), report.Issues[0].DocID)
}

// Given: a document done in the store with no stored embedding (so it was
// never eligible for the vector step) and correctly absent from the vector index
// When: Check runs
// Then: no missing_vector issue is reported for it
func TestCheck_DoneWithoutEmbedding_NotFlaggedMissingFromVector(t *testing.T) {
	done := fakeDone{ids: []int64{1, 2}, embedded: []int64{1}}
	report, err := Check(done, fakeText{[]int64{1, 2}}, fakeVector{[]int64{1}})
	require.NoError(t, err)
	assert.Empty(t, report.Issues)
}

// Given: a vector entry for a document that was never marked done with an embedding
// When: Check runs
// Then: an orphan_vector issue is reported for it, even though the document is done (text-only)
func TestCheck_OrphanInVectorIndex_ReportedEvenForTextOnlyDoneDocument(t *testing.T) {
	done := fakeDone{ids: []int64{1, 2}, embedded: []int64{1}}
	report, err := Check(done, fakeText{[]int64{1, 2}}, fakeVector{[]int64{1, 2}})
	require.NoError(t, err)

	require.Len(t, report.Issues, 1)
	assert.Equal(t, OrphanVector, report.Issues[0].Type)
	assert.Equal(t, int64(2), report.Issues[0].DocID)
}

// Given: empty stores
// When: Check runs
// Then: it reports zero checked and no issues without erroring
func TestCheck_EmptyStores_ReportsNothing(t *testing.T) {
	report, err := Check(fakeDone{}, fakeText{nil}, fakeVector{nil})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Checked)
	assert.Empty(t, report.Issues)
}
