package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/9MpulS/RAG-Asistent/retrieval"
	"github.com/9MpulS/RAG-Asistent/sgr"
)

func labeled(id string, rank int) sgr.LabeledFragment {
	return sgr.LabeledFragment{
		Fragment: retrieval.Fragment{ChunkID: id, DocumentID: "doc-" + id, DocumentTitle: "Документ " + id, Text: "текст " + id, Rank: rank},
		Label:    sgr.LabelDirect,
		Include:  true,
	}
}

func TestAssembleOrdersByFirstMarkerThenRank(t *testing.T) {
	sc := sgr.StructuredContext{Items: []sgr.LabeledFragment{labeled("a", 1), labeled("b", 2), labeled("c", 3), labeled("d", 12)}}
	answer := "Згідно з [12] та [2], а також знову [12]."

	citations := NewAssembler(0).Assemble(answer, []string{"a", "b", "c", "d", "b"}, sc)
	require.Len(t, citations, 4)

	var ids []string
	for _, c := range citations {
		ids = append(ids, c.ChunkID)
	}
	assert.Equal(t, []string{"d", "b", "a", "c"}, ids)
	assert.Equal(t, "doc-d", citations[0].DocumentID)
	assert.Equal(t, "текст d", citations[0].Excerpt)
}

func TestAssembleSkipsUnknownIDs(t *testing.T) {
	sc := sgr.StructuredContext{Items: []sgr.LabeledFragment{labeled("a", 1)}}
	citations := NewAssembler(0).Assemble("[1]", []string{"zzz", "a"}, sc)
	require.Len(t, citations, 1)
	assert.Equal(t, "a", citations[0].ChunkID)
}

func TestExcerptCountsRunes(t *testing.T) {
	assert.Equal(t, "Стаття...", Excerpt("Стаття 5. Стипендія", 6))
	assert.Equal(t, "коротко", Excerpt("  коротко ", 200))
	assert.Equal(t, "без обмеження", Excerpt("без обмеження", 0))
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Duration(0), p.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 800*time.Millisecond, p.Backoff(3))
	assert.Equal(t, 1600*time.Millisecond, p.Backoff(4))
	assert.Equal(t, 2*time.Second, p.Backoff(5))
	assert.Equal(t, 2*time.Second, p.Backoff(50))

	assert.Equal(t, 1, RetryPolicy{}.attempts())
}

func TestErrorKinds(t *testing.T) {
	err := &Error{Kind: KindVectorSearch, Stage: StateRetrieving, Attempts: 3, Err: assert.AnError}

	assert.ErrorIs(t, err, ErrVectorSearch)
	assert.NotErrorIs(t, err, ErrEmbeddingProvider)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, KindVectorSearch, KindOf(err))
	assert.Equal(t, Kind(0), KindOf(assert.AnError))
	assert.Contains(t, err.Error(), "vector_search failed in retrieving after 3 attempts")

	assert.True(t, KindGenerationProvider.Retryable())
	assert.False(t, KindSchemaViolation.Retryable())
	assert.False(t, KindTimeout.Retryable())
	assert.Equal(t, 400, KindValidation.HTTPStatus())
	assert.Equal(t, 502, KindSchemaViolation.HTTPStatus())
}

func TestStripMarkers(t *testing.T) {
	assert.Equal(t, "Так [2].", StripMarkers("Так [1] [2].", []int{1}))
	assert.Equal(t, "Див. [10] і.", StripMarkers("Див. [10] і [1].", []int{1}))
	assert.Equal(t, "Без змін [3]", StripMarkers("Без змін [3]", nil))
}
