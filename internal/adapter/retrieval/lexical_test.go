package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptdesk/internal/domain"
)

func indexChunks(ix *LexicalIndex, texts map[string]string) {
	for id, text := range texts {
		ix.Add(domain.Chunk{ID: id, Text: text})
	}
}

func TestLexicalIndexScoresTermMatches(t *testing.T) {
	ix := NewLexicalIndex()
	indexChunks(ix, map[string]string{
		"a": "refund policy applies within thirty days of purchase",
		"b": "shipping times vary by region and carrier",
		"c": "the refund refund refund process requires a receipt",
	})

	scores, err := ix.Scores("refund policy")
	require.NoError(t, err)

	require.Contains(t, scores, "a")
	require.Contains(t, scores, "c")
	assert.NotContains(t, scores, "b")

	// "a" matches both query terms, "c" only one; term saturation keeps
	// repeated "refund" from outweighing the extra matching term.
	assert.Greater(t, scores["a"], scores["c"])
}

func TestLexicalIndexEmptyCases(t *testing.T) {
	ix := NewLexicalIndex()

	scores, err := ix.Scores("anything")
	require.NoError(t, err)
	assert.Empty(t, scores)

	indexChunks(ix, map[string]string{"a": "some indexed text"})

	scores, err = ix.Scores("unrelated query terms")
	require.NoError(t, err)
	assert.Empty(t, scores)

	scores, err = ix.Scores("?! . ,")
	require.NoError(t, err)
	assert.Empty(t, scores)
}

func TestLexicalIndexReAddReplaces(t *testing.T) {
	ix := NewLexicalIndex()
	ix.Add(domain.Chunk{ID: "a", Text: "old topic entirely"})
	ix.Add(domain.Chunk{ID: "a", Text: "fresh subject matter"})

	require.Equal(t, 1, ix.Len())

	scores, err := ix.Scores("topic")
	require.NoError(t, err)
	assert.Empty(t, scores)

	scores, err = ix.Scores("subject")
	require.NoError(t, err)
	assert.Contains(t, scores, "a")
}

func TestTokenize(t *testing.T) {
	terms := tokenize("The Refund-Policy: applies (within) 30 days! a")
	assert.Equal(t, []string{"the", "refund-policy", "applies", "within", "30", "days"}, terms)
}
