// Package rank scores transcript chunks against a query embedding and
// selects the top-K most similar ones.
package rank

import (
	"math"
	"sort"

	"github.com/kshen3778/preceptra/internal/transcript"
)

// CosineSimilarity returns dot(a,b) / (|a|*|b|).
// The result is NaN when either vector has zero norm; callers must treat
// NaN as "no similarity" rather than an error.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.NaN()
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// RankedChunk pairs a chunk with its similarity to the query.
type RankedChunk struct {
	Chunk      transcript.Chunk
	Similarity float64
}

// TopK ranks chunks by cosine similarity to the query embedding, descending,
// and returns at most k results. embeddings[i] must correspond to chunks[i].
// The sort is stable: ties keep their original order, and NaN similarity
// (zero vectors) sorts to the bottom.
func TopK(query []float64, chunks []transcript.Chunk, embeddings [][]float64, k int) []RankedChunk {
	n := len(chunks)
	if len(embeddings) < n {
		n = len(embeddings)
	}

	ranked := make([]RankedChunk, n)
	for i := 0; i < n; i++ {
		ranked[i] = RankedChunk{
			Chunk:      chunks[i],
			Similarity: CosineSimilarity(query, embeddings[i]),
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return sortKey(ranked[i].Similarity) > sortKey(ranked[j].Similarity)
	})

	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}

func sortKey(sim float64) float64 {
	if math.IsNaN(sim) {
		return math.Inf(-1)
	}
	return sim
}
