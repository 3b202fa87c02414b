package store

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/crmkit/knowledge/engine/knowledge"
)

// CosineSimilarity returns the cosine of the angle between a and b. Zero
// vectors score 0.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", knowledge.ErrDimensionMismatch, len(a), len(b))
	}
	if len(a) == 0 {
		return 0, fmt.Errorf("%w: empty vectors", knowledge.ErrDimensionMismatch)
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Max(-1, math.Min(1, sim)), nil
}

// SortResults orders by score desc, then sequence asc, then chunk id.
func SortResults(results []knowledge.RetrievalResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Sequence != results[j].Sequence {
			return results[i].Sequence < results[j].Sequence
		}
		return results[i].ChunkID < results[j].ChunkID
	})
}

func matchesFilter(chunk *knowledge.Chunk, filter ListFilter) bool {
	if filter.EnabledOnly && !chunk.Enabled {
		return false
	}
	needle := strings.TrimSpace(filter.SearchText)
	if needle == "" {
		return true
	}
	return strings.Contains(strings.ToLower(chunk.Content), strings.ToLower(needle))
}
