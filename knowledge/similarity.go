package knowledge

import "math"

// cosineSimilarity returns the cosine of the angle between the two vectors,
// bounded to [-1, 1]. A nil or zero-magnitude vector, or a length mismatch,
// yields ok=false so that unembedded chunks are excluded from ranking rather
// than scored as zero.
func cosineSimilarity(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0, false
	}

	var dot, normA, normB float64
	for i := range a {
		va := float64(a[i])
		vb := float64(b[i])
		dot += va * vb
		normA += va * va
		normB += vb * vb
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}

	score := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if score > 1 {
		score = 1
	}
	if score < -1 {
		score = -1
	}
	return score, true
}
