package store

import "math"

// Similarity returns 1 - cosine distance between a and b clamped to [0,1],
// matching what the pgvector query reports. Zero vectors have similarity 0.
func Similarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Min(math.Max(s, 0), 1)
}
