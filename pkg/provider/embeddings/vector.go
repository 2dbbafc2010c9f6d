package embeddings

import (
	"fmt"
	"math"
)

// DimensionError reports a vector whose length does not match the dimension
// configured for the active model. The memory layer fails the enclosing
// operation on this error; nothing partial is persisted.
type DimensionError struct {
	// Want is the configured model dimension.
	Want int

	// Got is the actual vector length.
	Got int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("embeddings: dimension mismatch: got %d, want %d", e.Got, e.Want)
}

// ValidateDimension returns a [DimensionError] when len(vec) != want.
// A nil vector is reported as dimension 0.
func ValidateDimension(vec []float32, want int) error {
	if len(vec) != want {
		return &DimensionError{Want: want, Got: len(vec)}
	}
	return nil
}

// Adjust pads vec with zeros or truncates its tail so it has exactly dims
// elements. This is an explicit migration aid for switching between models
// with different dimensions; regular code paths must use
// [ValidateDimension] and fail on mismatch instead.
func Adjust(vec []float32, dims int) []float32 {
	if len(vec) == dims {
		return vec
	}
	out := make([]float32, dims)
	copy(out, vec)
	return out
}

// CosineSimilarity computes the cosine similarity between two vectors of
// identical length. It returns a [DimensionError] when the lengths differ
// and 0 when either vector has zero magnitude.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, &DimensionError{Want: len(a), Got: len(b)}
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
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}
