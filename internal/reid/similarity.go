package reid

import "gonum.org/v1/gonum/floats"

// cosineSimilarity returns the cosine of the angle between a and b.
// Mismatched dimensions or zero-norm vectors score 0 so they never clear
// a positive matching threshold.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

// blendFeatures folds incoming into stored with an exponential moving
// average. A dimension change replaces the stored vector outright.
func blendFeatures(stored, incoming []float64, alpha float64) []float64 {
	if len(stored) != len(incoming) {
		return append([]float64(nil), incoming...)
	}
	floats.Scale(1-alpha, stored)
	floats.AddScaled(stored, alpha, incoming)
	return stored
}
