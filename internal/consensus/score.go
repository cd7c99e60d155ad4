// Package consensus converts aggregated evaluation statistics into a
// bounded confidence-adjusted score. Scores favor large samples: a
// handful of unanimous votes cannot reach the confidence of a broad one.
package consensus

import "math"

// UncertaintyFloor is the minimum standard deviation assumed for any
// sample, a "moderate disagreement" baseline.
const UncertaintyFloor = 0.5

// Score maps running evaluation statistics to a value in [-1, 1].
// Individual evaluations are expected to lie in [-1, 1], so sum/n is a
// mean in that range. The standard error of the mean, floored by
// UncertaintyFloor, is subtracted as an uncertainty penalty; the
// subtraction is capped at mean+1 so the result never drops below -1.
func Score(sum, sumSquared float64, n int) float64 {
	if n <= 0 {
		return 0
	}
	mean := sum / float64(n)
	if n == 1 {
		return clamp(mean - UncertaintyFloor)
	}

	variance := sumSquared/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	stdDev := math.Sqrt(variance)
	if stdDev < UncertaintyFloor {
		stdDev = UncertaintyFloor
	}

	sem := stdDev / math.Sqrt(float64(n))
	penalty := math.Min(sem, mean+1)
	return mean - penalty
}

// BinaryScore scores a suggestion evaluated with +1/-1 ballots. It is
// the same formula under sum = pos-neg, sumSquared = pos+neg.
func BinaryScore(pos, neg int) float64 {
	return Score(float64(pos-neg), float64(pos+neg), pos+neg)
}

func clamp(v float64) float64 {
	switch {
	case v > 1:
		return 1
	case v < -1:
		return -1
	default:
		return v
	}
}
