package risk

import (
	"math"
	"sort"
)

// percentile returns the p-th percentile (0..100) of xs using linear
// interpolation between closest ranks. xs must be non-empty.
func percentile(xs []float64, p float64) float64 {
	s := make([]float64, len(xs))
	copy(s, xs)
	sort.Float64s(s)

	if p <= 0 {
		return s[0]
	}
	if p >= 100 {
		return s[len(s)-1]
	}
	rank := p / 100 * float64(len(s)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return s[lo]
	}
	frac := rank - float64(lo)
	return s[lo] + (s[hi]-s[lo])*frac
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// sampleCov is the n-1 covariance of two equally long series.
func sampleCov(a, b []float64) float64 {
	n := len(a)
	if n < 2 || len(b) != n {
		return 0
	}
	ma, mb := mean(a), mean(b)
	var s float64
	for i := range a {
		s += (a[i] - ma) * (b[i] - mb)
	}
	return s / float64(n-1)
}

// correlation is the Pearson coefficient; 0 when either series is flat.
func correlation(a, b []float64) float64 {
	va, vb := sampleCov(a, a), sampleCov(b, b)
	if va == 0 || vb == 0 {
		return 0
	}
	return sampleCov(a, b) / math.Sqrt(va*vb)
}

// tail returns the last n elements of xs.
func tail(xs []float64, n int) []float64 {
	if n >= len(xs) {
		return xs
	}
	return xs[len(xs)-n:]
}
