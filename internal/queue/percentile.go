package queue

import "sort"

// Percentile computes the nearest-rank percentile of spec.md's GLOSSARY:
// P_p(x) = x_sorted[ceil(p*n/100) - 1], with endpoints clamped. samples
// need not be pre-sorted; Percentile copies and sorts them.
func Percentile(samples []int64, p float64) int64 {
	n := len(samples)
	if n == 0 {
		return 0
	}
	sorted := make([]int64, n)
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(ceilDiv(p*float64(n), 100)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

func ceilDiv(numerator, denominator float64) float64 {
	v := numerator / denominator
	i := int64(v)
	if v > float64(i) {
		i++
	}
	return float64(i)
}

// WaitTimeStats are the reliability-flagged percentiles of spec.md §4.5
// "Statistics window": P90 is unreliable below 10 samples, P99 below
// 100.
type WaitTimeStats struct {
	N             int
	P90           int64
	P90Reliable   bool
	P99           int64
	P99Reliable   bool
}

// CalculateWaitTimeStats computes P90/P99 over the given samples and
// flags each as unreliable below its minimum sample count.
func CalculateWaitTimeStats(samples []int64) WaitTimeStats {
	n := len(samples)
	return WaitTimeStats{
		N:           n,
		P90:         Percentile(samples, 90),
		P90Reliable: n >= 10,
		P99:         Percentile(samples, 99),
		P99Reliable: n >= 100,
	}
}
