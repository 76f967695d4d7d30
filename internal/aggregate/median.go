package aggregate

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Median returns the middle element for odd counts and the lower-middle
// element for even counts, matching the reduction the oracle network itself
// applies to its observations. Returns false for an empty slice.
func Median(values []decimal.Decimal) (decimal.Decimal, bool) {
	n := len(values)
	if n == 0 {
		return decimal.Decimal{}, false
	}

	sorted := make([]decimal.Decimal, n)
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	if n%2 == 0 {
		return sorted[n/2-1], true
	}
	return sorted[n/2], true
}

// TrimmedMedian drops the top and bottom trimPct (by count, rounded down)
// of the sorted values, then takes the median of the remainder. A single
// outlier feed is rejected without needing per-source weights.
func TrimmedMedian(values []decimal.Decimal, trimPct float64) (decimal.Decimal, bool) {
	n := len(values)
	if n == 0 {
		return decimal.Decimal{}, false
	}

	sorted := make([]decimal.Decimal, n)
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	trim := int(float64(n) * trimPct)
	if trim*2 >= n {
		trim = 0
	}
	return Median(sorted[trim : n-trim])
}
