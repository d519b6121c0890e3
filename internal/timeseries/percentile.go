package timeseries

import "github.com/shopspring/decimal"

// Rank computes the inclusive percentile rank of value within the window:
// the fraction of samples with value <= value, scaled to [0,100]. Ties count
// as covered. With an empty window the rank is undefined and ok is false;
// callers skip the percentile metric for that cycle.
func Rank(value decimal.Decimal, window []Sample) (rank float64, ok bool) {
	if len(window) == 0 {
		return 0, false
	}
	covered := 0
	for _, sample := range window {
		if sample.Value.LessThanOrEqual(value) {
			covered++
		}
	}
	return float64(covered) / float64(len(window)) * 100, true
}
