package batchpool

import "math"

// CostTable maps a job type to the estimated cost of one item.
// The "default" entry prices types that are not listed.
type CostTable map[string]float64

// DefaultCostKey is the table entry used for unknown job types.
const DefaultCostKey = "default"

// DefaultCostTable holds per-item unit costs for the built-in job types.
var DefaultCostTable = CostTable{
	"generation": 0.0125,
	"rewrite":    0.008,
	"grounding":  0.005,
	"scoring":    0.002,
	"default":    0.01,
}

// Estimate returns the deterministic estimated cost of count items of
// jobType, rounded to four decimal places. A count below one costs nothing.
func (t CostTable) Estimate(jobType string, count int) float64 {
	if count <= 0 {
		return 0
	}
	unit, ok := t[jobType]
	if !ok {
		unit = t[DefaultCostKey]
	}
	return math.Round(unit*float64(count)*1e4) / 1e4
}

// EstimateCost prices count items of jobType with DefaultCostTable.
func EstimateCost(jobType string, count int) float64 {
	return DefaultCostTable.Estimate(jobType, count)
}
