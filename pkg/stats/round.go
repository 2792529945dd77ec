package stats

import "math"

// Reporting precisions.
const (
	RatePlaces       = 4
	PValuePlaces     = 4
	StatisticPlaces  = 4
	PercentPlaces    = 2
	PowerPlaces      = 3
	ImprovementPlace = 1
)

// Round rounds x half away from zero to the given number of decimal places.
func Round(x float64, places int) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}

// Rate returns num/den, or 0 when den is 0.
func Rate(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}
