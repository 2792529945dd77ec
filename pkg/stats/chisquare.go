package stats

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// Table2x2 is a contingency table of conversions against non-conversions.
//
//	           converted   not converted
//	control    A           B
//	variant    C           D
type Table2x2 struct {
	A, B, C, D float64
}

// NewTable2x2 builds the table from per-group conversions and impressions.
// Conversions are clamped to impressions so no cell is negative.
func NewTable2x2(ctrlConversions, ctrlImpressions, varConversions, varImpressions int64) Table2x2 {
	cc := min(ctrlConversions, ctrlImpressions)
	vc := min(varConversions, varImpressions)
	return Table2x2{
		A: float64(cc),
		B: float64(ctrlImpressions - cc),
		C: float64(vc),
		D: float64(varImpressions - vc),
	}
}

// ChiSquareResult is the outcome of a chi-squared test.
type ChiSquareResult struct {
	Statistic float64
	PValue    float64
	DF        int

	// Degenerate is set when the table has an empty row or column and the
	// statistic is undefined. PValue is 1 in that case.
	Degenerate bool
	Reason     string
}

// ChiSquareYates runs the chi-squared test of independence on a 2x2 table
// with Yates' continuity correction. Each observed count is moved toward its
// expected count by min(0.5, |observed-expected|) before the statistic is
// summed, so the correction never flips the sign of a deviation.
func ChiSquareYates(t Table2x2) ChiSquareResult {
	observed := [2][2]float64{{t.A, t.B}, {t.C, t.D}}
	rows := [2]float64{t.A + t.B, t.C + t.D}
	cols := [2]float64{t.A + t.C, t.B + t.D}
	total := rows[0] + rows[1]

	for i, r := range rows {
		if r == 0 {
			return degenerate(fmt.Sprintf("row %d has no observations", i))
		}
	}
	for j, c := range cols {
		if c == 0 {
			return degenerate(fmt.Sprintf("column %d has no observations", j))
		}
	}

	var chi2 float64
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			expected := rows[i] * cols[j] / total
			diff := expected - observed[i][j]
			adj := math.Min(0.5, math.Abs(diff))
			o := observed[i][j] + math.Copysign(adj, diff)
			chi2 += (o - expected) * (o - expected) / expected
		}
	}

	dist := distuv.ChiSquared{K: 1}
	return ChiSquareResult{
		Statistic: chi2,
		PValue:    dist.Survival(chi2),
		DF:        1,
	}
}

func degenerate(reason string) ChiSquareResult {
	return ChiSquareResult{PValue: 1, DF: 1, Degenerate: true, Reason: reason}
}
