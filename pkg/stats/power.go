package stats

import (
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// ZBeta80 is the one-sided normal quantile for 80% power. It is the default
// used when sizing experiments.
const ZBeta80 = 0.84

// NormalCDF is the standard normal cumulative distribution function.
func NormalCDF(z float64) float64 {
	return distuv.UnitNormal.CDF(z)
}

// Power estimates the probability of detecting the observed difference
// between two conversion rates at the given critical value. It pools both
// groups for the variance and uses the smaller group's impressions as n.
// Power is 0 when either rate is 0 or the pooled variance vanishes.
func Power(ctrlConversions, ctrlImpressions, varConversions, varImpressions int64, zAlpha float64) float64 {
	if ctrlImpressions <= 0 || varImpressions <= 0 {
		return 0
	}
	pc := float64(ctrlConversions) / float64(ctrlImpressions)
	pv := float64(varConversions) / float64(varImpressions)
	if pc == 0 || pv == 0 {
		return 0
	}

	pooled := float64(ctrlConversions+varConversions) / float64(ctrlImpressions+varImpressions)
	n := float64(min(ctrlImpressions, varImpressions))
	se := math.Sqrt(2 * pooled * (1 - pooled) / n)
	if se == 0 || math.IsNaN(se) {
		return 0
	}

	z := math.Abs(pv-pc)/se - zAlpha
	return math.Max(0, math.Min(1, NormalCDF(z)))
}

// SampleSize is the per-group sample size needed to detect an effect. It is
// either determinable with a count or undeterminable with a reason; callers
// must check which before reading N.
type SampleSize struct {
	n            int64
	determinable bool
	reason       string
}

// Determinable returns a sample size of n subjects per group.
func Determinable(n int64) SampleSize {
	return SampleSize{n: n, determinable: true}
}

// Undeterminable returns a sample size that could not be computed.
func Undeterminable(reason string) SampleSize {
	return SampleSize{reason: reason}
}

// N returns the per-group count and whether it is determinable.
func (s SampleSize) N() (int64, bool) {
	return s.n, s.determinable
}

// Reason explains why the size is undeterminable. Empty when determinable.
func (s SampleSize) Reason() string {
	return s.reason
}

func (s SampleSize) String() string {
	if s.determinable {
		return fmt.Sprintf("%d", s.n)
	}
	return "undeterminable: " + s.reason
}

type sampleSizeJSON struct {
	Determinable bool   `json:"determinable"`
	N            int64  `json:"n,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// MarshalJSON encodes the tagged value.
func (s SampleSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(sampleSizeJSON{Determinable: s.determinable, N: s.n, Reason: s.reason})
}

// UnmarshalJSON decodes the tagged value.
func (s *SampleSize) UnmarshalJSON(data []byte) error {
	var v sampleSizeJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v.Determinable {
		*s = Determinable(v.N)
	} else {
		*s = Undeterminable(v.Reason)
	}
	return nil
}

// RequiredSampleSize computes the per-group sample size needed to detect a
// relative lift of mde over the baseline rate p1:
//
//	p2 = min(1, p1*(1+mde)), p = (p1+p2)/2
//	n  = ceil(2*(zAlpha+zBeta)^2 * p*(1-p) / (p1-p2)^2)
//
// The result grows monotonically as mde shrinks toward 0.
func RequiredSampleSize(p1, mde, zAlpha, zBeta float64) SampleSize {
	if p1 <= 0 {
		return Undeterminable("baseline rate is zero")
	}
	if p1 >= 1 {
		return Undeterminable("baseline rate is one")
	}
	if mde <= 0 {
		return Undeterminable("minimum detectable effect must be positive")
	}

	p2 := math.Min(1, p1*(1+mde))
	delta := p1 - p2
	if delta == 0 {
		return Undeterminable("baseline and target rates are equal")
	}

	pooled := (p1 + p2) / 2
	z := zAlpha + zBeta
	n := math.Ceil(2 * z * z * pooled * (1 - pooled) / (delta * delta))
	return Determinable(int64(n))
}
