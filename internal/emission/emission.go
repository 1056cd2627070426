// Package emission scores how well a GPS observation fits a candidate road
// segment, combining Gaussian geometric fit with a speed-scaled bearing
// penalty.
package emission

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/paleolimbot/osmmatch/internal/geo"
	"github.com/paleolimbot/osmmatch/internal/segmentfit"
)

// Options bounds the probability formula's free parameters.
type Options struct {
	SigmaZ               float64 // default 10
	MaxSpeed             float64 // default 30 m/s
	BearingPenaltyWeight float64 // default 1
}

// DefaultOptions returns the formula's documented defaults.
func DefaultOptions() Options {
	return Options{SigmaZ: 10, MaxSpeed: 30, BearingPenaltyWeight: 1}
}

// Probability returns the emission probability of observation (gpsBearing,
// velocity) given candidate c. velocity may be NaN (first point in a trace);
// treated the same as velocity >= maxSpeed, since there's no speed penalty
// to apply without one.
func Probability(c segmentfit.Candidate, gpsBearing, velocity float64, opts Options) float64 {
	bdiff := bearingDiffMode(gpsBearing, c.Segment.BearingDeg, c.Segment.Oneway)

	speedScale := 1.0
	if !math.IsNaN(velocity) && velocity < opts.MaxSpeed {
		speedScale = math.Pow(velocity/opts.MaxSpeed, 0.25)
	}

	penalty := opts.BearingPenaltyWeight * speedScale * (bdiff / 180)

	dist := distuv.Normal{Mu: 0, Sigma: opts.SigmaZ}
	gaussian := dist.Prob(c.DistFromRoute) / dist.Prob(0)
	return gaussian * (1 - penalty)
}

// bearingDiffMode returns the absolute bearing difference between the GPS
// track and the road segment. For two-way segments, travel could plausibly
// be in either direction along the segment's geometry, so differences over
// 90 degrees are folded to 180-diff.
func bearingDiffMode(gpsBearing, roadBearing float64, oneway bool) float64 {
	if math.IsNaN(gpsBearing) {
		return 0
	}
	diff := math.Abs(geo.BearingDiff(gpsBearing, roadBearing))
	if !oneway && diff > 90 {
		diff = 180 - diff
	}
	return diff
}
