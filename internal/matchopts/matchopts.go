// Package matchopts defines the map-matching entry point's option set.
package matchopts

// Options configures one call to matcher.Match. Field names mirror the
// documented option names; all values are in SI units (meters, seconds,
// meters/second).
type Options struct {
	SearchRadius         float64 // meters, default 50
	MinPoints            int     // default 10
	MaxVelocity          float64 // m/s, default 250; also caps routed search distance per dt
	SigmaZ               float64 // default 10
	Beta                 float64 // default 10
	MaxIter              int     // default 1
	MinPointDistance     float64 // meters, default 30
	ParameterWindow      int     // default 3
	BearingPenaltyWeight float64 // default 1
	ViterbiLookahead     int     // default 1
	LazyProbabilities    bool    // default true
	PointsSummary        bool    // default true
	SegmentsSummary      bool    // default true
	DBThreads            int     // default 20, bounds concurrent NearestWays calls

	TimestampColumn string // default "Timestamp"
	LonColumn       string // default "Longitude"
	LatColumn       string // default "Latitude"
}

// Default returns the documented defaults.
func Default() Options {
	return Options{
		SearchRadius:         50,
		MinPoints:            10,
		MaxVelocity:          250,
		SigmaZ:               10,
		Beta:                 10,
		MaxIter:              1,
		MinPointDistance:     30,
		ParameterWindow:      3,
		BearingPenaltyWeight: 1,
		ViterbiLookahead:     1,
		LazyProbabilities:    true,
		PointsSummary:        true,
		SegmentsSummary:      true,
		DBThreads:            20,
		TimestampColumn:      "Timestamp",
		LonColumn:            "Longitude",
		LatColumn:            "Latitude",
	}
}
