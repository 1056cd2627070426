// Package segmentfit projects a GPS observation onto the best-fitting
// segment of a given way, producing the along-track position, foot, and
// cross-track/dist-from-route error the emission model scores.
package segmentfit

import (
	"fmt"
	"math"

	"github.com/paleolimbot/osmmatch/internal/geo"
	"github.com/paleolimbot/osmmatch/internal/roadcache"
)

// Candidate is a match of an observation to one segment of a way.
type Candidate struct {
	Segment       *roadcache.Segment
	AlongTrack    float64 // meters, clamped to [0, Segment.LengthM]
	Foot          geo.Point
	XTE           float64 // meters, >= 0
	DistFromRoute float64 // meters, >= 0
}

// GetSegment enumerates wayID's registered segments and returns a Candidate
// for the one minimizing planar point-to-segment distance to pt, breaking
// ties toward the lowest segment index.
func GetSegment(cache *roadcache.Cache, wayID int64, pt geo.Point) (Candidate, error) {
	segs := cache.Segments(wayID)
	if len(segs) == 0 {
		return Candidate{}, fmt.Errorf("way %d has no registered segments", wayID)
	}

	best := segs[0]
	bestDist := distCompare(best.P1, best.P2, pt)
	for _, seg := range segs[1:] {
		d := distCompare(seg.P1, seg.P2, pt)
		if d < bestDist {
			best = seg
			bestDist = d
		}
	}

	return fit(best, pt), nil
}

// fit computes the along-track/foot/xte/dist-from-route quadruple for a
// fixed segment, independent of how that segment was selected.
func fit(seg *roadcache.Segment, pt geo.Point) Candidate {
	a := geo.AlongTrackDistance(seg.P1, seg.P2, pt)
	if a < 0 {
		a = 0
	}
	if a > seg.LengthM {
		a = seg.LengthM
	}

	frac := 0.0
	if seg.LengthM > 0 {
		frac = a / seg.LengthM
	}
	foot := geo.Point{
		Lon: seg.P1.Lon + frac*(seg.P2.Lon-seg.P1.Lon),
		Lat: seg.P1.Lat + frac*(seg.P2.Lat-seg.P1.Lat),
	}

	xte := math.Abs(geo.CrossTrackError(seg.P1, seg.P2, pt))
	distFromRoute := geo.GeoDist(pt, foot)

	return Candidate{
		Segment:       seg,
		AlongTrack:    a,
		Foot:          foot,
		XTE:           xte,
		DistFromRoute: distFromRoute,
	}
}

// distCompare returns the squared planar distance from p3 to the finite
// segment (p1,p2), using a clamped projection parameter u in [0,1]. Used
// only to pick the nearest segment, not for the reported metrics, which are
// geodesic.
func distCompare(p1, p2, p3 geo.Point) float64 {
	dx := p2.Lon - p1.Lon
	dy := p2.Lat - p1.Lat
	if dx == 0 && dy == 0 {
		ddx, ddy := p3.Lon-p1.Lon, p3.Lat-p1.Lat
		return ddx*ddx + ddy*ddy
	}

	u := ((p3.Lon-p1.Lon)*dx + (p3.Lat-p1.Lat)*dy) / (dx*dx + dy*dy)
	if u < 0 {
		u = 0
	} else if u > 1 {
		u = 1
	}

	projLon := p1.Lon + u*dx
	projLat := p1.Lat + u*dy
	ddx := p3.Lon - projLon
	ddy := p3.Lat - projLat
	return ddx*ddx + ddy*ddy
}
