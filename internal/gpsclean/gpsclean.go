// Package gpsclean normalizes and thins a raw GPS trace before it is handed
// to the matcher: it parses timestamps, recursively drops outliers and
// overly close points, and derives per-point velocity, bearing, rotation and
// distance over a symmetric window.
package gpsclean

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/paleolimbot/osmmatch/internal/geo"
)

// RawPoint is one row of an input GPS trace before conditioning.
type RawPoint struct {
	Lon           float64 `json:"lon"`
	Lat           float64 `json:"lat"`
	Timestamp     string  `json:"timestamp"`
	OriginalIndex int     `json:"-"`
}

// Point is a conditioned GPS observation, annotated with the derived
// quantities the emission and transition models need. The derived fields are
// NaN until FillDerived runs.
type Point struct {
	geo.Point
	Time          time.Time
	Velocity      float64 // meters/second over the derivation window
	Bearing       float64 // degrees [0,360), NaN where undefined
	Rotation      float64 // degrees/second, turn rate over the window
	Distance      float64 // meters since previous point, NaN for the first point
	OriginalIndex int
}

// ParseTimestamp normalizes the loosely-formatted timestamps real GPS loggers
// emit (quoted, fractional seconds, trailing zone offset, ISO 'T'/'Z') into a
// parsed time.Time.
func ParseTimestamp(text string) (time.Time, error) {
	s := strings.Trim(text, `"`)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '+'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSuffix(s, "Z")
	s = strings.Replace(s, "T", " ", 1)
	s = strings.TrimSpace(s)

	t, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing GPS timestamp %q: %w", text, err)
	}
	return t, nil
}

// CleanOptions bounds the recursive thinning pass in Clean.
type CleanOptions struct {
	MaxVelocity    float64 // meters/second; points faster than this are outliers
	MinVelocity    float64 // meters/second; points at or below this are repeats
	MinDistance    float64 // meters; greedy thinning drops points closer than this
	RecursionLimit int
}

// DefaultCleanOptions mirrors the thresholds the cleaning pass defaults to
// when a caller doesn't override them.
func DefaultCleanOptions() CleanOptions {
	return CleanOptions{
		MaxVelocity:    100,
		MinVelocity:    0,
		MinDistance:    30,
		RecursionLimit: 100,
	}
}

// Clean parses and conditions raw points. Records with an unparseable
// timestamp are dropped. The remaining points are recursively cleaned:
// each pass recomputes consecutive-pair velocities, removes points whose
// velocity falls outside (MinVelocity, MaxVelocity] and points closer than
// MinDistance to the last kept point, then recurses with MinVelocity halved
// and MinDistance disabled, up to RecursionLimit passes.
func Clean(raw []RawPoint, opts CleanOptions) []Point {
	points := make([]Point, 0, len(raw))
	for _, r := range raw {
		t, err := ParseTimestamp(r.Timestamp)
		if err != nil {
			continue
		}
		points = append(points, Point{
			Point:         geo.Point{Lon: r.Lon, Lat: r.Lat},
			Time:          t,
			Velocity:      math.NaN(),
			Bearing:       math.NaN(),
			Rotation:      math.NaN(),
			Distance:      math.NaN(),
			OriginalIndex: r.OriginalIndex,
		})
	}
	return clean(points, opts, opts.RecursionLimit)
}

// pairVelocity is the 2-point velocity between consecutive records, NaN when
// the records share a timestamp.
func pairVelocity(a, b Point) float64 {
	dt := b.Time.Sub(a.Time).Seconds()
	if dt <= 0 {
		return math.NaN()
	}
	return geo.GeoDist(a.Point, b.Point) / dt
}

func clean(points []Point, opts CleanOptions, recursionsLeft int) []Point {
	if len(points) < 3 {
		return points
	}

	// Velocities are recomputed every pass: removing a point changes its
	// neighbors' implied speeds, which is what lets a run of bad points
	// drain out over successive recursions.
	bad := make(map[int]bool)
	for i := 1; i < len(points); i++ {
		v := pairVelocity(points[i-1], points[i])
		if math.IsNaN(v) {
			continue
		}
		if v > opts.MaxVelocity || v <= opts.MinVelocity {
			bad[i] = true
		}
	}

	// If index 1 is bad but the 1->2 velocity looks fine, the problem is
	// more likely point 0 than point 1: reattribute the flag.
	if bad[1] && len(points) > 2 {
		if v := pairVelocity(points[1], points[2]); !math.IsNaN(v) && v < opts.MaxVelocity {
			delete(bad, 1)
			bad[0] = true
		}
	}

	if opts.MinDistance > 0 {
		lastKept := 0
		for i := 1; i < len(points); i++ {
			if bad[i] {
				continue
			}
			if geo.GeoDist(points[lastKept].Point, points[i].Point) < opts.MinDistance {
				bad[i] = true
				continue
			}
			lastKept = i
		}
	}

	if len(bad) == 0 {
		return points
	}

	kept := make([]Point, 0, len(points)-len(bad))
	for i, p := range points {
		if !bad[i] {
			kept = append(kept, p)
		}
	}

	if recursionsLeft <= 0 {
		return kept
	}

	nextOpts := opts
	nextOpts.MinVelocity /= 2
	nextOpts.MinDistance = 0

	return clean(kept, nextOpts, recursionsLeft-1)
}

// FillDerived computes each surviving point's velocity, bearing, rotation
// and distance. Velocity and bearing use a symmetric window of nwindow
// points (split nwindow/2 behind, the rest ahead, clamped to the trace
// ends); rotation is the bearing change per second across the same window;
// distance is always the gap to the immediately preceding point.
func FillDerived(points []Point, nwindow int) {
	n := len(points)
	if n == 0 {
		return
	}
	if nwindow < 2 {
		nwindow = 2
	}

	iminus := nwindow / 2
	iplus := nwindow - iminus - 1

	window := func(i int) (int, int) {
		lo := i - iminus
		if lo < 0 {
			lo = 0
		}
		hi := i + iplus
		if hi > n-1 {
			hi = n - 1
		}
		return lo, hi
	}

	bearings := make([]float64, n)
	for i := range points {
		lo, hi := window(i)
		dt := points[hi].Time.Sub(points[lo].Time).Seconds()
		d := geo.GeoDist(points[lo].Point, points[hi].Point)
		if dt > 0 {
			points[i].Velocity = d / dt
		} else {
			points[i].Velocity = math.NaN()
		}
		bearings[i] = geo.BearingTo(points[lo].Point, points[hi].Point)
		points[i].Bearing = bearings[i]
	}

	for i := range points {
		lo, hi := window(i)
		dt := points[hi].Time.Sub(points[lo].Time).Seconds()
		if dt > 0 && !math.IsNaN(bearings[lo]) && !math.IsNaN(bearings[hi]) {
			points[i].Rotation = geo.BearingDiff(bearings[lo], bearings[hi]) / dt
		} else {
			points[i].Rotation = math.NaN()
		}
	}

	points[0].Distance = math.NaN()
	for i := 1; i < n; i++ {
		points[i].Distance = geo.GeoDist(points[i-1].Point, points[i].Point)
	}
}
