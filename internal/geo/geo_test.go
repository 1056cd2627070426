package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

// Wolfville/Windsor/Halifax reference points for numeric sanity checks.
var (
	wolfville = Point{Lon: -64.363288, Lat: 45.096549}
	windsor   = Point{Lon: -64.139481, Lat: 44.987419}
	halifax   = Point{Lon: -63.571240, Lat: 44.648711}
)

func TestGeoDist(t *testing.T) {
	t.Run("zero distance for identical points", func(t *testing.T) {
		assert.Equal(t, 0.0, GeoDist(wolfville, wolfville))
	})

	t.Run("symmetric", func(t *testing.T) {
		d1 := GeoDist(wolfville, windsor)
		d2 := GeoDist(windsor, wolfville)
		assert.InDelta(t, d1, d2, 1e-6)
	})

	t.Run("wolfville to windsor is roughly 23km", func(t *testing.T) {
		d := GeoDist(wolfville, windsor)
		assert.InDelta(t, 23000, d, 2000)
	})

	t.Run("kentville to halifax reference distance", func(t *testing.T) {
		d := GeoDist(Point{Lon: -64.36449, Lat: 45.09123}, Point{Lon: -63.57497, Lat: 44.64842})
		assert.InDelta(t, 82700, d, 50)
	})

	t.Run("triangle inequality", func(t *testing.T) {
		direct := GeoDist(wolfville, halifax)
		viaWindsor := GeoDist(wolfville, windsor) + GeoDist(windsor, halifax)
		assert.LessOrEqual(t, direct, viaWindsor+1e-6)
	})
}

func TestBearingTo(t *testing.T) {
	t.Run("NaN for identical points", func(t *testing.T) {
		assert.True(t, math.IsNaN(BearingTo(wolfville, wolfville)))
	})

	t.Run("in range [0, 360)", func(t *testing.T) {
		b := BearingTo(wolfville, halifax)
		assert.GreaterOrEqual(t, b, 0.0)
		assert.Less(t, b, 360.0)
	})

	t.Run("reverse bearing differs by ~180 degrees", func(t *testing.T) {
		fwd := BearingTo(wolfville, windsor)
		rev := BearingTo(windsor, wolfville)
		diff := math.Abs(BearingDiff(fwd, rev))
		assert.InDelta(t, 180, diff, 1.0)
	})

	t.Run("kentville to halifax reference bearing", func(t *testing.T) {
		b := BearingTo(Point{Lon: -64.36449, Lat: 45.09123}, Point{Lon: -63.57497, Lat: 44.64842})
		assert.InDelta(t, 114, b, 1.0)
	})
}

func TestBearingDiff(t *testing.T) {
	tests := []struct {
		name     string
		b1, b2   float64
		expected float64
	}{
		{"zero diff", 90, 90, 0},
		{"simple clockwise", 90, 100, 10},
		{"simple counterclockwise", 90, 80, -10},
		{"wraps clockwise across north", 359, 1, 2},
		{"wraps counterclockwise across north", 1, 359, -2},
		{"exactly 180 stays positive", 90, 270, 180},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := BearingDiff(tt.b1, tt.b2)
			assert.InDelta(t, tt.expected, d, 1e-9)
			assert.Greater(t, d, -180.0)
			assert.LessOrEqual(t, d, 180.0)
		})
	}
}

func TestCrossTrackAndAlongTrack(t *testing.T) {
	t.Run("point near the track has small crosstrack error", func(t *testing.T) {
		xte := CrossTrackError(wolfville, halifax, windsor)
		// windsor is close to but not exactly on the wolfville-halifax line
		assert.Less(t, math.Abs(xte), 5000.0)
	})

	t.Run("along-track distance of the endpoint equals the leg length", func(t *testing.T) {
		dat := AlongTrackDistance(wolfville, windsor, windsor)
		direct := GeoDist(wolfville, windsor)
		assert.InDelta(t, direct, dat, 1.0)
	})

	t.Run("along-track distance of the origin is ~zero", func(t *testing.T) {
		dat := AlongTrackDistance(wolfville, windsor, wolfville)
		assert.InDelta(t, 0, dat, 1e-6)
	})

	t.Run("negative when point falls behind the origin", func(t *testing.T) {
		// a point further from windsor than wolfville, along the reverse bearing
		behind := Point{Lon: wolfville.Lon + (wolfville.Lon - windsor.Lon), Lat: wolfville.Lat + (wolfville.Lat - windsor.Lat)}
		dat := AlongTrackDistance(wolfville, windsor, behind)
		assert.Less(t, dat, 0.0)
	})
}
