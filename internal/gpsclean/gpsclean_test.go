package gpsclean

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2020, 3, 4, 12, 30, 15, 0, time.UTC)

	tests := []struct {
		name string
		in   string
	}{
		{"plain", "2020-03-04 12:30:15"},
		{"iso T", "2020-03-04T12:30:15"},
		{"iso T with Z", "2020-03-04T12:30:15Z"},
		{"fractional seconds", "2020-03-04 12:30:15.123456"},
		{"zone offset", "2020-03-04 12:30:15+00:00"},
		{"quoted", `"2020-03-04 12:30:15"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(tt.in)
			require.NoError(t, err)
			assert.True(t, want.Equal(got), "got %v want %v", got, want)
		})
	}

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := ParseTimestamp("not a timestamp")
		assert.Error(t, err)
	})
}

// trace builds n points stepping east along latitude 45, one fix every
// stepSeconds. A lon step of 0.001 degrees is roughly 79m.
func trace(n int, stepSeconds int) []RawPoint {
	pts := make([]RawPoint, n)
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		pts[i] = RawPoint{
			Lon:           -64.0 + float64(i)*0.001,
			Lat:           45.0,
			Timestamp:     base.Add(time.Duration(i*stepSeconds) * time.Second).Format("2006-01-02 15:04:05"),
			OriginalIndex: i,
		}
	}
	return pts
}

func TestCleanKeepsWellFormedTrace(t *testing.T) {
	raw := trace(10, 10)
	opts := DefaultCleanOptions()
	opts.MinDistance = 0

	out := Clean(raw, opts)
	assert.Len(t, out, 10)
}

func TestCleanDropsUnparseableTimestamps(t *testing.T) {
	raw := trace(10, 10)
	raw[4].Timestamp = "garbage"

	out := Clean(raw, CleanOptions{MaxVelocity: 100, RecursionLimit: 5})
	require.Len(t, out, 9)
	for _, p := range out {
		assert.NotEqual(t, 4, p.OriginalIndex)
	}
}

func TestCleanRemovesTeleportCluster(t *testing.T) {
	// 100 points one second apart, with points 10..12 teleported 1km north.
	raw := trace(100, 1)
	for i := 10; i <= 12; i++ {
		raw[i].Lat += 0.009
		raw[i].Lon = raw[10].Lon
	}

	opts := DefaultCleanOptions()
	opts.MinDistance = 0

	out := Clean(raw, opts)
	for _, p := range out {
		assert.False(t, p.OriginalIndex >= 10 && p.OriginalIndex <= 12,
			"teleported point %d should have been removed", p.OriginalIndex)
	}
	// The return hop (index 13) carries the same impossible velocity, so at
	// most it joins the cluster; the rest of the trace survives intact.
	assert.GreaterOrEqual(t, len(out), 96)
}

func TestCleanRecursionDrainsCascadingOutliers(t *testing.T) {
	raw := trace(20, 1)
	// A single far point: both its entry and exit hops imply impossible
	// speeds, and the recomputed velocities settle once the cluster drains.
	raw[7].Lon += 0.05

	opts := DefaultCleanOptions()
	opts.MinDistance = 0

	out := Clean(raw, opts)
	for _, p := range out {
		assert.NotEqual(t, 7, p.OriginalIndex)
	}
	assert.GreaterOrEqual(t, len(out), 18)
}

func TestCleanReattributesFirstPointViolation(t *testing.T) {
	raw := trace(10, 1)
	// Point 0 is the outlier: the 0->1 hop is impossible but 1->2 is fine.
	raw[0].Lon -= 0.05

	opts := DefaultCleanOptions()
	opts.MinDistance = 0

	out := Clean(raw, opts)
	require.NotEmpty(t, out)
	assert.NotEqual(t, 0, out[0].OriginalIndex, "index 0 should carry the violation")
	assert.Equal(t, 1, out[0].OriginalIndex)
}

func TestCleanAppliesMinDistanceThinning(t *testing.T) {
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	raw := []RawPoint{
		{Lon: -64.000, Lat: 45.0, Timestamp: base.Format("2006-01-02 15:04:05")},
		{Lon: -64.0001, Lat: 45.0, Timestamp: base.Add(5 * time.Second).Format("2006-01-02 15:04:05")},
		{Lon: -64.001, Lat: 45.0, Timestamp: base.Add(10 * time.Second).Format("2006-01-02 15:04:05")},
	}
	opts := DefaultCleanOptions()
	opts.MinDistance = 50

	out := Clean(raw, opts)
	assert.Len(t, out, 2, "the near-duplicate second point should be thinned")
}

func TestFillDerived(t *testing.T) {
	raw := trace(10, 10)
	points := Clean(raw, CleanOptions{MaxVelocity: 100, RecursionLimit: 5})
	require.Len(t, points, 10)

	FillDerived(points, 3)

	t.Run("distance is NaN for the first point only", func(t *testing.T) {
		assert.True(t, math.IsNaN(points[0].Distance))
		for _, p := range points[1:] {
			assert.InDelta(t, 78.8, p.Distance, 1.0)
		}
	})

	t.Run("velocity is windowed and steady for a constant-speed trace", func(t *testing.T) {
		for _, p := range points {
			assert.InDelta(t, 7.88, p.Velocity, 0.1)
		}
	})

	t.Run("bearing points east", func(t *testing.T) {
		for _, p := range points {
			assert.InDelta(t, 90, p.Bearing, 1.0)
		}
	})

	t.Run("rotation is ~zero on a straight track", func(t *testing.T) {
		for _, p := range points {
			assert.InDelta(t, 0, p.Rotation, 0.1)
		}
	})
}
