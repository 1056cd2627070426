package segmentfit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paleolimbot/osmmatch/internal/geo"
	"github.com/paleolimbot/osmmatch/internal/roadcache"
	"github.com/paleolimbot/osmmatch/internal/store"
)

func buildStraightWayCache(t *testing.T) *roadcache.Cache {
	t.Helper()
	nodes := []store.Node{
		{ID: 1, Pt: geo.Point{Lon: -64.000, Lat: 45.000}},
		{ID: 2, Pt: geo.Point{Lon: -64.001, Lat: 45.000}},
		{ID: 3, Pt: geo.Point{Lon: -64.002, Lat: 45.000}},
	}
	way := store.Way{ID: 1, Nodes: []int64{1, 2, 3}, Tags: map[string]string{"highway": "residential"}}
	st := store.NewMemStore([]store.Way{way}, nodes)

	c := roadcache.New(roadcache.ModeCar)
	require.NoError(t, c.AddWays(context.Background(), st, []int64{1}))
	return c
}

func TestGetSegmentPicksNearestSegment(t *testing.T) {
	c := buildStraightWayCache(t)

	t.Run("point near first segment", func(t *testing.T) {
		cand, err := GetSegment(c, 1, geo.Point{Lon: -64.0005, Lat: 45.00001})
		require.NoError(t, err)
		assert.Equal(t, 1, cand.Segment.SegmentIndex)
	})

	t.Run("point near second segment", func(t *testing.T) {
		cand, err := GetSegment(c, 1, geo.Point{Lon: -64.0015, Lat: 45.00001})
		require.NoError(t, err)
		assert.Equal(t, 2, cand.Segment.SegmentIndex)
	})
}

func TestGetSegmentAlongTrackClamped(t *testing.T) {
	c := buildStraightWayCache(t)

	cand, err := GetSegment(c, 1, geo.Point{Lon: -64.0005, Lat: 45.0})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, cand.AlongTrack, 0.0)
	assert.LessOrEqual(t, cand.AlongTrack, cand.Segment.LengthM)
	assert.GreaterOrEqual(t, cand.XTE, 0.0)
	assert.GreaterOrEqual(t, cand.DistFromRoute, 0.0)
}

func TestGetSegmentIdempotentOnFoot(t *testing.T) {
	c := buildStraightWayCache(t)

	pt := geo.Point{Lon: -64.0007, Lat: 45.00002}
	cand, err := GetSegment(c, 1, pt)
	require.NoError(t, err)

	again, err := GetSegment(c, 1, cand.Foot)
	require.NoError(t, err)

	assert.Equal(t, cand.Segment.SegmentIndex, again.Segment.SegmentIndex)
	assert.InDelta(t, cand.Foot.Lon, again.Foot.Lon, 1e-9)
	assert.InDelta(t, cand.Foot.Lat, again.Foot.Lat, 1e-9)
}

func TestGetSegmentUnknownWay(t *testing.T) {
	c := buildStraightWayCache(t)
	_, err := GetSegment(c, 999, geo.Point{Lon: 0, Lat: 0})
	assert.Error(t, err)
}
