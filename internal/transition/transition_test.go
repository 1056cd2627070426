package transition

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paleolimbot/osmmatch/internal/geo"
	"github.com/paleolimbot/osmmatch/internal/roadcache"
	"github.com/paleolimbot/osmmatch/internal/segmentfit"
	"github.com/paleolimbot/osmmatch/internal/store"
)

// chainCache builds a four-node linear two-way residential road A-B-C-D,
// ~111m per hop at the equator.
func chainCache(t *testing.T, oneway bool) *roadcache.Cache {
	t.Helper()
	nodes := []store.Node{
		{ID: 1, Pt: geo.Point{Lon: 0.000, Lat: 0.000}},
		{ID: 2, Pt: geo.Point{Lon: 0.001, Lat: 0.000}},
		{ID: 3, Pt: geo.Point{Lon: 0.002, Lat: 0.000}},
		{ID: 4, Pt: geo.Point{Lon: 0.003, Lat: 0.000}},
	}
	tags := map[string]string{"highway": "residential"}
	if oneway {
		tags["oneway"] = "yes"
	}
	way := store.Way{ID: 1, Nodes: []int64{1, 2, 3, 4}, Tags: tags}
	st := store.NewMemStore([]store.Way{way}, nodes)

	c := roadcache.New(roadcache.ModeCar)
	require.NoError(t, c.AddWays(context.Background(), st, []int64{1}))
	return c
}

func segmentAt(t *testing.T, c *roadcache.Cache, from, to int64) *roadcache.Segment {
	t.Helper()
	seg := c.Edges(from)[to]
	require.NotNil(t, seg, "expected segment %d->%d", from, to)
	return seg
}

func TestDrivingDistanceSameSegmentForward(t *testing.T) {
	c := chainCache(t, false)
	seg := segmentAt(t, c, 1, 2)

	s1 := segmentfit.Candidate{Segment: seg, AlongTrack: 10}
	s2 := segmentfit.Candidate{Segment: seg, AlongTrack: 60}

	driving, nodes, ok := DrivingDistance(c, s1, s2, 10, DefaultOptions())
	require.True(t, ok)
	assert.Nil(t, nodes)
	assert.InDelta(t, 50, driving, 1e-6)
}

func TestDrivingDistanceSameSegmentOnewayBacktrackUnreachable(t *testing.T) {
	c := chainCache(t, true)
	seg := segmentAt(t, c, 1, 2)

	s1 := segmentfit.Candidate{Segment: seg, AlongTrack: 60}
	s2 := segmentfit.Candidate{Segment: seg, AlongTrack: 10}

	_, _, ok := DrivingDistance(c, s1, s2, 10, DefaultOptions())
	assert.False(t, ok, "oneway segment has no path from node2 back to node1")
}

func TestDrivingDistanceSharedEndpointForward(t *testing.T) {
	c := chainCache(t, false)
	seg1 := segmentAt(t, c, 1, 2)
	seg2 := segmentAt(t, c, 2, 3)

	s1 := segmentfit.Candidate{Segment: seg1, AlongTrack: 80}
	s2 := segmentfit.Candidate{Segment: seg2, AlongTrack: 20}

	driving, nodes, ok := DrivingDistance(c, s1, s2, 10, DefaultOptions())
	require.True(t, ok)
	assert.Equal(t, []int64{seg1.Node2}, nodes)
	assert.InDelta(t, (seg1.LengthM-80)+20, driving, 1e-6)
}

// TestSharedEndpointAntiparallel: two distinct ways traverse the same node
// pair in opposite order, so both endpoints are shared. The node1 cases take
// precedence, resolving the junction at s1's tail.
func TestSharedEndpointAntiparallel(t *testing.T) {
	a := &roadcache.Segment{WayID: 1, SegmentIndex: 1, Node1: 1, Node2: 2, LengthM: 100}
	b := &roadcache.Segment{WayID: 2, SegmentIndex: 1, Node1: 2, Node2: 1, LengthM: 100}

	s1 := segmentfit.Candidate{Segment: a, AlongTrack: 30}
	s2 := segmentfit.Candidate{Segment: b, AlongTrack: 80}

	driving, nodes, ok := sharedEndpoint(s1, s2)
	require.True(t, ok)
	assert.Equal(t, []int64{1}, nodes)
	assert.InDelta(t, 30+(100-80), driving, 1e-6)
}

func TestDrivingDistanceSameSegmentOnewayWithinGrace(t *testing.T) {
	c := chainCache(t, true)
	seg := segmentAt(t, c, 1, 2)

	s1 := segmentfit.Candidate{Segment: seg, AlongTrack: 60}
	s2 := segmentfit.Candidate{Segment: seg, AlongTrack: 20}

	opts := DefaultOptions()
	opts.GraceDistance = 50

	driving, nodes, ok := DrivingDistance(c, s1, s2, 10, opts)
	require.True(t, ok)
	assert.Empty(t, nodes)
	assert.InDelta(t, 40, driving, 1e-6)
}

func TestDrivingDistanceFullRouteAcrossMultipleHops(t *testing.T) {
	c := chainCache(t, false)
	seg1 := segmentAt(t, c, 1, 2)
	seg2 := segmentAt(t, c, 2, 3)
	seg3 := segmentAt(t, c, 3, 4)

	s1 := segmentfit.Candidate{Segment: seg1, AlongTrack: 50}
	s2 := segmentfit.Candidate{Segment: seg3, AlongTrack: 50}

	driving, nodes, ok := DrivingDistance(c, s1, s2, 60, DefaultOptions())
	require.True(t, ok)
	// forward through the rest of seg1, across seg2, then into seg3
	want := (seg1.LengthM - 50) + seg2.LengthM + 50
	assert.InDelta(t, want, driving, 1e-6)
	assert.Equal(t, []int64{2, 3}, nodes)
}

func TestDrivingDistanceFullRouteBackward(t *testing.T) {
	c := chainCache(t, false)
	seg12 := segmentAt(t, c, 1, 2)
	seg23 := segmentAt(t, c, 2, 3)
	seg34 := segmentAt(t, c, 3, 4)

	s1 := segmentfit.Candidate{Segment: seg34, AlongTrack: 30}
	s2 := segmentfit.Candidate{Segment: seg12, AlongTrack: 70}

	driving, nodes, ok := DrivingDistance(c, s1, s2, 10, DefaultOptions())
	require.True(t, ok)
	// back to node 3, across to node 2, then into seg12 from its far end
	want := 30 + seg23.LengthM + (seg12.LengthM - 70)
	assert.InDelta(t, want, driving, 1e-6)
	assert.Equal(t, []int64{3, 2}, nodes)
}

// TestDrivingDistanceOnewayTargetReroutesToMouth reaches a oneway segment
// whose far end is closer: the first search lands on node2, which cannot be
// a legal forward entry, so the route re-runs targeting the mouth.
func TestDrivingDistanceOnewayTargetReroutesToMouth(t *testing.T) {
	nodes := []store.Node{
		{ID: 1, Pt: geo.Point{Lon: 0.000, Lat: 0.000}},
		{ID: 2, Pt: geo.Point{Lon: 0.001, Lat: 0.000}},
		{ID: 3, Pt: geo.Point{Lon: 0.004, Lat: 0.000}},
		{ID: 4, Pt: geo.Point{Lon: 0.003, Lat: 0.000}},
		{ID: 6, Pt: geo.Point{Lon: 0.0035, Lat: 0.0005}},
	}
	ways := []store.Way{
		{ID: 1, Nodes: []int64{1, 2}, Tags: map[string]string{"highway": "residential"}},
		{ID: 2, Nodes: []int64{3, 4}, Tags: map[string]string{"highway": "residential", "oneway": "yes"}},
		{ID: 3, Nodes: []int64{2, 4}, Tags: map[string]string{"highway": "residential"}},
		{ID: 4, Nodes: []int64{4, 6, 3}, Tags: map[string]string{"highway": "residential"}},
	}
	st := store.NewMemStore(ways, nodes)
	c := roadcache.New(roadcache.ModeCar)
	require.NoError(t, c.AddWays(context.Background(), st, []int64{1, 2, 3, 4}))

	seg12 := segmentAt(t, c, 1, 2)
	segOneway := segmentAt(t, c, 3, 4)
	require.True(t, segOneway.Oneway)

	s1 := segmentfit.Candidate{Segment: seg12, AlongTrack: 40}
	s2 := segmentfit.Candidate{Segment: segOneway, AlongTrack: 25}

	driving, routeNodes, ok := DrivingDistance(c, s1, s2, 20, DefaultOptions())
	require.True(t, ok)
	require.NotEmpty(t, routeNodes)
	assert.Equal(t, int64(3), routeNodes[len(routeNodes)-1], "route must land on the oneway mouth")
	want := (seg12.LengthM - 40) +
		segmentAt(t, c, 2, 4).LengthM +
		segmentAt(t, c, 4, 6).LengthM +
		segmentAt(t, c, 6, 3).LengthM +
		25
	assert.InDelta(t, want, driving, 1e-6)
}

func TestProbabilityMatchesExpDecay(t *testing.T) {
	p := Probability(100, 100, true, 10)
	assert.InDelta(t, 1.0, p, 1e-9)

	p = Probability(100, 110, true, 10)
	assert.InDelta(t, math.Exp(-1), p, 1e-9)

	p = Probability(100, 0, false, 10)
	assert.Equal(t, 0.0, p)
}

func TestEagerAndLazyTableAgree(t *testing.T) {
	calls := 0
	rowFunc := func(t, i int) map[int]Entry {
		calls++
		return map[int]Entry{0: {Prob: 0.5}}
	}

	eager := BuildEager(2, func(int) int { return 1 }, rowFunc)
	assert.Equal(t, 0.5, eager.Get(0, 0, 0).Prob)
	assert.Equal(t, 0.5, eager.Get(1, 0, 0).Prob)
	assert.Equal(t, 2, calls)

	calls = 0
	lazy := NewLazyTable(rowFunc)
	assert.Equal(t, 0.5, lazy.Get(0, 0, 0).Prob)
	assert.Equal(t, 0.5, lazy.Get(0, 0, 0).Prob)
	assert.Equal(t, 1, calls, "lazy table must memoize per (t,i) row")
}
