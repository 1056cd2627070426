// Package transition computes the driving distance and transition
// probability between two candidate segments at consecutive observations,
// and exposes eager and lazy materializations of the resulting
// T[t,i,j] tensor.
package transition

import (
	"math"

	"github.com/paleolimbot/osmmatch/internal/roadcache"
	"github.com/paleolimbot/osmmatch/internal/routing"
	"github.com/paleolimbot/osmmatch/internal/segmentfit"
)

// Options bounds the driving-distance/probability formulas.
type Options struct {
	Beta          float64 // default 10.0
	GraceDistance float64 // default 0
	MaxVelocity   float64 // m/s, bounds full-routing search distance
}

// DefaultOptions mirrors the documented defaults.
func DefaultOptions() Options {
	return Options{Beta: 10.0, GraceDistance: 0, MaxVelocity: 250}
}

// Entry is one cell of the transition tensor.
type Entry struct {
	Prob  float64
	Nodes []int64
}

// DrivingDistance resolves the driving distance between two candidates on
// the same cache, handling the same-segment, shared-endpoint, and
// full-routing cases. reachable is false when no path could be found
// (driving is then meaningless).
func DrivingDistance(cache *roadcache.Cache, s1, s2 segmentfit.Candidate, dtSeconds float64, opts Options) (driving float64, nodes []int64, reachable bool) {
	seg1, seg2 := s1.Segment, s2.Segment

	if seg1.WayID == seg2.WayID && seg1.SegmentIndex == seg2.SegmentIndex {
		return sameSegment(cache, s1, s2, opts)
	}

	if d, n, ok := sharedEndpoint(s1, s2); ok {
		return d, n, true
	}

	maxDist := dtSeconds * opts.MaxVelocity
	return fullRoute(cache, s1, s2, maxDist)
}

func sameSegment(cache *roadcache.Cache, s1, s2 segmentfit.Candidate, opts Options) (float64, []int64, bool) {
	seg1 := s1.Segment
	delta := s2.AlongTrack - s1.AlongTrack

	if seg1.Oneway && delta < -opts.GraceDistance {
		res := routing.Route(cache, routing.Options{
			StartNode:  seg1.Node2,
			EndNodes:   []int64{seg1.Node1},
			UseWeights: true,
		})
		if res.Status != routing.StatusSuccess {
			return 0, nil, false
		}
		return res.Distance + seg1.LengthM + delta, res.NodePath, true
	}

	return math.Abs(delta), nil, true
}

// sharedEndpoint covers the four ways two distinct segments can touch at a
// node. Cases that require traveling a oneway segment against its direction
// are rejected (ok=false), falling through to full routing. The node1 cases
// are tested before the node2 cases; for a pair of antiparallel segments
// (both endpoints shared) that precedence picks the junction at s1's tail.
func sharedEndpoint(s1, s2 segmentfit.Candidate) (float64, []int64, bool) {
	seg1, seg2 := s1.Segment, s2.Segment

	switch {
	case seg1.Node1 == seg2.Node1:
		if seg1.Oneway {
			return 0, nil, false
		}
		return s1.AlongTrack + s2.AlongTrack, []int64{seg1.Node1}, true

	case seg1.Node1 == seg2.Node2:
		if seg1.Oneway || seg2.Oneway {
			return 0, nil, false
		}
		return s1.AlongTrack + (seg2.LengthM - s2.AlongTrack), []int64{seg1.Node1}, true

	case seg1.Node2 == seg2.Node1:
		// forward into seg1, forward out of seg2: always valid.
		return (seg1.LengthM - s1.AlongTrack) + s2.AlongTrack, []int64{seg1.Node2}, true

	case seg1.Node2 == seg2.Node2:
		if seg2.Oneway {
			return 0, nil, false
		}
		return (seg1.LengthM - s1.AlongTrack) + (seg2.LengthM - s2.AlongTrack), []int64{seg1.Node2}, true
	}

	return 0, nil, false
}

// fullRoute handles candidates on segments that share no endpoint. The
// search starts at s1.node1 with both of s2's endpoints as destinations. If
// the winning path runs through s1.node2, its first edge was s1 itself, so
// the part of s1 behind the candidate is subtracted back out and the
// redundant node1 entry is trimmed from the node list; otherwise the
// candidate first backtracks to node1 and that distance is added. At the
// far end the distance from the terminal node to s2's footpoint is added.
// When s2 is oneway and the path never reaches its mouth (node1), the
// arrival cannot be a legal forward traversal of s2, so the search re-runs
// targeting node1 alone.
func fullRoute(cache *roadcache.Cache, s1, s2 segmentfit.Candidate, maxDist float64) (float64, []int64, bool) {
	seg1, seg2 := s1.Segment, s2.Segment

	res := routing.Route(cache, routing.Options{
		StartNode:  seg1.Node1,
		EndNodes:   []int64{seg2.Node1, seg2.Node2},
		MaxDist:    maxDist,
		UseWeights: true,
	})
	if res.Status != routing.StatusSuccess {
		return 0, nil, false
	}

	if seg2.Oneway && !containsNode(res.NodePath, seg2.Node1) {
		res = routing.Route(cache, routing.Options{
			StartNode:  seg1.Node1,
			EndNodes:   []int64{seg2.Node1},
			MaxDist:    maxDist,
			UseWeights: true,
		})
		if res.Status != routing.StatusSuccess {
			return 0, nil, false
		}
	}

	nodes, startHalf := resolveStart(s1, res.NodePath)
	var endHalf float64
	switch nodes[len(nodes)-1] {
	case seg2.Node1:
		endHalf = s2.AlongTrack
	case seg2.Node2:
		endHalf = seg2.LengthM - s2.AlongTrack
	}
	return startHalf + res.Distance + endHalf, nodes, true
}

// resolveStart corrects the routed distance for the half of s1 between its
// footpoint and the search's start node. A path that runs through s1.node2
// traversed s1 as its first edge, so node1 is dropped from the list and the
// stretch behind the footpoint comes back off the total.
func resolveStart(s1 segmentfit.Candidate, path []int64) ([]int64, float64) {
	if containsNode(path, s1.Segment.Node2) {
		return removeNode(path, s1.Segment.Node1), -s1.AlongTrack
	}
	return path, s1.AlongTrack
}

func containsNode(nodes []int64, id int64) bool {
	for _, n := range nodes {
		if n == id {
			return true
		}
	}
	return false
}

// removeNode returns nodes without the first occurrence of id.
func removeNode(nodes []int64, id int64) []int64 {
	out := make([]int64, 0, len(nodes))
	removed := false
	for _, n := range nodes {
		if !removed && n == id {
			removed = true
			continue
		}
		out = append(out, n)
	}
	return out
}

// Probability turns a driving distance (or its absence) into a transition
// probability: exp(-|gpsDist-driving|/beta), or 0 when unreachable.
func Probability(gpsDist, driving float64, reachable bool, beta float64) float64 {
	if !reachable {
		return 0
	}
	return math.Exp(-math.Abs(gpsDist-driving) / beta)
}

// RowFunc computes driving distances from a fixed (t,i) candidate to every
// candidate at t+1, sharing one gpsDist/maxDist computation across the row.
type RowFunc func(t, i int) map[int]Entry

// Table is the T[t,i,j] tensor oracle the decoder consumes.
type Table interface {
	Get(t, i, j int) Entry
}

// EagerTable precomputes every row up front.
type EagerTable struct {
	rows map[[2]int]map[int]Entry
}

// BuildEager computes every (t,i) row via rowFunc for t in [0, numT) and i in
// [0, width(t)).
func BuildEager(numT int, width func(t int) int, rowFunc RowFunc) *EagerTable {
	rows := make(map[[2]int]map[int]Entry)
	for t := 0; t < numT; t++ {
		for i := 0; i < width(t); i++ {
			rows[[2]int{t, i}] = rowFunc(t, i)
		}
	}
	return &EagerTable{rows: rows}
}

func (e *EagerTable) Get(t, i, j int) Entry {
	row := e.rows[[2]int{t, i}]
	return row[j]
}

// LazyTable computes and memoizes a row on its first access.
type LazyTable struct {
	rowFunc RowFunc
	cache   map[[2]int]map[int]Entry
}

// NewLazyTable wraps rowFunc in a per-(t,i) memoizing cache.
func NewLazyTable(rowFunc RowFunc) *LazyTable {
	return &LazyTable{rowFunc: rowFunc, cache: make(map[[2]int]map[int]Entry)}
}

func (l *LazyTable) Get(t, i, j int) Entry {
	key := [2]int{t, i}
	row, ok := l.cache[key]
	if !ok {
		row = l.rowFunc(t, i)
		l.cache[key] = row
	}
	return row[j]
}
