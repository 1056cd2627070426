// Package routing implements the weighted, multi-destination best-first
// search the transition model uses to turn two road-graph nodes into a
// driving distance. It deliberately preserves the cache's non-strict
// shortest-path behavior (first-seen-wins duplicate suppression ahead of a
// geodesic heuristic) rather than guaranteeing optimality.
package routing

import (
	"container/heap"
	"math"
	"sort"

	"github.com/paleolimbot/osmmatch/internal/geo"
	"github.com/paleolimbot/osmmatch/internal/roadcache"
)

// Status is the terminal outcome of a Route call.
type Status string

const (
	StatusSuccess    Status = "success"
	StatusNoSuchNode Status = "no_such_node"
	StatusNoRoute    Status = "no_route"
	StatusGaveUp     Status = "gave_up"
)

// Result is the outcome of a route search.
type Result struct {
	Status   Status
	NodePath []int64
	Distance float64 // sum of raw (unweighted) edge lengths along NodePath
}

// Options configures one Route call.
type Options struct {
	StartNode  int64
	EndNodes   []int64
	MaxDist    float64 // 0 means unbounded
	Seed       *int64  // successor to enqueue first, if it is a neighbor
	Exclude    []int64
	UseWeights bool
	MaxCount   int // default 1_000_000
}

const defaultMaxCount = 1_000_000

// Route runs the best-first search described above and returns its terminal
// outcome.
func Route(cache *roadcache.Cache, opts Options) Result {
	maxCount := opts.MaxCount
	if maxCount <= 0 {
		maxCount = defaultMaxCount
	}
	maxDist := opts.MaxDist
	if maxDist <= 0 {
		maxDist = math.Inf(1)
	}

	if _, ok := cache.Routing[opts.StartNode]; !ok {
		return Result{Status: StatusNoSuchNode}
	}

	endSet := make(map[int64]bool, len(opts.EndNodes))
	for _, n := range opts.EndNodes {
		endSet[n] = true
	}
	centroid := centroidOf(cache, opts.EndNodes)

	closed := make(map[int64]bool)
	closed[opts.StartNode] = true
	for _, n := range opts.Exclude {
		closed[n] = true
	}

	inQueue := make(map[int64]bool)
	pq := &priorityQueue{}
	heap.Init(pq)

	enqueue := func(from int64, fromPath []int64, fromDistance, fromWeighted float64, to int64, seg *roadcache.Segment) {
		if closed[to] || inQueue[to] {
			return
		}
		if opts.UseWeights && seg.Weight == 0 {
			return
		}

		weighted := fromWeighted
		if opts.UseWeights {
			weighted += seg.LengthM / seg.Weight
		} else {
			weighted += seg.LengthM
		}

		path := make([]int64, len(fromPath)+1)
		copy(path, fromPath)
		path[len(fromPath)] = to

		entry := &queueItem{
			endNode:          to,
			distance:         fromDistance + seg.LengthM,
			weightedDistance: weighted,
			estTotal:         weighted + geo.GeoDist(cache.Nodes[to].Pt, centroid),
			nodePath:         path,
		}
		heap.Push(pq, entry)
		inQueue[to] = true
	}

	// Enqueue the seed neighbor first if present, so the duplicate
	// suppression below gives it priority over any other edge landing on
	// the same node.
	neighbors := cache.Edges(opts.StartNode)
	if opts.Seed != nil {
		if seg, ok := neighbors[*opts.Seed]; ok {
			enqueue(opts.StartNode, []int64{opts.StartNode}, 0, 0, *opts.Seed, seg)
		}
	}
	for _, to := range sortedNeighborIDs(neighbors) {
		enqueue(opts.StartNode, []int64{opts.StartNode}, 0, 0, to, neighbors[to])
	}

	for i := 0; i < maxCount; i++ {
		if pq.Len() == 0 {
			return Result{Status: StatusNoRoute}
		}

		current := heap.Pop(pq).(*queueItem)
		delete(inQueue, current.endNode)

		if closed[current.endNode] {
			continue
		}
		if endSet[current.endNode] {
			return Result{Status: StatusSuccess, NodePath: current.nodePath, Distance: current.distance}
		}

		closed[current.endNode] = true

		if current.distance > maxDist {
			continue
		}

		edges := cache.Edges(current.endNode)
		for _, to := range sortedNeighborIDs(edges) {
			enqueue(current.endNode, current.nodePath, current.distance, current.weightedDistance, to, edges[to])
		}
	}

	return Result{Status: StatusGaveUp}
}

// sortedNeighborIDs fixes the expansion order of a node's outbound edges.
// Map iteration order is randomized, and with it which edge lands first on a
// tied node; sorting keeps the first-seen-wins suppression deterministic
// across runs.
func sortedNeighborIDs(edges map[int64]*roadcache.Segment) []int64 {
	ids := make([]int64, 0, len(edges))
	for id := range edges {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func centroidOf(cache *roadcache.Cache, nodeIDs []int64) geo.Point {
	if len(nodeIDs) == 0 {
		return geo.Point{}
	}
	var lon, lat float64
	n := 0
	for _, id := range nodeIDs {
		if node, ok := cache.Nodes[id]; ok {
			lon += node.Pt.Lon
			lat += node.Pt.Lat
			n++
		}
	}
	if n == 0 {
		return geo.Point{}
	}
	return geo.Point{Lon: lon / float64(n), Lat: lat / float64(n)}
}

type queueItem struct {
	endNode          int64
	distance         float64
	weightedDistance float64
	estTotal         float64
	nodePath         []int64
	index            int
}

type priorityQueue []*queueItem

func (pq priorityQueue) Len() int { return len(pq) }

// Ties on estTotal break on endNode: container/heap is not stable, and a
// run-dependent winner among equal-cost entries would make the chosen path
// vary between otherwise identical runs.
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].estTotal != pq[j].estTotal {
		return pq[i].estTotal < pq[j].estTotal
	}
	return pq[i].endNode < pq[j].endNode
}
func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i]; pq[i].index = i; pq[j].index = j }

func (pq *priorityQueue) Push(x interface{}) {
	item := x.(*queueItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}
func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[:n-1]
	return item
}
