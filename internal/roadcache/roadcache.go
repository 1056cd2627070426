// Package roadcache materializes an in-memory, read-only routing graph
// (ways, nodes, and a bidirectional node-to-node adjacency of segments) from
// a set of OSM way ids, annotating each segment with its transport-mode
// weight.
package roadcache

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/paleolimbot/osmmatch/internal/geo"
	"github.com/paleolimbot/osmmatch/internal/store"
)

// Mode is a transport mode used to weight road classes.
type Mode string

const (
	ModeCar   Mode = "car"
	ModeCycle Mode = "cycle"
	ModeFoot  Mode = "foot"
	ModeHorse Mode = "horse"
	ModeMTB   Mode = "mtb"
	ModeTrain Mode = "train"

	// modeAll is the sentinel row key meaning "every mode gets this weight".
	modeAll Mode = "all"
)

// weightings is the fixed transport-mode weighting table W. A road class
// absent from this table, or absent for the requested mode and without an
// "all" entry, weighs 0 (unroutable).
var weightings = map[string]map[Mode]float64{
	"motorway":     {ModeCar: 10},
	"trunk":        {ModeCar: 10, ModeCycle: 0.05},
	"primary":      {ModeCycle: 0.3, ModeCar: 2, ModeFoot: 1, ModeHorse: 0.1},
	"secondary":    {ModeCycle: 1, ModeCar: 1.5, ModeFoot: 1, ModeHorse: 0.2},
	"tertiary":     {ModeCycle: 1, ModeCar: 1, ModeFoot: 1, ModeHorse: 0.3},
	"unclassified": {modeAll: 1},
	"minor":        {modeAll: 1},
	"cycleway":     {ModeCycle: 3, ModeFoot: 0.2},
	"residential":  {ModeCycle: 3, ModeCar: 0.7, ModeFoot: 1, ModeHorse: 1},
	"track":        {ModeCar: 1, ModeCycle: 1, ModeFoot: 1, ModeHorse: 1, ModeMTB: 3},
	"service":      {modeAll: 1},
	"bridleway":    {ModeCycle: 0.8, ModeFoot: 1, ModeHorse: 10, ModeMTB: 3},
	"footway":      {ModeCycle: 0.2, ModeFoot: 1},
	"steps":        {ModeFoot: 1, ModeCycle: 0.3},
	"rail":         {ModeTrain: 1},
}

// equalTags collapses tag variants OSM uses in practice onto the canonical
// class name weightings is indexed by.
var equalTags = map[string]string{
	"motorway_link":  "motorway",
	"trunk_link":     "trunk",
	"primary_link":   "primary",
	"secondary_link": "secondary",
	"tertiary_link":  "tertiary",
	"pedestrian":     "footway",
	"driveway":       "service",
	"arcade":         "footway",
	"light_rail":     "rail",
	"subway":         "rail",
}

func normalizeTag(tag string) string {
	if canon, ok := equalTags[tag]; ok {
		return canon
	}
	return tag
}

func weighting(mode Mode, tag string) float64 {
	row, ok := weightings[normalizeTag(tag)]
	if !ok {
		return 0
	}
	if w, ok := row[mode]; ok {
		return w
	}
	if w, ok := row[modeAll]; ok {
		return w
	}
	return 0
}

func isOneway(tags map[string]string) bool {
	switch tags["oneway"] {
	case "yes", "true", "1":
		return true
	default:
		return false
	}
}

// typeTag is the way's highway class, falling back to its railway class.
func typeTag(tags map[string]string) string {
	if h := tags["highway"]; h != "" {
		return h
	}
	return tags["railway"]
}

// Segment is a directed edge between two consecutive nodes of a way.
type Segment struct {
	WayID        int64
	SegmentIndex int // 1-based, matches position within the way's node list
	Node1, Node2 int64
	P1, P2       geo.Point
	LengthM      float64
	BearingDeg   float64
	Oneway       bool
	TypeTag      string
	Name         string
	Weight       float64
}

// Cache is the materialized routing graph: ways, nodes, and the
// node-to-node segment adjacency. Read-only once built.
type Cache struct {
	Mode    Mode
	Ways    map[int64]store.Way
	Nodes   map[int64]store.Node
	Routing map[int64]map[int64]*Segment
}

// New returns an empty cache for the given transport mode.
func New(mode Mode) *Cache {
	return &Cache{
		Mode:    mode,
		Ways:    make(map[int64]store.Way),
		Nodes:   make(map[int64]store.Node),
		Routing: make(map[int64]map[int64]*Segment),
	}
}

// AddWays fetches the given way ids and all their referenced nodes from st
// in two bulk queries, then registers every segment of every way.
func (c *Cache) AddWays(ctx context.Context, st store.Store, wayIDs []int64) error {
	var toFetch []int64
	for _, id := range wayIDs {
		if _, ok := c.Ways[id]; !ok {
			toFetch = append(toFetch, id)
		}
	}
	if len(toFetch) == 0 {
		return nil
	}

	ways, err := st.Ways(ctx, toFetch)
	if err != nil {
		return fmt.Errorf("fetching ways: %w", err)
	}

	var needNodes []int64
	seen := make(map[int64]bool)
	for _, w := range ways {
		for _, nid := range w.Nodes {
			if _, ok := c.Nodes[nid]; ok || seen[nid] {
				continue
			}
			seen[nid] = true
			needNodes = append(needNodes, nid)
		}
	}

	if len(needNodes) > 0 {
		nodes, err := st.Nodes(ctx, needNodes)
		if err != nil {
			return fmt.Errorf("fetching nodes: %w", err)
		}
		for _, n := range nodes {
			c.Nodes[n.ID] = n
		}
	}

	for _, w := range ways {
		c.addWay(w)
	}
	return nil
}

func (c *Cache) addWay(w store.Way) {
	c.Ways[w.ID] = w

	oneway := isOneway(w.Tags)
	normalized := normalizeTag(typeTag(w.Tags))
	weight := weighting(c.Mode, normalized)
	name := w.Tags["name"]

	for k := 0; k < len(w.Nodes)-1; k++ {
		n1id, n2id := w.Nodes[k], w.Nodes[k+1]
		n1, ok1 := c.Nodes[n1id]
		n2, ok2 := c.Nodes[n2id]
		if !ok1 || !ok2 {
			continue
		}

		seg := &Segment{
			WayID:        w.ID,
			SegmentIndex: k + 1,
			Node1:        n1id,
			Node2:        n2id,
			P1:           n1.Pt,
			P2:           n2.Pt,
			LengthM:      geo.GeoDist(n1.Pt, n2.Pt),
			BearingDeg:   geo.BearingTo(n1.Pt, n2.Pt),
			Oneway:       oneway,
			TypeTag:      normalized,
			Name:         name,
			Weight:       weight,
		}
		c.addLink(seg)

		if !oneway {
			rev := &Segment{
				WayID:        w.ID,
				SegmentIndex: k + 1,
				Node1:        n2id,
				Node2:        n1id,
				P1:           n2.Pt,
				P2:           n1.Pt,
				LengthM:      seg.LengthM,
				BearingDeg:   geo.BearingTo(n2.Pt, n1.Pt),
				Oneway:       oneway,
				TypeTag:      normalized,
				Name:         name,
				Weight:       weight,
			}
			c.addLink(rev)
		}
	}
}

func (c *Cache) addLink(seg *Segment) {
	row, ok := c.Routing[seg.Node1]
	if !ok {
		row = make(map[int64]*Segment)
		c.Routing[seg.Node1] = row
	}
	row[seg.Node2] = seg
}

// Segments returns every registered segment belonging to wayID, in
// ascending SegmentIndex order (forward direction only).
func (c *Cache) Segments(wayID int64) []*Segment {
	w, ok := c.Ways[wayID]
	if !ok {
		return nil
	}
	segs := make([]*Segment, 0, len(w.Nodes)-1)
	for k := 0; k < len(w.Nodes)-1; k++ {
		if row, ok := c.Routing[w.Nodes[k]]; ok {
			if seg, ok := row[w.Nodes[k+1]]; ok {
				segs = append(segs, seg)
			}
		}
	}
	return segs
}

// Edges returns the outbound segments from nodeID.
func (c *Cache) Edges(nodeID int64) map[int64]*Segment {
	return c.Routing[nodeID]
}

// buildCacheSize bounds the process-lifetime LRU of fully built caches.
// Consecutive matching runs over overlapping geography (repeated traces
// through the same neighborhood) tend to resolve to the same candidate
// way-id set, so a hit here skips both the bulk ways/nodes fetch and the
// per-way segment registration pass entirely.
const buildCacheSize = 64

var (
	buildCache     *lru.Cache[string, *Cache]
	buildCacheOnce sync.Once
)

func sharedBuildCache() *lru.Cache[string, *Cache] {
	buildCacheOnce.Do(func() {
		buildCache, _ = lru.New[string, *Cache](buildCacheSize)
	})
	return buildCache
}

// WayIDSetKey derives a deterministic cache key from an (unordered) set of
// way ids plus the transport mode, for use with GetOrBuild.
func WayIDSetKey(mode Mode, wayIDs []int64) string {
	sorted := append([]int64(nil), wayIDs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var b strings.Builder
	b.WriteString(string(mode))
	b.WriteByte('|')
	for i, id := range sorted {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(id, 10))
	}
	return b.String()
}

// GetOrBuild returns a cache for the given way id set, reusing a
// previously built one from the in-process LRU when the same key was seen
// before. Read-only callers must not mutate a Cache returned this way.
func GetOrBuild(ctx context.Context, st store.Store, mode Mode, wayIDs []int64) (*Cache, error) {
	key := WayIDSetKey(mode, wayIDs)
	lru := sharedBuildCache()

	if c, ok := lru.Get(key); ok {
		return c, nil
	}

	c := New(mode)
	if err := c.AddWays(ctx, st, wayIDs); err != nil {
		return nil, err
	}
	lru.Add(key, c)
	return c, nil
}
