package store

import (
	"context"
	"sort"

	"github.com/paleolimbot/osmmatch/internal/geo"
)

// MemStore is an in-memory Store, used by tests and by callers who already
// have ways/nodes loaded (e.g. from a fixture) and don't want a live
// database.
type MemStore struct {
	WaysByID  map[int64]Way
	NodesByID map[int64]Node
	Radius    float64
}

// NewMemStore builds a MemStore from a flat list of ways and nodes.
func NewMemStore(ways []Way, nodes []Node) *MemStore {
	m := &MemStore{
		WaysByID:  make(map[int64]Way, len(ways)),
		NodesByID: make(map[int64]Node, len(nodes)),
	}
	for _, w := range ways {
		m.WaysByID[w.ID] = w
	}
	for _, n := range nodes {
		m.NodesByID[n.ID] = n
	}
	return m
}

func (m *MemStore) Ways(_ context.Context, ids []int64) ([]Way, error) {
	out := make([]Way, 0, len(ids))
	for _, id := range ids {
		if w, ok := m.WaysByID[id]; ok {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *MemStore) Nodes(_ context.Context, ids []int64) ([]Node, error) {
	out := make([]Node, 0, len(ids))
	for _, id := range ids {
		if n, ok := m.NodesByID[id]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

// routableHighway applies the same class filter the spatial query uses:
// ways a vehicle can't drive never surface as candidates.
func routableHighway(class string) bool {
	switch class {
	case "", "cycleway", "footway", "bridleway", "steps", "path":
		return false
	default:
		return true
	}
}

func (m *MemStore) NearestWays(_ context.Context, pt geo.Point, radiusM float64) ([]int64, error) {
	type cand struct {
		id   int64
		dist float64
	}
	var cands []cand
	for _, w := range m.WaysByID {
		if !routableHighway(w.Tags["highway"]) {
			continue
		}
		best := -1.0
		for _, nid := range w.Nodes {
			n, ok := m.NodesByID[nid]
			if !ok {
				continue
			}
			d := geo.GeoDist(pt, n.Pt)
			if best < 0 || d < best {
				best = d
			}
		}
		if best >= 0 && best <= radiusM {
			cands = append(cands, cand{w.ID, best})
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })

	ids := make([]int64, len(cands))
	for i, c := range cands {
		ids[i] = c.id
	}
	return ids, nil
}
