package routing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paleolimbot/osmmatch/internal/geo"
	"github.com/paleolimbot/osmmatch/internal/roadcache"
	"github.com/paleolimbot/osmmatch/internal/store"
)

// chainCache builds a four-node linear road A-B-C-D, all residential
// two-way segments of ~79m each, for mode car.
func chainCache(t *testing.T) *roadcache.Cache {
	t.Helper()
	nodes := []store.Node{
		{ID: 1, Pt: geo.Point{Lon: -64.000, Lat: 45.000}},
		{ID: 2, Pt: geo.Point{Lon: -64.001, Lat: 45.000}},
		{ID: 3, Pt: geo.Point{Lon: -64.002, Lat: 45.000}},
		{ID: 4, Pt: geo.Point{Lon: -64.003, Lat: 45.000}},
	}
	way := store.Way{ID: 1, Nodes: []int64{1, 2, 3, 4}, Tags: map[string]string{"highway": "residential"}}
	st := store.NewMemStore([]store.Way{way}, nodes)

	c := roadcache.New(roadcache.ModeCar)
	require.NoError(t, c.AddWays(context.Background(), st, []int64{1}))
	return c
}

func TestRouteSuccessSoundness(t *testing.T) {
	c := chainCache(t)

	res := Route(c, Options{StartNode: 1, EndNodes: []int64{4}, UseWeights: true})
	require.Equal(t, StatusSuccess, res.Status)

	require.Equal(t, []int64{1, 2, 3, 4}, res.NodePath)

	var sum float64
	for i := 0; i+1 < len(res.NodePath); i++ {
		seg := c.Edges(res.NodePath[i])[res.NodePath[i+1]]
		require.NotNil(t, seg, "edge %d->%d must exist in routing", res.NodePath[i], res.NodePath[i+1])
		sum += seg.LengthM
	}
	assert.InDelta(t, sum, res.Distance, 1e-6)
}

func TestRouteNoSuchNode(t *testing.T) {
	c := chainCache(t)
	res := Route(c, Options{StartNode: 999, EndNodes: []int64{4}, UseWeights: true})
	assert.Equal(t, StatusNoSuchNode, res.Status)
}

func TestRouteNoRouteWhenUnreachable(t *testing.T) {
	c := chainCache(t)
	res := Route(c, Options{StartNode: 1, EndNodes: []int64{999}, UseWeights: true})
	assert.Equal(t, StatusNoRoute, res.Status)
}

func TestRouteWeightZeroBlocksWithWeights(t *testing.T) {
	nodes := []store.Node{
		{ID: 1, Pt: geo.Point{Lon: -64.000, Lat: 45.000}},
		{ID: 2, Pt: geo.Point{Lon: -64.001, Lat: 45.000}},
	}
	// "path" has no weight entry for car -> weight 0 for ModeCar.
	way := store.Way{ID: 1, Nodes: []int64{1, 2}, Tags: map[string]string{"highway": "path"}}
	st := store.NewMemStore([]store.Way{way}, nodes)

	c := roadcache.New(roadcache.ModeCar)
	require.NoError(t, c.AddWays(context.Background(), st, []int64{1}))

	t.Run("blocked when weights matter", func(t *testing.T) {
		res := Route(c, Options{StartNode: 1, EndNodes: []int64{2}, UseWeights: true})
		assert.Equal(t, StatusNoRoute, res.Status)
	})

	t.Run("reachable when weights are ignored", func(t *testing.T) {
		res := Route(c, Options{StartNode: 1, EndNodes: []int64{2}, UseWeights: false})
		assert.Equal(t, StatusSuccess, res.Status)
	})
}

func TestRouteGaveUpOnTinyMaxCount(t *testing.T) {
	c := chainCache(t)
	res := Route(c, Options{StartNode: 1, EndNodes: []int64{4}, UseWeights: true, MaxCount: 1})
	assert.Equal(t, StatusGaveUp, res.Status)
}
