// Package store defines the spatial store contract the road cache builds
// from: bulk way/node lookups and a nearby-ways spatial query, shaped after
// an osm2pgsql-backed PostGIS schema.
package store

import (
	"context"

	"github.com/paleolimbot/osmmatch/internal/geo"
)

// Node is an OSM node: a point with an id and optional tags.
type Node struct {
	ID   int64
	Pt   geo.Point
	Tags map[string]string
}

// Way is an OSM way: an ordered sequence of node ids plus tags.
type Way struct {
	ID    int64
	Nodes []int64
	Tags  map[string]string
}

// Store is the external spatial collaborator the road cache depends on. It
// deliberately has no notion of the routing graph or probabilities; it only
// answers "what OSM data is near here" and "give me these ids".
type Store interface {
	// Ways returns the ways with the given ids. Ids not found are omitted,
	// not errored.
	Ways(ctx context.Context, ids []int64) ([]Way, error)

	// Nodes returns the nodes with the given ids. Ids not found are
	// omitted, not errored.
	Nodes(ctx context.Context, ids []int64) ([]Node, error)

	// NearestWays returns the ids of routable ways within radiusM meters of
	// pt, nearest first.
	NearestWays(ctx context.Context, pt geo.Point, radiusM float64) ([]int64, error)
}
