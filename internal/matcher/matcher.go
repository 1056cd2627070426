// Package matcher is the orchestrator: it wires GPS conditioning, candidate
// lookup, road-cache construction, segment fitting, emission scoring,
// transition probabilities and Viterbi decoding into one map-matching run.
package matcher

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/paleolimbot/osmmatch/internal/emission"
	"github.com/paleolimbot/osmmatch/internal/geo"
	"github.com/paleolimbot/osmmatch/internal/gpsclean"
	"github.com/paleolimbot/osmmatch/internal/logging"
	"github.com/paleolimbot/osmmatch/internal/matchopts"
	"github.com/paleolimbot/osmmatch/internal/roadcache"
	"github.com/paleolimbot/osmmatch/internal/segmentfit"
	"github.com/paleolimbot/osmmatch/internal/store"
	"github.com/paleolimbot/osmmatch/internal/transition"
	"github.com/paleolimbot/osmmatch/internal/viterbi"
)

// NullFloat is a float64 that marshals NaN (and infinities) as JSON null.
// Summary rows legitimately carry NaN: a trace's first point has no distance
// and an inserted route segment has no on-segment point.
type NullFloat float64

func (f NullFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func (f *NullFloat) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = NullFloat(math.NaN())
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = NullFloat(v)
	return nil
}

// Stats summarizes one matching run, mirroring the persisted JSON keys.
type Stats struct {
	RunID             string    `json:"run_id"`
	Result            string    `json:"result"`
	Started           time.Time `json:"started"`
	InPoints          int       `json:"in_points"`
	CleanedPoints     int       `json:"cleaned_points"`
	MatchedPoints     int       `json:"matched_points"`
	MatchedProportion float64   `json:"matched_proportion"`

	TCleaned           float64 `json:"t_cleaned"`
	TVelocityDirection float64 `json:"t_velocity_direction"`
	TFetchWays         float64 `json:"t_fetchways"`
	TCache             float64 `json:"t_cache"`
	TEprobs            float64 `json:"t_eprobs"`
	THMM               float64 `json:"t_hmm"`
	TSummary           float64 `json:"t_summary"`
	TTotal             float64 `json:"t_total"`

	GPSDistance     float64 `json:"gps_distance"`
	MeanXTE         float64 `json:"mean_xte"`
	SegmentDistance float64 `json:"segment_distance"`
	TripDurationMin float64 `json:"trip_duration_min"`
}

// PointSummaryRow is one row of the per-observation match table.
type PointSummaryRow struct {
	GPSOriginalIndex int     `json:"gps__original_index"`
	WayID            int64   `json:"wayid"`
	SegmentIndex     int     `json:"segment"`
	Node1            int64   `json:"node1"`
	Node2            int64   `json:"node2"`
	TypeTag          string  `json:"type_tag"`
	Name             string  `json:"name"`
	DistanceM        float64 `json:"distance"`
	BearingDeg       float64 `json:"bearing"`
	Oneway           bool    `json:"oneway"`
	P1Lon            float64 `json:"p1_lon"`
	P1Lat            float64 `json:"p1_lat"`
	P2Lon            float64 `json:"p2_lon"`
	P2Lat            float64 `json:"p2_lat"`
	AlongTrack       float64 `json:"alongtrack"`
	PtOnSegLon       float64 `json:"pt_onseg_lon"`
	PtOnSegLat       float64 `json:"pt_onseg_lat"`
	XTE              float64 `json:"xte"`
	DistFromRoute    float64 `json:"dist_from_route"`

	GPSLon      float64   `json:"gps_lon"`
	GPSLat      float64   `json:"gps_lat"`
	GPSTime     time.Time `json:"gps_timestamp"`
	GPSVelocity NullFloat `json:"gps_velocity"`
	GPSBearing  NullFloat `json:"gps_bearing"`
	GPSRotation NullFloat `json:"gps_rotation"`
	GPSDistance NullFloat `json:"gps_distance"`

	WayTags map[string]string `json:"waytags"`
}

// SegmentSummaryRow is one row of the reconstructed route table. Node1 is
// always the entry node in the direction of travel; Direction records
// whether that meant traversing the underlying segment forward (+1),
// backward (-1), or undetermined (0).
type SegmentSummaryRow struct {
	WayID        int64     `json:"wayid"`
	SegmentIndex int       `json:"segment"`
	Node1        int64     `json:"node1"`
	Node2        int64     `json:"node2"`
	TypeTag      string    `json:"type_tag"`
	Name         string    `json:"name"`
	DistanceM    float64   `json:"distance"`
	BearingDeg   float64   `json:"bearing"`
	P1Lon        float64   `json:"p1_lon"`
	P1Lat        float64   `json:"p1_lat"`
	P2Lon        float64   `json:"p2_lon"`
	P2Lat        float64   `json:"p2_lat"`
	PtOnSegLon   NullFloat `json:"pt_onseg_lon"`
	PtOnSegLat   NullFloat `json:"pt_onseg_lat"`
	Direction    int       `json:"direction"`

	NodeTags map[string]string `json:"nodetags"`
	WayTags  map[string]string `json:"waytags"`
}

// Match runs the full map-matching pipeline against raw, returning summary
// stats and, when requested by opts, the per-point and per-segment tables.
func Match(ctx context.Context, st store.Store, raw []gpsclean.RawPoint, opts matchopts.Options) (Stats, []PointSummaryRow, []SegmentSummaryRow, error) {
	started := time.Now()
	stats := Stats{RunID: uuid.New().String(), Started: started.UTC(), InPoints: len(raw)}

	for i := range raw {
		raw[i].OriginalIndex = i
	}

	cleanStart := time.Now()
	cleaned := gpsclean.Clean(raw, gpsclean.CleanOptions{
		MaxVelocity:    opts.MaxVelocity,
		MinVelocity:    0,
		MinDistance:    opts.MinPointDistance,
		RecursionLimit: 100,
	})
	stats.TCleaned = time.Since(cleanStart).Seconds()
	stats.CleanedPoints = len(cleaned)

	vdStart := time.Now()
	gpsclean.FillDerived(cleaned, opts.ParameterWindow)
	stats.TVelocityDirection = time.Since(vdStart).Seconds()

	if len(cleaned) < opts.MinPoints {
		stats.Result = "not_enough_points"
		stats.TTotal = time.Since(started).Seconds()
		return stats, nil, nil, nil
	}

	fetchStart := time.Now()
	candidateWays, err := fetchCandidateWays(ctx, st, cleaned, opts.SearchRadius, opts.DBThreads)
	if err != nil {
		stats.Result = "store_error"
		return stats, nil, nil, fmt.Errorf("nearest_ways: %w", err)
	}
	allWayIDs := make(map[int64]bool)
	for _, ids := range candidateWays {
		for _, id := range ids {
			allWayIDs[id] = true
		}
	}
	stats.TFetchWays = time.Since(fetchStart).Seconds()
	logging.Debugf("matcher: fetched candidate ways for %d points (%d distinct ways) in %.3fs", len(cleaned), len(allWayIDs), stats.TFetchWays)

	cacheStart := time.Now()
	wayIDList := make([]int64, 0, len(allWayIDs))
	for id := range allWayIDs {
		wayIDList = append(wayIDList, id)
	}
	// Registration order decides which way wins when two ways share a
	// directed node pair; sorted ids keep that choice stable across runs.
	sort.Slice(wayIDList, func(i, j int) bool { return wayIDList[i] < wayIDList[j] })
	cache, err := roadcache.GetOrBuild(ctx, st, roadcache.ModeCar, wayIDList)
	if err != nil {
		stats.Result = "store_error"
		return stats, nil, nil, fmt.Errorf("building road cache: %w", err)
	}
	stats.TCache = time.Since(cacheStart).Seconds()
	logging.Debugf("matcher: built road cache from %d ways (%d nodes) in %.3fs", len(cache.Ways), len(cache.Nodes), stats.TCache)

	eprobsStart := time.Now()
	emOpts := emission.Options{SigmaZ: opts.SigmaZ, MaxSpeed: emission.DefaultOptions().MaxSpeed, BearingPenaltyWeight: opts.BearingPenaltyWeight}
	candidates := make([][]segmentfit.Candidate, len(cleaned))
	eprobs := make([][]float64, len(cleaned))
	for i, p := range cleaned {
		for _, wayID := range candidateWays[i] {
			cand, err := segmentfit.GetSegment(cache, wayID, p.Point)
			if err != nil {
				continue
			}
			candidates[i] = append(candidates[i], cand)
			eprobs[i] = append(eprobs[i], emission.Probability(cand, p.Bearing, p.Velocity, emOpts))
		}
	}
	stats.TEprobs = time.Since(eprobsStart).Seconds()

	var points []gpsclean.Point
	var keptCandidates [][]segmentfit.Candidate
	var keptEprobs [][]float64
	for i, c := range candidates {
		if len(c) == 0 {
			continue
		}
		points = append(points, cleaned[i])
		keptCandidates = append(keptCandidates, c)
		keptEprobs = append(keptEprobs, eprobs[i])
	}
	candidates = keptCandidates
	eprobs = keptEprobs

	if len(points) == 0 {
		stats.Result = "no_matches"
		stats.TTotal = time.Since(started).Seconds()
		return stats, nil, nil, nil
	}

	transOpts := transition.Options{Beta: opts.Beta, GraceDistance: opts.MinPointDistance, MaxVelocity: opts.MaxVelocity}

	hmmStart := time.Now()
	table := buildTable(cache, points, candidates, transOpts, opts.LazyProbabilities)
	path := viterbi.Decode(eprobs, table, opts.ViterbiLookahead)

	// Bad points (unresolvable transitions) trigger a bounded retry: drop
	// each bad point's predecessor and decode again. The choice of t-1 over
	// t is a judgement call carried over from the model this implements.
	for iter := 1; iter < opts.MaxIter; iter++ {
		var badpoints []int
		for t, s := range path {
			if s.NoPredecessor() {
				badpoints = append(badpoints, t)
			}
		}
		if len(badpoints) == 0 {
			break
		}
		logging.Debugf("matcher: hmm iteration %d found %d bad points, pruning predecessors and retrying", iter, len(badpoints))

		for i := len(badpoints) - 1; i >= 0; i-- {
			idx := badpoints[i] - 1
			if idx < 0 {
				continue
			}
			points = append(points[:idx], points[idx+1:]...)
			candidates = append(candidates[:idx], candidates[idx+1:]...)
			eprobs = append(eprobs[:idx], eprobs[idx+1:]...)
		}
		if len(points) == 0 {
			break
		}

		table = buildTable(cache, points, candidates, transOpts, opts.LazyProbabilities)
		path = viterbi.Decode(eprobs, table, opts.ViterbiLookahead)
	}
	stats.THMM = time.Since(hmmStart).Seconds()

	if len(points) == 0 {
		stats.Result = "no_matches"
		stats.TTotal = time.Since(started).Seconds()
		return stats, nil, nil, nil
	}

	var matchedIdx []int
	for t := range path {
		if !path[t].NoPredecessor() {
			matchedIdx = append(matchedIdx, t)
		}
	}
	if len(matchedIdx) == 0 {
		stats.Result = "no_matches"
		stats.TTotal = time.Since(started).Seconds()
		return stats, nil, nil, nil
	}

	matchedPoints := make([]gpsclean.Point, len(matchedIdx))
	matchedCandidates := make([]segmentfit.Candidate, len(matchedIdx))
	links := make([]rowLink, len(matchedIdx))
	for m, t := range matchedIdx {
		matchedPoints[m] = points[t]
		matchedCandidates[m] = candidates[t][path[t].Index]
		if m == 0 {
			links[m] = rowLink{gap: true}
			continue
		}
		prevT := matchedIdx[m-1]
		if prevT == t-1 {
			links[m] = rowLink{nodes: table.Get(t-1, path[prevT].Index, path[t].Index).Nodes}
		} else {
			links[m] = rowLink{gap: true}
		}
	}

	stats.MatchedPoints = len(matchedPoints)
	stats.MatchedProportion = float64(len(matchedPoints)) / float64(len(cleaned))
	stats.Result = "ok"

	summaryStart := time.Now()
	var pointRows []PointSummaryRow
	if opts.PointsSummary {
		pointRows = buildPointSummary(cache, matchedPoints, matchedCandidates)

		gpsDists := make([]float64, 0, len(pointRows))
		var xtes []float64
		for i, r := range pointRows {
			if !math.IsNaN(matchedPoints[i].Distance) {
				gpsDists = append(gpsDists, matchedPoints[i].Distance)
			}
			if !math.IsNaN(r.XTE) {
				xtes = append(xtes, r.XTE)
			}
		}
		stats.GPSDistance = floats.Sum(gpsDists)
		if len(xtes) > 0 {
			stats.MeanXTE = stat.Mean(xtes, nil)
		}
		if len(matchedPoints) > 1 {
			stats.TripDurationMin = matchedPoints[len(matchedPoints)-1].Time.Sub(matchedPoints[0].Time).Minutes()
		}
	}

	var segmentRows []SegmentSummaryRow
	if opts.SegmentsSummary {
		segmentRows = buildSegmentSummary(cache, matchedCandidates, links)
		segDists := make([]float64, len(segmentRows))
		for i, r := range segmentRows {
			segDists[i] = r.DistanceM
		}
		stats.SegmentDistance = floats.Sum(segDists)
	}
	stats.TSummary = time.Since(summaryStart).Seconds()

	stats.TTotal = time.Since(started).Seconds()
	return stats, pointRows, segmentRows, nil
}

// fetchCandidateWays asks the store for each point's nearby way ids,
// bounded by dbThreads concurrent outstanding calls. Response order is
// irrelevant since results are merged back by point index.
func fetchCandidateWays(ctx context.Context, st store.Store, points []gpsclean.Point, radius float64, dbThreads int) ([][]int64, error) {
	if dbThreads <= 0 {
		dbThreads = 1
	}

	results := make([][]int64, len(points))
	errs := make([]error, len(points))

	sem := make(chan struct{}, dbThreads)
	var wg sync.WaitGroup
	for i, p := range points {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, pt gpsclean.Point) {
			defer wg.Done()
			defer func() { <-sem }()
			ids, err := st.NearestWays(ctx, pt.Point, radius)
			results[i] = ids
			errs[i] = err
		}(i, p)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// buildTable wires a lazy or eager transition.Table over consecutive
// observation rows, closing over the cache, GPS-derived distance and the
// full candidate lists for both.
func buildTable(cache *roadcache.Cache, points []gpsclean.Point, candidates [][]segmentfit.Candidate, opts transition.Options, lazy bool) transition.Table {
	rowFunc := func(t, i int) map[int]transition.Entry {
		row := make(map[int]transition.Entry, len(candidates[t+1]))
		p1, p2 := points[t], points[t+1]
		gpsDist := geo.GeoDist(p1.Point, p2.Point)
		dt := p2.Time.Sub(p1.Time).Seconds()
		s1 := candidates[t][i]
		for j, s2 := range candidates[t+1] {
			driving, nodes, ok := transition.DrivingDistance(cache, s1, s2, dt, opts)
			row[j] = transition.Entry{Prob: transition.Probability(gpsDist, driving, ok, opts.Beta), Nodes: nodes}
		}
		return row
	}

	if lazy || len(points) == 0 {
		return transition.NewLazyTable(rowFunc)
	}
	return transition.BuildEager(len(points)-1, func(t int) int { return len(candidates[t]) }, rowFunc)
}

func buildPointSummary(cache *roadcache.Cache, points []gpsclean.Point, candidates []segmentfit.Candidate) []PointSummaryRow {
	rows := make([]PointSummaryRow, len(points))
	for i, c := range candidates {
		seg := c.Segment
		way := cache.Ways[seg.WayID]
		rows[i] = PointSummaryRow{
			GPSOriginalIndex: points[i].OriginalIndex,
			WayID:            seg.WayID,
			SegmentIndex:     seg.SegmentIndex,
			Node1:            seg.Node1,
			Node2:            seg.Node2,
			TypeTag:          seg.TypeTag,
			Name:             seg.Name,
			DistanceM:        seg.LengthM,
			BearingDeg:       seg.BearingDeg,
			Oneway:           seg.Oneway,
			P1Lon:            seg.P1.Lon,
			P1Lat:            seg.P1.Lat,
			P2Lon:            seg.P2.Lon,
			P2Lat:            seg.P2.Lat,
			AlongTrack:       c.AlongTrack,
			PtOnSegLon:       c.Foot.Lon,
			PtOnSegLat:       c.Foot.Lat,
			XTE:              c.XTE,
			DistFromRoute:    c.DistFromRoute,
			GPSLon:           points[i].Lon,
			GPSLat:           points[i].Lat,
			GPSTime:          points[i].Time,
			GPSVelocity:      NullFloat(points[i].Velocity),
			GPSBearing:       NullFloat(points[i].Bearing),
			GPSRotation:      NullFloat(points[i].Rotation),
			GPSDistance:      NullFloat(points[i].Distance),
			WayTags:          way.Tags,
		}
	}
	return rows
}

// rowLink carries how matched row m connects to row m-1: the intermediate
// node path the transition model found, or a gap where the decoder
// restarted and no connection exists.
type rowLink struct {
	nodes []int64
	gap   bool
}

// routeRow is one row of the reconstructed route while it is being
// assembled: a segment plus the matched points that landed on it and the
// most relevant on-segment position.
type routeRow struct {
	seg      *roadcache.Segment
	foot     geo.Point
	hasFoot  bool
	pointIdx []int
}

// assembleRoute expands the matched candidates into the contiguous segment
// sequence actually driven: intermediate segments named by each transition's
// node list are inserted first, then the candidate's own segment, deduplicated
// against the previous row when several points matched the same segment.
func assembleRoute(cache *roadcache.Cache, candidates []segmentfit.Candidate, links []rowLink) []routeRow {
	var rows []routeRow
	for m, c := range candidates {
		link := links[m]
		if !link.gap && len(link.nodes) >= 2 {
			for i := 1; i < len(link.nodes); i++ {
				if seg := cache.Edges(link.nodes[i-1])[link.nodes[i]]; seg != nil {
					rows = append(rows, routeRow{seg: seg})
				}
			}
		}

		seg := c.Segment
		if n := len(rows); n > 0 && rows[n-1].seg.Node1 == seg.Node1 && rows[n-1].seg.Node2 == seg.Node2 {
			last := &rows[n-1]
			last.pointIdx = append(last.pointIdx, m)
			if !containsInt(last.pointIdx, 0) {
				last.foot = c.Foot
				last.hasFoot = true
			}
			continue
		}

		if link.gap || len(link.nodes) >= 1 {
			rows = append(rows, routeRow{seg: seg, foot: c.Foot, hasFoot: true, pointIdx: []int{m}})
		}
		// A same-segment continuation with an empty node list that doesn't
		// extend the previous row is a restart after a break; skip it.
	}
	return rows
}

// assignDirections resolves each route row's direction of travel, preferring
// same-way segment-index ordering over node adjacency with the neighboring
// rows. A row with no neighbor to anchor it (a whole trip matched onto one
// segment) falls back to the along-track ordering of its own matched
// points. A row whose neighbors demand both directions was driven out and
// back: it is duplicated in place, its on-segment point pinned to the most
// extreme matched point, and the inserted copy picks up the reversed
// direction on the next iteration via the equal-segment-index rule.
func assignDirections(rows []routeRow, candidates []segmentfit.Candidate) ([]routeRow, []int) {
	var dirs []int
	for i := 0; i < len(rows); i++ {
		row := rows[i]
		var prev, next *routeRow
		if i > 0 {
			prev = &rows[i-1]
		}
		if i+1 < len(rows) {
			next = &rows[i+1]
		}

		var found []int
		switch {
		case prev != nil && prev.seg.WayID == row.seg.WayID:
			if row.seg.SegmentIndex == prev.seg.SegmentIndex {
				found = append(found, -dirs[i-1])
			} else {
				found = append(found, sign(row.seg.SegmentIndex-prev.seg.SegmentIndex))
			}
		case prev != nil && (row.seg.Node2 == prev.seg.Node1 || row.seg.Node2 == prev.seg.Node2):
			found = append(found, -1)
		case prev != nil && (row.seg.Node1 == prev.seg.Node1 || row.seg.Node1 == prev.seg.Node2):
			found = append(found, 1)
		}

		switch {
		case next != nil && next.seg.WayID == row.seg.WayID:
			if next.seg.SegmentIndex != row.seg.SegmentIndex {
				if val := sign(next.seg.SegmentIndex - row.seg.SegmentIndex); !containsInt(found, val) {
					found = append(found, val)
				}
			}
		case next != nil && (row.seg.Node2 == next.seg.Node1 || row.seg.Node2 == next.seg.Node2):
			if !containsInt(found, 1) {
				found = append(found, 1)
			}
		case next != nil && (row.seg.Node1 == next.seg.Node1 || row.seg.Node1 == next.seg.Node2):
			if !containsInt(found, -1) {
				found = append(found, -1)
			}
		}

		d := 0
		switch {
		case len(found) > 0:
			d = found[0]
		case len(row.pointIdx) >= 2 && candidates != nil:
			first := candidates[row.pointIdx[0]].AlongTrack
			last := candidates[row.pointIdx[len(row.pointIdx)-1]].AlongTrack
			if last > first {
				d = 1
			} else if last < first {
				d = -1
			}
		}
		dirs = append(dirs, d)

		if len(found) > 1 {
			if len(row.pointIdx) > 0 {
				best := row.pointIdx[0]
				for _, pi := range row.pointIdx[1:] {
					if d < 0 && candidates[pi].AlongTrack < candidates[best].AlongTrack {
						best = pi
					}
					if d > 0 && candidates[pi].AlongTrack > candidates[best].AlongTrack {
						best = pi
					}
				}
				rows[i].foot = candidates[best].Foot
				rows[i].hasFoot = true
			}
			dup := rows[i]
			rows = append(rows, routeRow{})
			copy(rows[i+2:], rows[i+1:])
			rows[i+1] = dup
		}
	}
	return rows, dirs
}

func buildSegmentSummary(cache *roadcache.Cache, candidates []segmentfit.Candidate, links []rowLink) []SegmentSummaryRow {
	rows := assembleRoute(cache, candidates, links)
	rows, dirs := assignDirections(rows, candidates)

	out := make([]SegmentSummaryRow, len(rows))
	for i, r := range rows {
		s := r.seg
		way := cache.Ways[s.WayID]

		node1, node2 := s.Node1, s.Node2
		p1, p2 := s.P1, s.P2
		var nodeTags map[string]string
		switch {
		case dirs[i] > 0:
			nodeTags = cache.Nodes[s.Node2].Tags
		case dirs[i] < 0:
			// swap endpoints so node1 is the entry node when the segment
			// was driven against its registered direction
			node1, node2 = node2, node1
			p1, p2 = p2, p1
			nodeTags = cache.Nodes[s.Node1].Tags
		}

		footLon, footLat := NullFloat(math.NaN()), NullFloat(math.NaN())
		if r.hasFoot {
			footLon, footLat = NullFloat(r.foot.Lon), NullFloat(r.foot.Lat)
		}

		out[i] = SegmentSummaryRow{
			WayID:        s.WayID,
			SegmentIndex: s.SegmentIndex,
			Node1:        node1,
			Node2:        node2,
			TypeTag:      s.TypeTag,
			Name:         s.Name,
			DistanceM:    s.LengthM,
			BearingDeg:   s.BearingDeg,
			P1Lon:        p1.Lon,
			P1Lat:        p1.Lat,
			P2Lon:        p2.Lon,
			P2Lat:        p2.Lat,
			PtOnSegLon:   footLon,
			PtOnSegLat:   footLat,
			Direction:    dirs[i],
			NodeTags:     nodeTags,
			WayTags:      way.Tags,
		}
	}
	return out
}

func containsInt(vals []int, v int) bool {
	for _, x := range vals {
		if x == v {
			return true
		}
	}
	return false
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
