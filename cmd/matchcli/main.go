// Command matchcli runs one map-matching pass against a CSV trace and
// writes the point and segment summary tables back out as CSV, the same
// shape the HTTP API serves as JSON.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"

	"github.com/paleolimbot/osmmatch/internal/gpsclean"
	"github.com/paleolimbot/osmmatch/internal/logging"
	"github.com/paleolimbot/osmmatch/internal/matcher"
	"github.com/paleolimbot/osmmatch/internal/matchopts"
	"github.com/paleolimbot/osmmatch/internal/pgxstore"
)

func main() {
	inPath := flag.String("in", "", "input CSV with Longitude,Latitude,Timestamp columns")
	pointsOut := flag.String("points-out", "points_summary.csv", "output path for the point summary CSV")
	segmentsOut := flag.String("segments-out", "segments_summary.csv", "output path for the segment summary CSV")
	searchRadius := flag.Float64("search-radius", matchopts.Default().SearchRadius, "candidate way search radius in meters")
	lookahead := flag.Int("lookahead", matchopts.Default().ViterbiLookahead, "Viterbi lookahead steps")
	verbose := flag.Bool("verbose", false, "log pipeline phase progress")
	flag.Parse()

	if *verbose {
		logging.SetVerbose(true)
	}

	if *inPath == "" {
		log.Fatal("🔴 -in is required")
	}

	opts := matchopts.Default()
	opts.SearchRadius = *searchRadius
	opts.ViterbiLookahead = *lookahead

	log.Printf("🔄 Reading trace from %s", *inPath)
	raw, err := readTrace(*inPath, opts)
	if err != nil {
		log.Fatalf("🔴 Failed to read trace: %v", err)
	}
	log.Printf("📊 Loaded %d GPS points", len(raw))

	pool, err := pgxstore.GetPool()
	if err != nil {
		log.Fatalf("🔴 Failed to connect to database: %v", err)
	}
	defer pgxstore.Close()
	st := pgxstore.New(pool)

	log.Println("🚀 Matching...")
	stats, points, segments, err := matcher.Match(context.Background(), st, raw, opts)
	if err != nil {
		log.Fatalf("🔴 Match failed: %v", err)
	}

	log.Printf("✅ result=%s matched=%d/%d (%.1f%%) segment_distance=%.1fm",
		stats.Result, stats.MatchedPoints, stats.CleanedPoints, stats.MatchedProportion*100, stats.SegmentDistance)

	if err := writePointSummary(*pointsOut, points); err != nil {
		log.Fatalf("🔴 Failed to write point summary: %v", err)
	}
	log.Printf("📍 Wrote %d point rows to %s", len(points), *pointsOut)

	if err := writeSegmentSummary(*segmentsOut, segments); err != nil {
		log.Fatalf("🔴 Failed to write segment summary: %v", err)
	}
	log.Printf("📍 Wrote %d segment rows to %s", len(segments), *segmentsOut)
}

func readTrace(path string, opts matchopts.Options) ([]gpsclean.RawPoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	lonIdx, latIdx, tsIdx := -1, -1, -1
	for i, col := range header {
		switch col {
		case opts.LonColumn:
			lonIdx = i
		case opts.LatColumn:
			latIdx = i
		case opts.TimestampColumn:
			tsIdx = i
		}
	}
	if lonIdx < 0 || latIdx < 0 || tsIdx < 0 {
		return nil, fmt.Errorf("CSV must have %s, %s, %s columns", opts.LonColumn, opts.LatColumn, opts.TimestampColumn)
	}

	var points []gpsclean.RawPoint
	for {
		row, err := r.Read()
		if err != nil {
			break
		}
		lon, err := strconv.ParseFloat(row[lonIdx], 64)
		if err != nil {
			return nil, fmt.Errorf("parsing longitude: %w", err)
		}
		lat, err := strconv.ParseFloat(row[latIdx], 64)
		if err != nil {
			return nil, fmt.Errorf("parsing latitude: %w", err)
		}
		points = append(points, gpsclean.RawPoint{Lon: lon, Lat: lat, Timestamp: row[tsIdx]})
	}
	return points, nil
}

func writePointSummary(path string, rows []matcher.PointSummaryRow) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	tagKeys := collectTagKeys(func(yield func(map[string]string)) {
		for _, r := range rows {
			yield(r.WayTags)
		}
	})

	header := []string{"gps__original_index", "wayid", "segment", "node1", "node2", "type_tag", "name",
		"distance", "bearing", "oneway", "p1_lon", "p1_lat", "p2_lon", "p2_lat", "alongtrack",
		"pt_onseg_lon", "pt_onseg_lat", "xte", "dist_from_route", "gps_lon", "gps_lat",
		"gps_timestamp", "gps_velocity", "gps_bearing", "gps_rotation", "gps_distance"}
	for _, k := range tagKeys {
		header = append(header, "waytag_"+k)
	}
	if err := w.Write(header); err != nil {
		return err
	}

	for _, r := range rows {
		record := []string{
			strconv.Itoa(r.GPSOriginalIndex),
			strconv.FormatInt(r.WayID, 10),
			strconv.Itoa(r.SegmentIndex),
			strconv.FormatInt(r.Node1, 10),
			strconv.FormatInt(r.Node2, 10),
			r.TypeTag,
			r.Name,
			strconv.FormatFloat(r.DistanceM, 'f', 3, 64),
			strconv.FormatFloat(r.BearingDeg, 'f', 3, 64),
			strconv.FormatBool(r.Oneway),
			strconv.FormatFloat(r.P1Lon, 'f', 7, 64),
			strconv.FormatFloat(r.P1Lat, 'f', 7, 64),
			strconv.FormatFloat(r.P2Lon, 'f', 7, 64),
			strconv.FormatFloat(r.P2Lat, 'f', 7, 64),
			strconv.FormatFloat(r.AlongTrack, 'f', 3, 64),
			strconv.FormatFloat(r.PtOnSegLon, 'f', 7, 64),
			strconv.FormatFloat(r.PtOnSegLat, 'f', 7, 64),
			strconv.FormatFloat(r.XTE, 'f', 3, 64),
			strconv.FormatFloat(r.DistFromRoute, 'f', 3, 64),
			strconv.FormatFloat(r.GPSLon, 'f', 7, 64),
			strconv.FormatFloat(r.GPSLat, 'f', 7, 64),
			r.GPSTime.Format("2006-01-02 15:04:05"),
			strconv.FormatFloat(float64(r.GPSVelocity), 'f', 3, 64),
			strconv.FormatFloat(float64(r.GPSBearing), 'f', 3, 64),
			strconv.FormatFloat(float64(r.GPSRotation), 'f', 3, 64),
			strconv.FormatFloat(float64(r.GPSDistance), 'f', 3, 64),
		}
		for _, k := range tagKeys {
			record = append(record, r.WayTags[k])
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	return nil
}

// collectTagKeys gathers the sorted union of tag keys across every row's tag
// map, so the flattened waytag_*/nodetag_* columns are stable regardless of
// which row first carries a given key.
func collectTagKeys(each func(yield func(map[string]string))) []string {
	seen := make(map[string]bool)
	each(func(tags map[string]string) {
		for k := range tags {
			seen[k] = true
		}
	})
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeSegmentSummary(path string, rows []matcher.SegmentSummaryRow) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	wayTagKeys := collectTagKeys(func(yield func(map[string]string)) {
		for _, r := range rows {
			yield(r.WayTags)
		}
	})
	nodeTagKeys := collectTagKeys(func(yield func(map[string]string)) {
		for _, r := range rows {
			yield(r.NodeTags)
		}
	})

	header := []string{"wayid", "segment", "node1", "node2", "type_tag", "name", "distance", "bearing",
		"p1_lon", "p1_lat", "p2_lon", "p2_lat", "pt_onseg_lon", "pt_onseg_lat", "direction"}
	for _, k := range wayTagKeys {
		header = append(header, "waytag_"+k)
	}
	for _, k := range nodeTagKeys {
		header = append(header, "nodetag_"+k)
	}
	if err := w.Write(header); err != nil {
		return err
	}

	for _, r := range rows {
		record := []string{
			strconv.FormatInt(r.WayID, 10),
			strconv.Itoa(r.SegmentIndex),
			strconv.FormatInt(r.Node1, 10),
			strconv.FormatInt(r.Node2, 10),
			r.TypeTag,
			r.Name,
			strconv.FormatFloat(r.DistanceM, 'f', 3, 64),
			strconv.FormatFloat(r.BearingDeg, 'f', 3, 64),
			strconv.FormatFloat(r.P1Lon, 'f', 7, 64),
			strconv.FormatFloat(r.P1Lat, 'f', 7, 64),
			strconv.FormatFloat(r.P2Lon, 'f', 7, 64),
			strconv.FormatFloat(r.P2Lat, 'f', 7, 64),
			strconv.FormatFloat(float64(r.PtOnSegLon), 'f', 7, 64),
			strconv.FormatFloat(float64(r.PtOnSegLat), 'f', 7, 64),
			strconv.Itoa(r.Direction),
		}
		for _, k := range wayTagKeys {
			record = append(record, r.WayTags[k])
		}
		for _, k := range nodeTagKeys {
			record = append(record, r.NodeTags[k])
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	return nil
}
