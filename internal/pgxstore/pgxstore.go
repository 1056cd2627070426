// Package pgxstore implements the map-matching spatial store contract
// against an osm2pgsql-populated PostGIS database, using pgx/v5 the same way
// the rest of this codebase's database layer does: a singleton pool built
// from an environment-driven Config.
package pgxstore

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/paleolimbot/osmmatch/internal/geo"
	"github.com/paleolimbot/osmmatch/internal/store"
)

// wayCacheSize bounds the process-lifetime LRU of fetched ways. Way rows
// rarely change between requests, and consecutive GPS points in the same
// trace tend to share overlapping candidate way sets.
const wayCacheSize = 20000

var (
	pool     *pgxpool.Pool
	poolOnce sync.Once
	poolErr  error
)

// Config holds database configuration.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	MinConns int32
	MaxConns int32
}

// LoadConfigFromEnv loads database configuration from environment variables.
func LoadConfigFromEnv() *Config {
	port, _ := strconv.Atoi(getEnv("OSM_DB_PORT", "5432"))
	minConns, _ := strconv.Atoi(getEnv("OSM_DB_MIN_CONNS", "2"))
	maxConns, _ := strconv.Atoi(getEnv("OSM_DB_MAX_CONNS", "10"))

	return &Config{
		Host:     getEnv("OSM_DB_HOST", "localhost"),
		Port:     port,
		Database: getEnv("OSM_DB_NAME", "gis"),
		User:     getEnv("OSM_DB_USER", "postgres"),
		Password: getEnv("OSM_DB_PASSWORD", ""),
		SSLMode:  getEnv("OSM_DB_SSLMODE", "disable"),
		MinConns: int32(minConns),
		MaxConns: int32(maxConns),
	}
}

// GetPool returns the global database connection pool (singleton pattern).
func GetPool() (*pgxpool.Pool, error) {
	poolOnce.Do(func() {
		config := LoadConfigFromEnv()
		pool, poolErr = initPool(config)
	})
	return pool, poolErr
}

func initPool(config *Config) (*pgxpool.Pool, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		config.Host, config.Port, config.Database, config.User, config.Password, config.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	poolConfig.MinConns = config.MinConns
	poolConfig.MaxConns = config.MaxConns
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	if config.Port == 6543 {
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return p, nil
}

// Close closes the database connection pool.
func Close() {
	if pool != nil {
		pool.Close()
	}
}

// HealthCheck verifies the connection is live and PostGIS is installed.
func HealthCheck(ctx context.Context) error {
	db, err := GetPool()
	if err != nil {
		return fmt.Errorf("database connection not initialized: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var version string
	if err := db.QueryRow(ctx, "SELECT PostGIS_Version()").Scan(&version); err != nil {
		return fmt.Errorf("PostGIS not available: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// PGStore implements store.Store against an osm2pgsql planet_osm_* schema.
type PGStore struct {
	db       *pgxpool.Pool
	wayCache *lru.Cache[int64, store.Way]
}

// New wraps an existing pool in a Store.
func New(db *pgxpool.Pool) *PGStore {
	wayCache, _ := lru.New[int64, store.Way](wayCacheSize)
	return &PGStore{db: db, wayCache: wayCache}
}

// Ways returns rows from planet_osm_ways for the given ids, serving
// previously-fetched rows from an in-process LRU before querying the rest.
func (s *PGStore) Ways(ctx context.Context, ids []int64) ([]store.Way, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var ways []store.Way
	var missing []int64
	for _, id := range ids {
		if w, ok := s.wayCache.Get(id); ok {
			ways = append(ways, w)
		} else {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return ways, nil
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, nodes, tags
		FROM planet_osm_ways
		WHERE id = ANY($1)
	`, missing)
	if err != nil {
		return nil, fmt.Errorf("querying ways: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var w store.Way
		var tagPairs []string
		if err := rows.Scan(&w.ID, &w.Nodes, &tagPairs); err != nil {
			return nil, fmt.Errorf("scanning way: %w", err)
		}
		w.Tags = pairsToMap(tagPairs)
		s.wayCache.Add(w.ID, w)
		ways = append(ways, w)
	}
	return ways, rows.Err()
}

// Nodes returns rows from planet_osm_nodes for the given ids. osm2pgsql
// stores node coordinates as Web Mercator values scaled by 100; the query
// un-projects them back to WGS84 degrees so callers only ever see lon/lat.
func (s *PGStore) Nodes(ctx context.Context, ids []int64) ([]store.Node, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT id,
		       ST_X(ST_Transform(ST_SetSRID(ST_MakePoint(lon/1e2, lat/1e2), 3857), 4326)) AS lon,
		       ST_Y(ST_Transform(ST_SetSRID(ST_MakePoint(lon/1e2, lat/1e2), 3857), 4326)) AS lat,
		       tags
		FROM planet_osm_nodes
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	defer rows.Close()

	var nodes []store.Node
	for rows.Next() {
		var n store.Node
		var tagPairs []string
		if err := rows.Scan(&n.ID, &n.Pt.Lon, &n.Pt.Lat, &tagPairs); err != nil {
			return nil, fmt.Errorf("scanning node: %w", err)
		}
		n.Tags = pairsToMap(tagPairs)
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// routable classes exclude highway types a vehicle can't drive.
var excludedHighway = []string{"cycleway", "footway", "bridleway", "steps", "path"}

// NearestWays finds routable way ids within radiusM meters of pt, nearest
// first, via ST_DWithin/ST_Distance against planet_osm_line.
func (s *PGStore) NearestWays(ctx context.Context, pt geo.Point, radiusM float64) ([]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT osm_id
		FROM planet_osm_line
		WHERE highway IS NOT NULL
		  AND highway <> ALL($3)
		  AND ST_DWithin(
		        way,
		        ST_Transform(ST_SetSRID(ST_MakePoint($1, $2), 4326), 3857),
		        $4
		      )
		ORDER BY ST_Distance(
		        way,
		        ST_Transform(ST_SetSRID(ST_MakePoint($1, $2), 4326), 3857)
		      ), osm_id
	`, pt.Lon, pt.Lat, excludedHighway, radiusM)
	if err != nil {
		return nil, fmt.Errorf("querying nearest ways: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning way id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func pairsToMap(pairs []string) map[string]string {
	m := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		m[pairs[i]] = pairs[i+1]
	}
	return m
}
