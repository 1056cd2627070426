// Package cache memoizes full map-matching runs in Redis, keyed by a hash of
// the input trace and options, so a resubmitted trace skips straight to the
// cached stats/summary tables. A distributed lock avoids a thundering herd
// of identical in-flight matches recomputing the same run simultaneously.
package cache

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/paleolimbot/osmmatch/internal/gpsclean"
	"github.com/paleolimbot/osmmatch/internal/matcher"
	"github.com/paleolimbot/osmmatch/internal/matchopts"
)

var (
	client     *redis.Client
	clientOnce sync.Once
	clientErr  error
)

// Config holds Redis configuration.
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	TTL      time.Duration
	MutexTTL time.Duration
}

// LoadConfigFromEnv loads Redis configuration from environment variables.
func LoadConfigFromEnv() *Config {
	port, _ := strconv.Atoi(getEnv("REDIS_PORT", "6379"))
	db, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	ttl, _ := time.ParseDuration(getEnv("CACHE_TTL", "10m"))
	mutexTTL, _ := time.ParseDuration(getEnv("CACHE_MUTEX_TTL", "5s"))

	return &Config{
		Host:     getEnv("REDIS_HOST", "localhost"),
		Port:     port,
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       db,
		TTL:      ttl,
		MutexTTL: mutexTTL,
	}
}

// GetClient returns the global Redis client (singleton pattern).
func GetClient() (*redis.Client, error) {
	clientOnce.Do(func() {
		config := LoadConfigFromEnv()

		opts := &redis.Options{
			Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
			Password:     config.Password,
			DB:           config.DB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			PoolSize:     10,
			MinIdleConns: 2,
		}

		if getEnv("REDIS_TLS_ENABLED", "false") == "true" {
			opts.TLSConfig = &tls.Config{
				MinVersion: tls.VersionTLS12,
			}
		}

		client = redis.NewClient(opts)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := client.Ping(ctx).Err(); err != nil {
			clientErr = fmt.Errorf("failed to connect to Redis: %w", err)
			return
		}
	})

	return client, clientErr
}

// Close closes the Redis client.
func Close() {
	if client != nil {
		client.Close()
	}
}

// MatchResult is the cached payload for one run.
type MatchResult struct {
	Stats    matcher.Stats               `json:"stats"`
	Points   []matcher.PointSummaryRow   `json:"points"`
	Segments []matcher.SegmentSummaryRow `json:"segments"`
}

// MatchKey hashes a trace plus its matching options into a deterministic
// cache key. Traces are hashed by coordinate+timestamp only; callers should
// hold the same opts for a hit.
func MatchKey(points []gpsclean.RawPoint, opts matchopts.Options) string {
	h := sha256.New()
	for _, p := range points {
		fmt.Fprintf(h, "%.6f,%.6f,%s;", p.Lon, p.Lat, p.Timestamp)
	}
	fmt.Fprintf(h, "|%g,%d,%g,%g,%g,%d,%g,%d,%g,%d",
		opts.SearchRadius, opts.MinPoints, opts.MaxVelocity, opts.SigmaZ, opts.Beta,
		opts.MaxIter, opts.MinPointDistance, opts.ParameterWindow, opts.BearingPenaltyWeight, opts.ViterbiLookahead)
	return fmt.Sprintf("match:%x", h.Sum(nil))
}

// LockKey generates a mutex lock key for a match key.
func LockKey(matchKey string) string {
	return fmt.Sprintf("lock:%s", matchKey)
}

// GetMatch retrieves a cached run result, or nil on a cache miss.
func GetMatch(ctx context.Context, key string) (*MatchResult, error) {
	c, err := GetClient()
	if err != nil {
		return nil, err
	}

	data, err := c.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var result MatchResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached match: %w", err)
	}
	return &result, nil
}

// SetMatch caches a run result.
func SetMatch(ctx context.Context, key string, result *MatchResult, ttl time.Duration) error {
	c, err := GetClient()
	if err != nil {
		return err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal match result: %w", err)
	}

	return c.Set(ctx, key, data, ttl).Err()
}

// AcquireLock attempts to acquire a distributed lock. Returns true if the
// lock was acquired, false if already held.
func AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	c, err := GetClient()
	if err != nil {
		return false, err
	}

	ok, err := c.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// ReleaseLock releases a distributed lock.
func ReleaseLock(ctx context.Context, key string) error {
	c, err := GetClient()
	if err != nil {
		return err
	}
	return c.Del(ctx, key).Err()
}

// WaitForLock waits for an in-flight match's lock to be released, then
// retrieves its cached result. Implements the "wait for result" pattern so
// concurrent identical submissions don't all recompute the same run.
func WaitForLock(ctx context.Context, matchKey string, maxWait time.Duration) (*MatchResult, error) {
	c, err := GetClient()
	if err != nil {
		return nil, err
	}

	lockKey := LockKey(matchKey)
	deadline := time.Now().Add(maxWait)

	for time.Now().Before(deadline) {
		exists, err := c.Exists(ctx, lockKey).Result()
		if err != nil {
			return nil, err
		}

		if exists == 0 {
			return GetMatch(ctx, matchKey)
		}

		time.Sleep(100 * time.Millisecond)
	}

	return nil, fmt.Errorf("timeout waiting for lock")
}

// HealthCheck performs a health check on the Redis connection.
func HealthCheck(ctx context.Context) error {
	c, err := GetClient()
	if err != nil {
		return fmt.Errorf("Redis client not initialized: %w", err)
	}
	if err := c.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("Redis ping failed: %w", err)
	}
	return nil
}

// Stats returns Redis connection-pool stats.
func Stats(ctx context.Context) (map[string]interface{}, error) {
	c, err := GetClient()
	if err != nil {
		return nil, err
	}

	info, err := c.Info(ctx, "stats").Result()
	if err != nil {
		return nil, err
	}

	poolStats := c.PoolStats()

	return map[string]interface{}{
		"info":        info,
		"hits":        poolStats.Hits,
		"misses":      poolStats.Misses,
		"timeouts":    poolStats.Timeouts,
		"total_conns": poolStats.TotalConns,
		"idle_conns":  poolStats.IdleConns,
		"stale_conns": poolStats.StaleConns,
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
