package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/paleolimbot/osmmatch/internal/cache"
	"github.com/paleolimbot/osmmatch/internal/gpsclean"
	"github.com/paleolimbot/osmmatch/internal/matcher"
	"github.com/paleolimbot/osmmatch/internal/matchopts"
	"github.com/paleolimbot/osmmatch/internal/pgxstore"
)

var sharedStore *pgxstore.PGStore

func main() {
	log.Println("Starting osmmatch API server...")

	pool, err := pgxstore.GetPool()
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pgxstore.Close()
	sharedStore = pgxstore.New(pool)
	log.Println("✓ Database connection established")

	if _, err := cache.GetClient(); err != nil {
		log.Printf("⚠️  Redis unavailable, running without match caching: %v", err)
	} else {
		defer cache.Close()
		log.Println("✓ Redis connection established")
	}

	app := fiber.New(fiber.Config{
		AppName:      "osmmatch API",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		ErrorHandler: customErrorHandler,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))

	app.Get("/health", healthHandler)
	app.Post("/v1/match", matchHandler)

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(404).JSON(fiber.Map{"error": "endpoint not found"})
	})

	port := getEnv("API_PORT", "8080")
	addr := fmt.Sprintf(":%s", port)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down gracefully...")
		if err := app.Shutdown(); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	}()

	log.Printf("🚀 Server listening on http://localhost%s", addr)
	log.Printf("📍 Match a trace: POST http://localhost%s/v1/match", addr)
	log.Printf("❤️  Health check: http://localhost%s/health", addr)

	if err := app.Listen(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func healthHandler(c *fiber.Ctx) error {
	if err := pgxstore.HealthCheck(c.Context()); err != nil {
		return c.Status(503).JSON(fiber.Map{"status": "unhealthy", "error": err.Error()})
	}
	resp := fiber.Map{"status": "healthy"}
	if err := cache.HealthCheck(c.Context()); err == nil {
		if stats, err := cache.Stats(c.Context()); err == nil {
			resp["cache"] = stats
		}
	}
	return c.JSON(resp)
}

// matchRequest is the POST /v1/match body: a GPS trace plus option
// overrides. Unset numeric fields keep matchopts.Default()'s values.
type matchRequest struct {
	Points []gpsclean.RawPoint `json:"points"`

	SearchRadius     *float64 `json:"search_radius,omitempty"`
	MinPoints        *int     `json:"minpoints,omitempty"`
	ViterbiLookahead *int     `json:"viterbi_lookahead,omitempty"`
}

func matchHandler(c *fiber.Ctx) error {
	var req matchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if len(req.Points) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "points must not be empty")
	}

	opts := matchopts.Default()
	if req.SearchRadius != nil {
		opts.SearchRadius = *req.SearchRadius
	}
	if req.MinPoints != nil {
		opts.MinPoints = *req.MinPoints
	}
	if req.ViterbiLookahead != nil {
		opts.ViterbiLookahead = *req.ViterbiLookahead
	}

	ctx := c.Context()
	key := cache.MatchKey(req.Points, opts)

	if cached, err := cache.GetMatch(ctx, key); err == nil && cached != nil {
		return c.JSON(fiber.Map{"stats": cached.Stats, "points": cached.Points, "segments": cached.Segments, "cached": true})
	}

	locked, _ := cache.AcquireLock(ctx, cache.LockKey(key), 30*time.Second)
	if !locked {
		if cached, err := cache.WaitForLock(ctx, key, 30*time.Second); err == nil && cached != nil {
			return c.JSON(fiber.Map{"stats": cached.Stats, "points": cached.Points, "segments": cached.Segments, "cached": true})
		}
	} else {
		defer cache.ReleaseLock(context.Background(), cache.LockKey(key))
	}

	stats, points, segments, err := matcher.Match(ctx, sharedStore, req.Points, opts)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	if stats.Result == "ok" {
		_ = cache.SetMatch(context.Background(), key, &cache.MatchResult{Stats: stats, Points: points, Segments: segments}, 10*time.Minute)
	}

	return c.JSON(fiber.Map{"stats": stats, "points": points, "segments": segments})
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	log.Printf("Error: %v", err)
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
