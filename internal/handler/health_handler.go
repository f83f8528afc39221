package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const readinessTimeout = 2 * time.Second

// RegisterHealthRoutes wires the liveness and readiness endpoints. rdb is nil
// when the service runs on the in-memory store; degraded marks the store as a
// fallback after a failed redis connection rather than a configured choice.
func RegisterHealthRoutes(app fiber.Router, rdb *redis.Client, degraded bool) {
	app.Get("/livez", LivezHandler())
	app.Get("/readyz", ReadyzHandler(rdb, degraded))
}

func LivezHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status": "ok",
		})
	}
}

func ReadyzHandler(rdb *redis.Client, degraded bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if rdb == nil {
			storeState := "memory"
			if degraded {
				storeState = "memory (degraded durability)"
			}
			return c.Status(fiber.StatusOK).JSON(fiber.Map{
				"status": "ready",
				"checks": fiber.Map{
					"store": storeState,
				},
			})
		}

		ctx, cancel := context.WithTimeout(c.Context(), readinessTimeout)
		defer cancel()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "not_ready",
				"checks": fiber.Map{
					"store": "down",
				},
			})
		}

		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status": "ready",
			"checks": fiber.Map{
				"store": "redis",
			},
		})
	}
}
