package transport

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/relaylabs/otp-relay/internal/domain"
	"go.uber.org/zap"
)

// ErrorHandler maps domain errors to HTTP statuses. Backpressure and
// admission denials are expected outcomes and logged below error level.
func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		retryAfter := domain.RetryAfterHint(err)

		var fiberErr *fiber.Error
		switch {
		case errors.As(err, &fiberErr):
			code = fiberErr.Code
		case errors.Is(err, domain.ErrValidation):
			code = fiber.StatusBadRequest
		case errors.Is(err, domain.ErrNotFound):
			code = fiber.StatusNotFound
		case errors.Is(err, domain.ErrRateLimited):
			code = fiber.StatusTooManyRequests
		case errors.Is(err, domain.ErrQueueFull):
			code = fiber.StatusServiceUnavailable
		}

		if code >= fiber.StatusInternalServerError {
			logger.Error("request error",
				zap.String("method", c.Method()),
				zap.String("path", c.Path()),
				zap.Int("status", code),
				zap.Error(err),
			)
		} else {
			logger.Info("request rejected",
				zap.String("method", c.Method()),
				zap.String("path", c.Path()),
				zap.Int("status", code),
				zap.Error(err),
			)
		}

		if retryAfter > 0 {
			c.Set(fiber.HeaderRetryAfter, fmt.Sprintf("%d", int(retryAfter.Seconds())+1))
		}

		return c.Status(code).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}
