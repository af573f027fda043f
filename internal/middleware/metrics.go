package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/bookgen/api/internal/observability"
)

// Metrics counts requests by method, route pattern and status.
func Metrics(m *observability.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := c.Next()
		status := c.Response().StatusCode()
		if err != nil {
			status = fiber.StatusInternalServerError
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			}
		}
		m.ObserveHTTP(c.Method(), c.Route().Path, status)
		return err
	}
}
