package middleware

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

// WorkspaceScoped resolves the calling workspace from the X-Workspace-ID
// header and stores it in request locals. Authentication proper lives in
// front of this service; this middleware only carries the tenancy scope
// through to the controllers.
func WorkspaceScoped() fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := c.Get("X-Workspace-ID")
		if raw == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "X-Workspace-ID header is required",
			})
		}
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || id == 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "X-Workspace-ID header must be a positive integer",
			})
		}
		c.Locals("workspace_id", uint(id))
		return c.Next()
	}
}
