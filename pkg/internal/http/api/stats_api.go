package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/openhall/callserver/pkg/internal/services"
)

func getNodeStatus(c *fiber.Ctx) error {
	return c.JSON(services.BuildNodeStatus())
}
