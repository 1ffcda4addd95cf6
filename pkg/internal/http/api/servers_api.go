package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/openhall/callserver/pkg/internal/http/exts"
	"github.com/openhall/callserver/pkg/internal/models"
	"github.com/openhall/callserver/pkg/internal/services"
)

func listCallServer(c *fiber.Ctx) error {
	if servers, err := services.ListCallServers(); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	} else {
		return c.JSON(servers)
	}
}

func heartbeatCallServer(c *fiber.Ctx) error {
	var data struct {
		URL          string `json:"url" validate:"required,url"`
		OngoingCalls int64  `json:"ongoing_calls" validate:"min=0"`
		Traffic      int64  `json:"traffic" validate:"min=0"`
	}
	if err := exts.BindAndValidate(c, &data); err != nil {
		return err
	}

	server, err := services.UpsertCallServer(data.URL, models.CallServerStatus{
		OngoingCalls: data.OngoingCalls,
		Traffic:      data.Traffic,
	})
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(server)
}

func resetCallServer(c *fiber.Ctx) error {
	serverID, err := uuid.Parse(c.Params("serverId"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed server id")
	}

	if server, err := services.ResetCallServer(serverID); err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	} else {
		return c.JSON(server)
	}
}
