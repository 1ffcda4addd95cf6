package api

import (
	"github.com/gofiber/fiber/v2"
)

func MapAPIs(app *fiber.App, baseURL string, auth fiber.Handler) {
	api := app.Group(baseURL).Use(auth).Name("API")
	{
		calls := api.Group("/calls").Name("Calls API")
		{
			calls.Get("/", listCall)
			calls.Get("/ongoing", getOngoingCall)
			calls.Get("/:callId", getCall)
			calls.Post("/", createCall)
			calls.Put("/:callId", editCall)
			calls.Delete("/:callId", endCall)
			calls.Post("/:callId/mute", muteCallTalker)
		}

		api.Get("/stats", getNodeStatus)

		servers := api.Group("/servers").Name("Call Servers API")
		{
			servers.Get("/", listCallServer)
			servers.Post("/heartbeat", heartbeatCallServer)
			servers.Post("/:serverId/reset", resetCallServer)
		}
	}
}
