package http

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/openhall/callserver/pkg/internal/relay"
	"github.com/openhall/callserver/pkg/internal/services"
)

var gate *relay.Gate

func MapWebsocket(app *fiber.App) {
	gate = relay.NewGate(services.NewSessionStore(), services.Policy, services.CallManager)
	gate.SendBuffer = viper.GetInt("relay.send_buffer")
	if timeout := viper.GetDuration("relay.auth_timeout"); timeout > 0 {
		gate.AuthTimeout = timeout
	}
	gate.VerifyOngoing = func(callID uuid.UUID) bool {
		call, err := services.GetCall(callID)
		return err == nil && call.Ongoing()
	}

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/calls/:callId", websocket.New(listenCall))
}

// listenCall hands an upgraded connection to the signaling gate.
// Nothing about a call is disclosed before the connection
// authenticates: a malformed, unknown or dead call id just closes.
func listenCall(c *websocket.Conn) {
	defer c.Close()

	callID, err := uuid.Parse(c.Params("callId"))
	if err != nil {
		return
	}

	call, err := services.GetCall(callID)
	if err != nil || !call.Ongoing() {
		return
	}

	gate.ServeConn(c, call)
}
