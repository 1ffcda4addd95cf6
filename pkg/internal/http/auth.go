package http

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/openhall/callserver/pkg/internal/relay"
)

type serviceClaims struct {
	Roles []uuid.UUID `json:"roles"`
	jwt.RegisteredClaims
}

// authMiddleware guards the management surface with signed service
// tokens. The token's subject is the acting user, so the handlers can
// run the same permission checks the signaling gate runs.
func authMiddleware(c *fiber.Ctx) error {
	header := c.Get(fiber.HeaderAuthorization)
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
	}

	var claims serviceClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(viper.GetString("security.service_token_secret")), nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, err.Error())
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "token subject is not an identity")
	}

	c.Locals("identity", relay.Identity{UserID: userID, Roles: claims.Roles})
	return c.Next()
}
