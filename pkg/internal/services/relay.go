package services

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openhall/callserver/pkg/internal/relay"
)

// CallManager hosts the live rooms of this node. Membership changes
// flow back into the database and the event bus through the hooks, and
// a room that empties out ends its call.
var CallManager *relay.Manager

func init() {
	CallManager = relay.NewManager(relay.Hooks{
		OnJoined: AddCallMember,
		OnLeft:   RemoveCallMember,
		OnEmpty: func(callID uuid.UUID) {
			call, err := GetCall(callID)
			if err != nil {
				log.Warn().Err(err).Str("call", callID.String()).Msg("An error occurred when loading an emptied call...")
				return
			}
			if _, err := EndCall(call); err != nil {
				log.Warn().Err(err).Str("call", callID.String()).Msg("An error occurred when ending an emptied call...")
			}
		},
	})
}
