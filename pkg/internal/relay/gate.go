package relay

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openhall/callserver/pkg/internal/models"
	"github.com/openhall/callserver/pkg/internal/wire"
)

// Identity is what a resolved session tells us about the connecting
// user: who it is and which community roles it holds.
type Identity struct {
	UserID uuid.UUID
	Roles  []uuid.UUID
}

// SessionResolver turns an opaque 32-byte session id into an identity.
// A failed resolution, for whatever reason, means the credential is
// worthless and the connection must not proceed.
type SessionResolver interface {
	Resolve(ctx context.Context, sessionID [wire.SessionIDSize]byte) (Identity, error)
}

// Policy decides what an identity may do with a given call.
type Policy interface {
	CanJoin(identity Identity, call models.Call) bool
	CanModerate(identity Identity, call models.Call) bool
}

// Gate runs one connection through the signaling state machine:
// unauthenticated until a CLIENT_AUTH resolves and passes the join
// policy, then joined until disconnect. A denied auth keeps the
// connection open for another attempt; a protocol violation closes it
// without a word.
type Gate struct {
	resolver SessionResolver
	policy   Policy
	manager  *Manager

	// AuthTimeout bounds one session resolution round-trip.
	AuthTimeout time.Duration
	// SendBuffer is the per-peer outbound queue depth.
	SendBuffer int
	// VerifyOngoing rechecks the call against durable state right
	// before a join would create or enter a room, so a call ended
	// between the upgrade and the auth cannot be resurrected. Nil
	// skips the check.
	VerifyOngoing func(callID uuid.UUID) bool
}

func NewGate(resolver SessionResolver, policy Policy, manager *Manager) *Gate {
	return &Gate{
		resolver:    resolver,
		policy:      policy,
		manager:     manager,
		AuthTimeout: 5 * time.Second,
	}
}

const (
	denyInvalidSession = "invalid session"
	denyNotPermitted   = "join not permitted"
	denyCallFull       = "call is full"
	denyCallEnded      = "call has ended"
)

func deny(conn Conn, reason string) {
	_ = conn.WriteMessage(BinaryMessage, wire.Encode(wire.ServerDenied{Reason: reason}))
}

// ServeConn drives a websocket connection for the given call until the
// client disconnects, violates the protocol or the call ends. It blocks
// for the connection's lifetime and always leaves the roster clean.
func (g *Gate) ServeConn(conn Conn, call models.Call) {
	defer conn.Close()

	var peer *Peer
	var room *Room

	for peer == nil {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != BinaryMessage {
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			return
		}
		auth, ok := msg.(wire.ClientAuth)
		if !ok {
			// Anything but CLIENT_AUTH before joining is a violation.
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), g.AuthTimeout)
		identity, err := g.resolver.Resolve(ctx, auth.SessionID)
		cancel()
		if err != nil {
			log.Debug().Err(err).Str("call", call.ID.String()).Msg("Denied a connection with an unresolvable session...")
			deny(conn, denyInvalidSession)
			return
		}

		if g.VerifyOngoing != nil && !g.VerifyOngoing(call.ID) {
			deny(conn, denyCallEnded)
			return
		}

		if !g.policy.CanJoin(identity, call) {
			deny(conn, denyNotPermitted)
			continue
		}

		stage := false
		if call.Type == models.CallTypeBroadcast {
			stage = identity.UserID == call.CreatorID || g.policy.CanModerate(identity, call)
		}

		candidate := NewPeer(conn, identity.UserID, g.SendBuffer)
		room = g.manager.GetOrCreate(call)
		switch err := room.Join(candidate, stage); err {
		case nil:
			peer = candidate
		case ErrCapacityExceeded:
			deny(conn, denyCallFull)
		case ErrCallEnded:
			deny(conn, denyCallEnded)
			return
		}
	}

	go peer.WritePump()
	defer peer.Shutdown()
	defer room.Leave(peer)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != BinaryMessage {
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			return
		}

		switch m := msg.(type) {
		case wire.AudioPCM:
			room.RelayAudio(peer, m)
		case wire.ClientKey:
			room.RelayKey(peer, m)
		case wire.ClientMuted:
			room.SetMuted(peer, m.Muted)
		default:
			// Server-to-client messages and repeated auth are
			// violations once joined.
			return
		}
	}
}
