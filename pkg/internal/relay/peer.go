package relay

import (
	"sync"

	"github.com/google/uuid"
	"github.com/openhall/callserver/pkg/internal/wire"
	"github.com/rs/zerolog/log"
)

// BinaryMessage is the websocket binary opcode; every wire frame is
// sent as exactly one binary transport frame.
const BinaryMessage = 2

// Conn is the subset of a websocket connection the relay needs. The
// fiber websocket connection satisfies it; tests plug in an in-memory
// fake.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Peer is one joined participant: its connection, its talker id and a
// bounded outbound queue. When the queue is saturated, frames for this
// peer are dropped so the rest of the call keeps its latency.
type Peer struct {
	conn Conn

	UserID uuid.UUID

	talker wire.TalkerID
	stage  bool
	muted  bool

	send chan []byte
	done chan struct{}
	once sync.Once
}

func NewPeer(conn Conn, userID uuid.UUID, sendBuffer int) *Peer {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Peer{
		conn:   conn,
		UserID: userID,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (p *Peer) Talker() wire.TalkerID { return p.talker }

// enqueue hands a frame to the write pump without ever blocking.
func (p *Peer) enqueue(frame []byte) bool {
	select {
	case p.send <- frame:
		return true
	default:
		return false
	}
}

// WritePump drains the outbound queue onto the connection. It exits on
// the first write error or when the peer shuts down.
func (p *Peer) WritePump() {
	for {
		select {
		case frame := <-p.send:
			if err := p.conn.WriteMessage(BinaryMessage, frame); err != nil {
				log.Debug().Err(err).Uint16("talker", uint16(p.talker)).Msg("Peer write failed, stopping pump...")
				return
			}
		case <-p.done:
			return
		}
	}
}

// Shutdown stops the write pump and closes the connection. Safe to call
// more than once.
func (p *Peer) Shutdown() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}
