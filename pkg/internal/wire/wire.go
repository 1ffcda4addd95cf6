// Package wire implements the binary frame format spoken between a
// client and a call server. One logical message is exactly one
// transport frame; the first byte is the message-type discriminant and
// all multi-byte integers are big-endian.
//
// Key material and audio payloads pass through this package as opaque
// byte slices. The package imports no cryptographic primitives, so no
// code path reachable from the relay can inspect or decrypt them.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

type MsgType byte

const (
	MsgClientAuth     MsgType = 0
	MsgClientJoined   MsgType = 1
	MsgClientLeft     MsgType = 2
	MsgClientKey      MsgType = 3
	MsgClientMuted    MsgType = 4
	MsgServerAccepted MsgType = 5
	MsgServerDenied   MsgType = 6

	// 7-9 reserved.

	MsgAudioPCM MsgType = 10
)

// TalkerID is the ephemeral 16-bit participant handle. It is only
// meaningful between the CLIENT_JOINED and CLIENT_LEFT events of the
// call that issued it; afterwards the value may be recycled.
type TalkerID uint16

const (
	SessionIDSize = 32
	IVSize        = 16
)

var (
	ErrTruncated   = errors.New("wire: truncated frame")
	ErrLength      = errors.New("wire: frame length mismatch")
	ErrUnknownType = errors.New("wire: unknown message type")
)

type Message interface {
	Type() MsgType
}

// ClientAuth opens a session: the raw 32-byte session identifier,
// validated against the external session store before anything else.
type ClientAuth struct {
	SessionID [SessionIDSize]byte
}

func (ClientAuth) Type() MsgType { return MsgClientAuth }

// ClientJoined announces a new talker to already-joined participants.
type ClientJoined struct {
	Talker TalkerID
}

func (ClientJoined) Type() MsgType { return MsgClientJoined }

// ClientLeft announces that a talker left and its id may be reused.
type ClientLeft struct {
	Talker TalkerID
}

func (ClientLeft) Type() MsgType { return MsgClientLeft }

// ClientKey carries wrapped key material between two talkers. Talker is
// the target when a client sends it and is rewritten to the sender
// before delivery. IV and WrappedKey are relayed bit-identical and are
// never interpreted by the server.
type ClientKey struct {
	Talker     TalkerID
	IV         [IVSize]byte
	WrappedKey []byte
}

func (ClientKey) Type() MsgType { return MsgClientKey }

// ClientMuted reports the sender's mute state as an explicit flag byte.
type ClientMuted struct {
	Muted bool
}

func (ClientMuted) Type() MsgType { return MsgClientMuted }

// ServerAccepted confirms a join and lists the talker ids already in
// the call, excluding the joiner's own.
type ServerAccepted struct {
	Roster []TalkerID
}

func (ServerAccepted) Type() MsgType { return MsgServerAccepted }

// ServerDenied rejects a request with a human-readable reason.
type ServerDenied struct {
	Reason string
}

func (ServerDenied) Type() MsgType { return MsgServerDenied }

// AudioPCM is one frame of encrypted samples. FirstSample is the
// monotonic index of the first sample in the frame, used by receivers
// to detect gaps and align their per-sender decryption streams.
type AudioPCM struct {
	Talker      TalkerID
	IV          [IVSize]byte
	FirstSample uint64
	Samples     []byte
}

func (AudioPCM) Type() MsgType { return MsgAudioPCM }

// Encode serializes a well-formed message. It never fails; callers are
// responsible for validating field sizes (roster length, reason length)
// before encoding.
func Encode(m Message) []byte {
	switch msg := m.(type) {
	case ClientAuth:
		buf := make([]byte, 1+SessionIDSize)
		buf[0] = byte(MsgClientAuth)
		copy(buf[1:], msg.SessionID[:])
		return buf
	case ClientJoined:
		buf := make([]byte, 3)
		buf[0] = byte(MsgClientJoined)
		binary.BigEndian.PutUint16(buf[1:], uint16(msg.Talker))
		return buf
	case ClientLeft:
		buf := make([]byte, 3)
		buf[0] = byte(MsgClientLeft)
		binary.BigEndian.PutUint16(buf[1:], uint16(msg.Talker))
		return buf
	case ClientKey:
		buf := make([]byte, 1+2+IVSize+len(msg.WrappedKey))
		buf[0] = byte(MsgClientKey)
		binary.BigEndian.PutUint16(buf[1:], uint16(msg.Talker))
		copy(buf[3:], msg.IV[:])
		copy(buf[3+IVSize:], msg.WrappedKey)
		return buf
	case ClientMuted:
		buf := []byte{byte(MsgClientMuted), 0}
		if msg.Muted {
			buf[1] = 1
		}
		return buf
	case ServerAccepted:
		buf := make([]byte, 3+2*len(msg.Roster))
		buf[0] = byte(MsgServerAccepted)
		binary.BigEndian.PutUint16(buf[1:], uint16(len(msg.Roster)))
		for i, id := range msg.Roster {
			binary.BigEndian.PutUint16(buf[3+2*i:], uint16(id))
		}
		return buf
	case ServerDenied:
		reason := []byte(msg.Reason)
		buf := make([]byte, 3+len(reason))
		buf[0] = byte(MsgServerDenied)
		binary.BigEndian.PutUint16(buf[1:], uint16(len(reason)))
		copy(buf[3:], reason)
		return buf
	case AudioPCM:
		buf := make([]byte, 1+2+IVSize+8+len(msg.Samples))
		buf[0] = byte(MsgAudioPCM)
		binary.BigEndian.PutUint16(buf[1:], uint16(msg.Talker))
		copy(buf[3:], msg.IV[:])
		binary.BigEndian.PutUint64(buf[3+IVSize:], msg.FirstSample)
		copy(buf[3+IVSize+8:], msg.Samples)
		return buf
	default:
		panic(fmt.Sprintf("wire: cannot encode message type %T", m))
	}
}

// Decode parses one frame. Any truncation, trailing garbage on a
// fixed-size message, or unknown discriminant fails closed: the caller
// must reset the connection without processing anything.
func Decode(buf []byte) (Message, error) {
	if len(buf) < 1 {
		return nil, ErrTruncated
	}

	payload := buf[1:]
	switch MsgType(buf[0]) {
	case MsgClientAuth:
		if len(payload) != SessionIDSize {
			return nil, ErrLength
		}
		var msg ClientAuth
		copy(msg.SessionID[:], payload)
		return msg, nil
	case MsgClientJoined:
		if len(payload) != 2 {
			return nil, ErrLength
		}
		return ClientJoined{Talker: TalkerID(binary.BigEndian.Uint16(payload))}, nil
	case MsgClientLeft:
		if len(payload) != 2 {
			return nil, ErrLength
		}
		return ClientLeft{Talker: TalkerID(binary.BigEndian.Uint16(payload))}, nil
	case MsgClientKey:
		if len(payload) < 2+IVSize {
			return nil, ErrTruncated
		}
		msg := ClientKey{Talker: TalkerID(binary.BigEndian.Uint16(payload))}
		copy(msg.IV[:], payload[2:])
		msg.WrappedKey = append([]byte(nil), payload[2+IVSize:]...)
		return msg, nil
	case MsgClientMuted:
		if len(payload) != 1 {
			return nil, ErrLength
		}
		return ClientMuted{Muted: payload[0] != 0}, nil
	case MsgServerAccepted:
		if len(payload) < 2 {
			return nil, ErrTruncated
		}
		count := int(binary.BigEndian.Uint16(payload))
		if len(payload) != 2+2*count {
			return nil, ErrLength
		}
		msg := ServerAccepted{Roster: make([]TalkerID, count)}
		for i := range msg.Roster {
			msg.Roster[i] = TalkerID(binary.BigEndian.Uint16(payload[2+2*i:]))
		}
		return msg, nil
	case MsgServerDenied:
		if len(payload) < 2 {
			return nil, ErrTruncated
		}
		length := int(binary.BigEndian.Uint16(payload))
		if len(payload) != 2+length {
			return nil, ErrLength
		}
		return ServerDenied{Reason: string(payload[2:])}, nil
	case MsgAudioPCM:
		if len(payload) < 2+IVSize+8 {
			return nil, ErrTruncated
		}
		msg := AudioPCM{Talker: TalkerID(binary.BigEndian.Uint16(payload))}
		copy(msg.IV[:], payload[2:])
		msg.FirstSample = binary.BigEndian.Uint64(payload[2+IVSize:])
		msg.Samples = append([]byte(nil), payload[2+IVSize+8:]...)
		return msg, nil
	default:
		return nil, ErrUnknownType
	}
}
