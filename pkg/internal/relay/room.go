// Package relay owns everything that lives only as long as a call
// does: the per-call roster with its dense talker-id allocation, the
// key-exchange forwarding and the encrypted audio fan-out. All key and
// audio payloads stay opaque byte slices end to end; the package has no
// access to cryptographic primitives.
package relay

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/openhall/callserver/pkg/internal/models"
	"github.com/openhall/callserver/pkg/internal/wire"
)

var (
	ErrCapacityExceeded = errors.New("relay: call capacity exceeded")
	ErrCallEnded        = errors.New("relay: call already ended")
)

// Hooks are the persistence and event callbacks a room fires outside
// its roster lock. They run synchronously on the goroutine that caused
// the transition.
type Hooks struct {
	OnJoined func(callID, userID uuid.UUID, roster []uuid.UUID)
	OnLeft   func(callID, userID uuid.UUID, roster []uuid.UUID)
	// OnEmpty fires after the last participant left.
	OnEmpty func(callID uuid.UUID)
}

// Room is the single-writer domain of one call. Every roster mutation
// happens under one mutex, which is never held across network I/O or
// database calls: fan-out only performs non-blocking enqueues.
type Room struct {
	callID    uuid.UUID
	callType  models.CallType
	creatorID uuid.UUID

	mu sync.Mutex

	slots      int
	stageSlots int
	// stageBase anchors the stage sub-range at the slot count the call
	// was created with, so live capacity updates cannot make floor ids
	// collide with already-issued stage ids.
	stageBase   int
	audioOnly   bool
	highQuality bool

	peers  map[wire.TalkerID]*Peer
	closed bool

	hooks Hooks
}

func NewRoom(call models.Call, hooks Hooks) *Room {
	return &Room{
		callID:      call.ID,
		callType:    call.Type,
		creatorID:   call.CreatorID,
		slots:       call.Slots,
		stageSlots:  call.StageSlots,
		stageBase:   call.Slots,
		audioOnly:   call.AudioOnly,
		highQuality: call.HighQuality,
		peers:       make(map[wire.TalkerID]*Peer),
		hooks:       hooks,
	}
}

func (r *Room) CallID() uuid.UUID { return r.callID }

// allocate picks the smallest unused talker id in the requested
// sub-range. Floor participants live in [0, slots), stage participants
// in the disjoint [stageBase, stageBase+stageSlots). Ids are 16-bit;
// a range that would run past the top of the id space is cut short
// rather than wrapped.
func (r *Room) allocate(stage bool) (wire.TalkerID, bool) {
	base, limit := 0, r.slots
	if stage {
		base, limit = r.stageBase, r.stageSlots
	} else if r.stageSlots > 0 && limit > r.stageBase {
		// Keep the floor clear of the stage range.
		limit = r.stageBase
	}
	for i := 0; i < limit; i++ {
		n := base + i
		if n > 0xFFFF {
			break
		}
		id := wire.TalkerID(n)
		if _, taken := r.peers[id]; !taken {
			return id, true
		}
	}
	return 0, false
}

// Join assigns a talker id, replies with the current roster and
// announces the newcomer to everyone else. The SERVER_ACCEPTED and the
// CLIENT_JOINED fan-out happen under the roster lock, so every receiver
// observes join/leave notifications in the order they occurred.
func (r *Room) Join(p *Peer, stage bool) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrCallEnded
	}

	id, ok := r.allocate(stage)
	if !ok {
		r.mu.Unlock()
		return ErrCapacityExceeded
	}

	roster := make([]wire.TalkerID, 0, len(r.peers))
	for existing := range r.peers {
		roster = append(roster, existing)
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i] < roster[j] })

	p.talker = id
	p.stage = stage
	p.muted = false
	r.peers[id] = p

	p.enqueue(wire.Encode(wire.ServerAccepted{Roster: roster}))

	frame := wire.Encode(wire.ClientJoined{Talker: id})
	for _, other := range r.peers {
		if other != p {
			other.enqueue(frame)
		}
	}

	users := r.usersLocked()
	r.mu.Unlock()

	if r.hooks.OnJoined != nil {
		r.hooks.OnJoined(r.callID, p.UserID, users)
	}
	return nil
}

// Leave frees the talker id for reuse and broadcasts CLIENT_LEFT. It is
// idempotent: a peer that already left (or was displaced by an id
// recycle) is ignored.
func (r *Room) Leave(p *Peer) {
	r.mu.Lock()
	current, ok := r.peers[p.talker]
	if !ok || current != p {
		r.mu.Unlock()
		return
	}
	delete(r.peers, p.talker)

	frame := wire.Encode(wire.ClientLeft{Talker: p.talker})
	for _, other := range r.peers {
		other.enqueue(frame)
	}

	empty := len(r.peers) == 0 && !r.closed
	users := r.usersLocked()
	r.mu.Unlock()

	if r.hooks.OnLeft != nil {
		r.hooks.OnLeft(r.callID, p.UserID, users)
	}
	if empty && r.hooks.OnEmpty != nil {
		r.hooks.OnEmpty(r.callID)
	}
}

// RelayAudio fans an encrypted audio frame out to every other joined
// talker, with the talker-id field rewritten to the sender's id.
// Frames from senders that are not joined, or that were muted by a
// moderator, are dropped. Saturated receivers lose the frame; audio is
// unreliable by design and never retried.
func (r *Room) RelayAudio(p *Peer, msg wire.AudioPCM) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.peers[p.talker]; !ok || current != p || p.muted {
		return
	}
	if r.callType == models.CallTypeBroadcast && !p.stage {
		// Only stage participants of a broadcast may produce audio.
		return
	}

	msg.Talker = p.talker
	frame := wire.Encode(msg)
	for _, other := range r.peers {
		if other != p {
			other.enqueue(frame)
		}
	}
}

// RelayKey forwards wrapped key material to the addressed talker,
// rewriting the talker-id field from target to sender. IV and key
// bytes pass through untouched. If the target already left, the
// message is silently dropped; the joiner re-requests on its next
// join event.
func (r *Room) RelayKey(p *Peer, msg wire.ClientKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.peers[p.talker]; !ok || current != p {
		return
	}
	target, ok := r.peers[msg.Talker]
	if !ok || target == p {
		return
	}

	msg.Talker = p.talker
	target.enqueue(wire.Encode(msg))
}

// SetMuted records the sender's own mute state.
func (r *Room) SetMuted(p *Peer, muted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.peers[p.talker]; ok && current == p {
		p.muted = muted
	}
}

// MuteTalker force-mutes a participant on behalf of a moderator. The
// relay stops forwarding the talker's audio until it leaves or a
// moderator lifts the mute.
func (r *Room) MuteTalker(id wire.TalkerID, muted bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return false
	}
	p.muted = muted
	return true
}

// ApplyUpdate propagates capacity and quality changes of an ongoing
// call. Already-joined talkers keep their ids; only future allocations
// see the new limits.
func (r *Room) ApplyUpdate(slots, stageSlots int, audioOnly, highQuality bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots = slots
	r.stageSlots = stageSlots
	r.audioOnly = audioOnly
	r.highQuality = highQuality
}

// Close ends the call for everyone: the roster is cleared and every
// peer connection is shut down. Leave sequences racing with Close find
// the room closed and no-op.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.peers = make(map[wire.TalkerID]*Peer)
	r.mu.Unlock()

	for _, p := range peers {
		p.Shutdown()
	}
}

func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Roster returns the currently joined talker ids in ascending order.
func (r *Room) Roster() []wire.TalkerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]wire.TalkerID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Users returns the identities of the joined participants, ordered by
// talker id.
func (r *Room) Users() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usersLocked()
}

func (r *Room) usersLocked() []uuid.UUID {
	ids := make([]wire.TalkerID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	users := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		users = append(users, r.peers[id].UserID)
	}
	return users
}

func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
