package relay

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/openhall/callserver/pkg/internal/models"
	"github.com/openhall/callserver/pkg/internal/wire"
)

type fakeConn struct {
	mu     sync.Mutex
	in     chan []byte
	out    [][]byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return BinaryMessage, data, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(mt int, data []byte) error {
	select {
	case <-c.closed:
		return io.EOF
	default:
	}
	c.mu.Lock()
	c.out = append(c.out, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.out...)
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func testCall(slots, stageSlots int, kind models.CallType) models.Call {
	call := models.Call{
		Type:       kind,
		Slots:      slots,
		StageSlots: stageSlots,
	}
	call.ID = uuid.New()
	call.CreatorID = uuid.New()
	now := time.Now()
	call.StartedAt = &now
	return call
}

func newTestPeer(buffer int) *Peer {
	return NewPeer(newFakeConn(), uuid.New(), buffer)
}

// recvMsg pops one queued outbound frame without running the write pump.
func recvMsg(t *testing.T, p *Peer) wire.Message {
	t.Helper()
	select {
	case frame := <-p.send:
		msg, err := wire.Decode(frame)
		require.NoError(t, err)
		return msg
	default:
		t.Fatal("expected a queued frame, got none")
		return nil
	}
}

func requireNoFrame(t *testing.T, p *Peer) {
	t.Helper()
	select {
	case frame := <-p.send:
		msg, _ := wire.Decode(frame)
		t.Fatalf("expected no queued frame, got %#v", msg)
	default:
	}
}

func TestRoomAssignsSmallestFreeTalkerID(t *testing.T) {
	room := NewRoom(testCall(4, 0, models.CallTypeDefault), Hooks{})

	peers := make([]*Peer, 3)
	for i := range peers {
		peers[i] = newTestPeer(16)
		require.NoError(t, room.Join(peers[i], false))
		require.Equal(t, wire.TalkerID(i), peers[i].Talker())
	}

	room.Leave(peers[1])
	require.Equal(t, []wire.TalkerID{0, 2}, room.Roster())

	rejoined := newTestPeer(16)
	require.NoError(t, room.Join(rejoined, false))
	require.Equal(t, wire.TalkerID(1), rejoined.Talker())
}

func TestRoomCapacityBoundary(t *testing.T) {
	room := NewRoom(testCall(2, 0, models.CallTypeDefault), Hooks{})

	require.NoError(t, room.Join(newTestPeer(16), false))
	require.NoError(t, room.Join(newTestPeer(16), false))

	err := room.Join(newTestPeer(16), false)
	require.ErrorIs(t, err, ErrCapacityExceeded)
	require.Equal(t, 2, room.Len())
}

func TestRoomStageIDsAreDisjoint(t *testing.T) {
	room := NewRoom(testCall(3, 2, models.CallTypeBroadcast), Hooks{})

	host := newTestPeer(16)
	require.NoError(t, room.Join(host, true))
	require.Equal(t, wire.TalkerID(3), host.Talker())

	cohost := newTestPeer(16)
	require.NoError(t, room.Join(cohost, true))
	require.Equal(t, wire.TalkerID(4), cohost.Talker())

	require.ErrorIs(t, room.Join(newTestPeer(16), true), ErrCapacityExceeded)

	listener := newTestPeer(16)
	require.NoError(t, room.Join(listener, false))
	require.Equal(t, wire.TalkerID(0), listener.Talker())
}

func TestRoomStageIDsNeverWrapIntoFloor(t *testing.T) {
	room := NewRoom(testCall(65535, 2, models.CallTypeBroadcast), Hooks{})

	host := newTestPeer(16)
	require.NoError(t, room.Join(host, true))
	require.Equal(t, wire.TalkerID(65535), host.Talker())

	// The second stage seat would need id 65536, which does not exist;
	// it must not wrap around into the floor range.
	require.ErrorIs(t, room.Join(newTestPeer(16), true), ErrCapacityExceeded)

	listener := newTestPeer(16)
	require.NoError(t, room.Join(listener, false))
	require.Equal(t, wire.TalkerID(0), listener.Talker())
}

func TestRoomJoinAnnouncesRosterAndNewcomer(t *testing.T) {
	room := NewRoom(testCall(4, 0, models.CallTypeDefault), Hooks{})

	first := newTestPeer(16)
	require.NoError(t, room.Join(first, false))
	accepted := recvMsg(t, first).(wire.ServerAccepted)
	require.Empty(t, accepted.Roster)

	second := newTestPeer(16)
	require.NoError(t, room.Join(second, false))

	accepted = recvMsg(t, second).(wire.ServerAccepted)
	require.Equal(t, []wire.TalkerID{0}, accepted.Roster)

	joined := recvMsg(t, first).(wire.ClientJoined)
	require.Equal(t, wire.TalkerID(1), joined.Talker)

	room.Leave(second)
	left := recvMsg(t, first).(wire.ClientLeft)
	require.Equal(t, wire.TalkerID(1), left.Talker)
}

func TestRoomRelayAudioRewritesSenderAndExcludesIt(t *testing.T) {
	room := NewRoom(testCall(4, 0, models.CallTypeDefault), Hooks{})

	sender := newTestPeer(16)
	listener := newTestPeer(16)
	require.NoError(t, room.Join(sender, false))
	require.NoError(t, room.Join(listener, false))
	recvMsg(t, sender) // accepted
	recvMsg(t, sender) // listener joined
	recvMsg(t, listener)

	room.RelayAudio(sender, wire.AudioPCM{
		Talker:      999, // claimed id is never trusted
		IV:          [wire.IVSize]byte{1, 2, 3},
		FirstSample: 48000,
		Samples:     []byte{0xaa, 0xbb},
	})

	requireNoFrame(t, sender)
	audio := recvMsg(t, listener).(wire.AudioPCM)
	require.Equal(t, sender.Talker(), audio.Talker)
	require.Equal(t, uint64(48000), audio.FirstSample)
	require.Equal(t, []byte{0xaa, 0xbb}, audio.Samples)
}

func TestRoomDropsAudioFromForceMutedTalker(t *testing.T) {
	room := NewRoom(testCall(4, 0, models.CallTypeDefault), Hooks{})

	sender := newTestPeer(16)
	listener := newTestPeer(16)
	require.NoError(t, room.Join(sender, false))
	require.NoError(t, room.Join(listener, false))
	recvMsg(t, sender)
	recvMsg(t, sender)
	recvMsg(t, listener)

	require.True(t, room.MuteTalker(sender.Talker(), true))
	room.RelayAudio(sender, wire.AudioPCM{Samples: []byte{1}})
	requireNoFrame(t, listener)

	require.True(t, room.MuteTalker(sender.Talker(), false))
	room.RelayAudio(sender, wire.AudioPCM{Samples: []byte{2}})
	audio := recvMsg(t, listener).(wire.AudioPCM)
	require.Equal(t, []byte{2}, audio.Samples)

	require.False(t, room.MuteTalker(wire.TalkerID(40), true))
}

func TestRoomDropsAudioFromBroadcastFloor(t *testing.T) {
	room := NewRoom(testCall(4, 2, models.CallTypeBroadcast), Hooks{})

	host := newTestPeer(16)
	listener := newTestPeer(16)
	require.NoError(t, room.Join(host, true))
	require.NoError(t, room.Join(listener, false))
	recvMsg(t, host)
	recvMsg(t, host)
	recvMsg(t, listener)

	room.RelayAudio(listener, wire.AudioPCM{Samples: []byte{1}})
	requireNoFrame(t, host)

	room.RelayAudio(host, wire.AudioPCM{Samples: []byte{2}})
	require.IsType(t, wire.AudioPCM{}, recvMsg(t, listener))
}

func TestRoomRelayKeyTargetsAndRewrites(t *testing.T) {
	room := NewRoom(testCall(4, 0, models.CallTypeDefault), Hooks{})

	sender := newTestPeer(16)
	target := newTestPeer(16)
	bystander := newTestPeer(16)
	require.NoError(t, room.Join(sender, false))
	require.NoError(t, room.Join(target, false))
	require.NoError(t, room.Join(bystander, false))
	for _, p := range []*Peer{sender, target, bystander} {
		for len(p.send) > 0 {
			<-p.send
		}
	}

	iv := [wire.IVSize]byte{9, 8, 7}
	room.RelayKey(sender, wire.ClientKey{
		Talker:     target.Talker(),
		IV:         iv,
		WrappedKey: []byte{0xde, 0xad},
	})

	key := recvMsg(t, target).(wire.ClientKey)
	require.Equal(t, sender.Talker(), key.Talker)
	require.Equal(t, iv, key.IV)
	require.Equal(t, []byte{0xde, 0xad}, key.WrappedKey)
	requireNoFrame(t, sender)
	requireNoFrame(t, bystander)

	// A departed target drops the key on the floor.
	room.Leave(target)
	for _, p := range []*Peer{sender, bystander} {
		for len(p.send) > 0 {
			<-p.send
		}
	}
	room.RelayKey(sender, wire.ClientKey{Talker: target.Talker()})
	requireNoFrame(t, sender)
	requireNoFrame(t, bystander)
}

func TestRoomBackpressureDropsFrames(t *testing.T) {
	room := NewRoom(testCall(4, 0, models.CallTypeDefault), Hooks{})

	sender := newTestPeer(16)
	slow := NewPeer(newFakeConn(), uuid.New(), 1)
	require.NoError(t, room.Join(sender, false))
	require.NoError(t, room.Join(slow, false))
	for len(sender.send) > 0 {
		<-sender.send
	}
	// The accepted frame already fills the slow peer's queue.
	room.RelayAudio(sender, wire.AudioPCM{Samples: []byte{1}})
	room.RelayAudio(sender, wire.AudioPCM{Samples: []byte{2}})

	require.IsType(t, wire.ServerAccepted{}, recvMsg(t, slow))
	requireNoFrame(t, slow)

	// Once drained the queue accepts frames again.
	room.RelayAudio(sender, wire.AudioPCM{Samples: []byte{3}})
	audio := recvMsg(t, slow).(wire.AudioPCM)
	require.Equal(t, []byte{3}, audio.Samples)
}

func TestRoomHooksFireOutsideTheRoster(t *testing.T) {
	var joined, left []uuid.UUID
	var emptied bool
	hooks := Hooks{
		OnJoined: func(_ uuid.UUID, userID uuid.UUID, roster []uuid.UUID) {
			joined = append(joined, userID)
			require.Contains(t, roster, userID)
		},
		OnLeft: func(_ uuid.UUID, userID uuid.UUID, roster []uuid.UUID) {
			left = append(left, userID)
			require.NotContains(t, roster, userID)
		},
		OnEmpty: func(uuid.UUID) { emptied = true },
	}
	room := NewRoom(testCall(4, 0, models.CallTypeDefault), hooks)

	a := newTestPeer(16)
	b := newTestPeer(16)
	require.NoError(t, room.Join(a, false))
	require.NoError(t, room.Join(b, false))
	require.Equal(t, []uuid.UUID{a.UserID, b.UserID}, joined)

	room.Leave(a)
	require.False(t, emptied)
	room.Leave(b)
	require.True(t, emptied)
	require.Equal(t, []uuid.UUID{a.UserID, b.UserID}, left)
}

func TestRoomCloseDisconnectsEveryone(t *testing.T) {
	room := NewRoom(testCall(4, 0, models.CallTypeDefault), Hooks{})

	conns := make([]*fakeConn, 2)
	for i := range conns {
		conns[i] = newFakeConn()
		require.NoError(t, room.Join(NewPeer(conns[i], uuid.New(), 16), false))
	}

	room.Close()
	require.True(t, room.Closed())
	require.Equal(t, 0, room.Len())
	for _, c := range conns {
		require.True(t, c.isClosed())
	}

	require.ErrorIs(t, room.Join(newTestPeer(16), false), ErrCallEnded)
}

func TestRoomApplyUpdateKeepsJoinedTalkers(t *testing.T) {
	room := NewRoom(testCall(3, 0, models.CallTypeDefault), Hooks{})

	peers := make([]*Peer, 3)
	for i := range peers {
		peers[i] = newTestPeer(16)
		require.NoError(t, room.Join(peers[i], false))
	}

	room.ApplyUpdate(1, 0, true, false)

	// Nobody gets kicked, but the shrunk range blocks new joins.
	require.Equal(t, 3, room.Len())
	require.ErrorIs(t, room.Join(newTestPeer(16), false), ErrCapacityExceeded)

	room.Leave(peers[2])
	room.Leave(peers[1])
	require.ErrorIs(t, room.Join(newTestPeer(16), false), ErrCapacityExceeded)

	room.Leave(peers[0])
	require.NoError(t, room.Join(newTestPeer(16), false))
}

func TestRoomApplyUpdateRaisesFloorCapacity(t *testing.T) {
	room := NewRoom(testCall(2, 0, models.CallTypeDefault), Hooks{})

	require.NoError(t, room.Join(newTestPeer(16), false))
	require.NoError(t, room.Join(newTestPeer(16), false))
	require.ErrorIs(t, room.Join(newTestPeer(16), false), ErrCapacityExceeded)

	room.ApplyUpdate(3, 0, false, false)

	extra := newTestPeer(16)
	require.NoError(t, room.Join(extra, false))
	require.Equal(t, wire.TalkerID(2), extra.Talker())
}

func TestManagerTracksRooms(t *testing.T) {
	manager := NewManager(Hooks{})
	call := testCall(4, 0, models.CallTypeDefault)

	room := manager.GetOrCreate(call)
	require.Same(t, room, manager.GetOrCreate(call))
	require.Equal(t, 1, manager.Len())

	p := newTestPeer(16)
	require.NoError(t, room.Join(p, false))
	snapshot := manager.Snapshot()
	require.Equal(t, []uuid.UUID{p.UserID}, snapshot[call.ID])

	manager.Drop(call.ID)
	require.Equal(t, 0, manager.Len())
	require.True(t, room.Closed())
	_, ok := manager.Get(call.ID)
	require.False(t, ok)
}
