package relay

import (
	"sync"

	"github.com/google/uuid"
	"github.com/openhall/callserver/pkg/internal/models"
)

// Manager tracks the rooms currently hosted on this node.
type Manager struct {
	mu    sync.Mutex
	rooms map[uuid.UUID]*Room
	hooks Hooks
}

func NewManager(hooks Hooks) *Manager {
	return &Manager{
		rooms: make(map[uuid.UUID]*Room),
		hooks: hooks,
	}
}

// GetOrCreate returns the live room for a call, creating it on the
// first participant's arrival.
func (m *Manager) GetOrCreate(call models.Call) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok := m.rooms[call.ID]; ok {
		return room
	}
	room := NewRoom(call, m.hooks)
	m.rooms[call.ID] = room
	return room
}

func (m *Manager) Get(callID uuid.UUID) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[callID]
	return room, ok
}

// Drop removes and closes a room, disconnecting everyone still in it.
func (m *Manager) Drop(callID uuid.UUID) {
	m.mu.Lock()
	room, ok := m.rooms[callID]
	if ok {
		delete(m.rooms, callID)
	}
	m.mu.Unlock()
	if ok {
		room.Close()
	}
}

// Remove detaches an emptied room without touching its peers. Used by
// the OnEmpty path where the roster is already clear.
func (m *Manager) Remove(callID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, callID)
}

// Snapshot lists the hosted rooms with their participant identities,
// for the status surface and the load rebuild on restart.
func (m *Manager) Snapshot() map[uuid.UUID][]uuid.UUID {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.Unlock()

	out := make(map[uuid.UUID][]uuid.UUID, len(rooms))
	for _, room := range rooms {
		out[room.CallID()] = room.Users()
	}
	return out
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}
