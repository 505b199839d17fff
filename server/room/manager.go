package room

import (
	"sort"
	"sync"
)

// Manager tracks which identities are present in which room. An identity is a
// member of at most one room; joining a room moves it out of any other.
// Rooms exist only while they have members.
type Manager struct {
	mu     sync.Mutex
	rooms  map[string]map[string]struct{}
	member map[string]string // identity -> room
}

func NewManager() *Manager {
	return &Manager{
		rooms:  make(map[string]map[string]struct{}),
		member: make(map[string]string),
	}
}

// Join adds identity to roomKey and returns the room's members afterwards.
func (m *Manager) Join(roomKey, identity string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.member[identity]; ok && prev != roomKey {
		m.leaveLocked(prev, identity)
	}

	members, ok := m.rooms[roomKey]
	if !ok {
		members = make(map[string]struct{})
		m.rooms[roomKey] = members
	}
	members[identity] = struct{}{}
	m.member[identity] = roomKey

	return sortedKeys(members)
}

// Leave removes identity from roomKey, discarding the room once it is empty.
func (m *Manager) Leave(roomKey, identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(roomKey, identity)
}

// Snapshot returns the sorted members of roomKey; empty for unknown rooms.
func (m *Manager) Snapshot(roomKey string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.rooms[roomKey])
}

// RoomOf reports the room identity is currently in.
func (m *Manager) RoomOf(identity string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	roomKey, ok := m.member[identity]
	return roomKey, ok
}

// Rooms returns the member count of every live room.
func (m *Manager) Rooms() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]int, len(m.rooms))
	for key, members := range m.rooms {
		out[key] = len(members)
	}
	return out
}

func (m *Manager) leaveLocked(roomKey, identity string) {
	members, ok := m.rooms[roomKey]
	if !ok {
		return
	}
	if _, in := members[identity]; !in {
		return
	}
	delete(members, identity)
	if m.member[identity] == roomKey {
		delete(m.member, identity)
	}
	if len(members) == 0 {
		delete(m.rooms, roomKey)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
