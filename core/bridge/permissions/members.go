package permissions

import "sync"

// Members caches joined members per room.
type Members struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
}

func NewMembers() *Members {
	return &Members{rooms: make(map[string]map[string]struct{})}
}

// Set replaces the member list of a room.
func (m *Members) Set(roomID string, users []string) {
	set := make(map[string]struct{}, len(users))
	for _, u := range users {
		set[u] = struct{}{}
	}
	m.mu.Lock()
	m.rooms[roomID] = set
	m.mu.Unlock()
}

// Apply updates the cache from a membership event. Only "join" counts as
// membership; rooms never prefetched are tracked from their first event.
func (m *Members) Apply(roomID, userID, membership string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.rooms[roomID]
	if !ok {
		set = make(map[string]struct{})
		m.rooms[roomID] = set
	}
	if membership == "join" {
		set[userID] = struct{}{}
		return
	}
	delete(set, userID)
}

// Contains reports whether userID is joined to roomID.
func (m *Members) Contains(roomID, userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[roomID][userID]
	return ok
}

// Tracked reports whether roomID has membership data.
func (m *Members) Tracked(roomID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[roomID]
	return ok
}
