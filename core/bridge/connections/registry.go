package connections

import (
	"sort"
	"strings"
	"sync"
)

// Registry holds the live connections of this process.
type Registry struct {
	mu    sync.RWMutex
	conns map[Identity]Connection
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[Identity]Connection)}
}

// Insert installs conn, closing any previous instance with the same
// identity before the new one becomes visible.
func (r *Registry) Insert(conn Connection) {
	id := identityOf(conn)
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.conns[id]; ok && prev != conn {
		prev.Close()
	}
	r.conns[id] = conn
}

// Remove drops the connection with id and returns it.
func (r *Registry) Remove(id Identity) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	return conn, ok
}

// Get returns the connection with id.
func (r *Registry) Get(id Identity) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// GetByID finds a connection in roomID by its connection id.
func (r *Registry) GetByID(roomID, connectionID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, conn := range r.conns {
		if id.RoomID == roomID && conn.ID() == connectionID {
			return conn, true
		}
	}
	return nil, false
}

// ForRoom lists the connections of roomID, highest priority first.
func (r *Registry) ForRoom(roomID string) []Connection {
	return r.collect(func(id Identity, _ Connection) bool { return id.RoomID == roomID })
}

// Matching lists connections of service interested in the event, highest
// priority first. Priority orders delivery attempts only; it never filters.
func (r *Registry) Matching(service, eventName, routingKey string) []Connection {
	return r.collect(func(_ Identity, conn Connection) bool {
		return strings.EqualFold(conn.Service(), service) && conn.InterestedIn(eventName, routingKey)
	})
}

// All lists every connection.
func (r *Registry) All() []Connection {
	return r.collect(func(Identity, Connection) bool { return true })
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) collect(keep func(Identity, Connection) bool) []Connection {
	r.mu.RLock()
	out := make([]Connection, 0)
	for id, conn := range r.conns {
		if keep(id, conn) {
			out = append(out, conn)
		}
	}
	r.mu.RUnlock()
	sortByPriority(out)
	return out
}

func sortByPriority(conns []Connection) {
	sort.SliceStable(conns, func(i, j int) bool {
		if conns[i].Priority() != conns[j].Priority() {
			return conns[i].Priority() > conns[j].Priority()
		}
		a, b := identityOf(conns[i]), identityOf(conns[j])
		return a.String() < b.String()
	})
}
