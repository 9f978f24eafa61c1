// Package state persists room configuration and room account data. Room
// state is the source of truth for connections; account data holds grants,
// hook secrets and notification cursors.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned when a state event or account data key is absent.
var ErrNotFound = errors.New("state not found")

var errInvalidKey = errors.New("room id and event type are required")

// Event is one persisted room state event.
type Event struct {
	RoomID   string          `json:"roomId"`
	Type     string          `json:"type"`
	StateKey string          `json:"stateKey"`
	Content  json.RawMessage `json:"content"`
}

// Store is the persisted state collaborator.
type Store interface {
	GetState(ctx context.Context, roomID, eventType, stateKey string) (json.RawMessage, error)
	SetState(ctx context.Context, roomID, eventType, stateKey string, content json.RawMessage) error
	DeleteState(ctx context.Context, roomID, eventType, stateKey string) error
	ListState(ctx context.Context, roomID string) ([]Event, error)
	ListRooms(ctx context.Context) ([]string, error)

	GetAccountData(ctx context.Context, roomID, key string) (json.RawMessage, error)
	SetAccountData(ctx context.Context, roomID, key string, content json.RawMessage) error
	DeleteAccountData(ctx context.Context, roomID, key string) error

	Close() error
}

func validKey(roomID, kind string) error {
	if strings.TrimSpace(roomID) == "" || strings.TrimSpace(kind) == "" {
		return errInvalidKey
	}
	return nil
}

// stateField is the composite field name for (type, stateKey) inside a room.
// The separator cannot appear in an event type.
func stateField(eventType, stateKey string) string {
	return eventType + "\x00" + stateKey
}

func splitStateField(field string) (string, string) {
	eventType, stateKey, _ := strings.Cut(field, "\x00")
	return eventType, stateKey
}

func sortEvents(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].Type != events[j].Type {
			return events[i].Type < events[j].Type
		}
		return events[i].StateKey < events[j].StateKey
	})
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

// Backends accepted by Open.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Open builds the store named by backend. url is a redis URL or a postgres
// DSN depending on the backend.
func Open(ctx context.Context, backend, url string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendRedis:
		return NewRedisStore(ctx, url)
	case BackendPostgres:
		return NewPostgresStore(url)
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}

// MemoryStore keeps state in process. It backs the all-in-one binary in
// development and every package's tests.
type MemoryStore struct {
	mu      sync.RWMutex
	state   map[string]map[string]json.RawMessage
	account map[string]map[string]json.RawMessage
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state:   make(map[string]map[string]json.RawMessage),
		account: make(map[string]map[string]json.RawMessage),
	}
}

func (s *MemoryStore) GetState(_ context.Context, roomID, eventType, stateKey string) (json.RawMessage, error) {
	if err := validKey(roomID, eventType); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.state[roomID][stateField(eventType, stateKey)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRaw(content), nil
}

func (s *MemoryStore) SetState(_ context.Context, roomID, eventType, stateKey string, content json.RawMessage) error {
	if err := validKey(roomID, eventType); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state[roomID] == nil {
		s.state[roomID] = make(map[string]json.RawMessage)
	}
	s.state[roomID][stateField(eventType, stateKey)] = cloneRaw(content)
	return nil
}

func (s *MemoryStore) DeleteState(_ context.Context, roomID, eventType, stateKey string) error {
	if err := validKey(roomID, eventType); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state[roomID], stateField(eventType, stateKey))
	if len(s.state[roomID]) == 0 {
		delete(s.state, roomID)
	}
	return nil
}

func (s *MemoryStore) ListState(_ context.Context, roomID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := make([]Event, 0, len(s.state[roomID]))
	for field, content := range s.state[roomID] {
		eventType, stateKey := splitStateField(field)
		events = append(events, Event{RoomID: roomID, Type: eventType, StateKey: stateKey, Content: cloneRaw(content)})
	}
	sortEvents(events)
	return events, nil
}

func (s *MemoryStore) ListRooms(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms := make([]string, 0, len(s.state))
	for roomID := range s.state {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms, nil
}

func (s *MemoryStore) GetAccountData(_ context.Context, roomID, key string) (json.RawMessage, error) {
	if err := validKey(roomID, key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.account[roomID][key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRaw(content), nil
}

func (s *MemoryStore) SetAccountData(_ context.Context, roomID, key string, content json.RawMessage) error {
	if err := validKey(roomID, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account[roomID] == nil {
		s.account[roomID] = make(map[string]json.RawMessage)
	}
	s.account[roomID][key] = cloneRaw(content)
	return nil
}

func (s *MemoryStore) DeleteAccountData(_ context.Context, roomID, key string) error {
	if err := validKey(roomID, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.account[roomID], key)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// GetJSON reads account data into out. A missing key reports found=false.
func GetJSON(ctx context.Context, store Store, roomID, key string, out any) (bool, error) {
	raw, err := store.GetAccountData(ctx, roomID, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, err
	}
	return true, nil
}

// SetJSON marshals v and stores it as account data.
func SetJSON(ctx context.Context, store Store, roomID, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return store.SetAccountData(ctx, roomID, key, raw)
}
