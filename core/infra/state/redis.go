package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cordum/hookbridge/core/infra/redisutil"
)

const (
	// DefaultRedisKeyPrefix namespaces state keys inside a shared redis.
	DefaultRedisKeyPrefix = "hookbridge:"
	defaultRedisOpTimeout = 2 * time.Second
)

// RedisStore keeps one hash per room for state and one for account data,
// plus a set of rooms that hold any state.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	ownsClient bool
}

// NewRedisStore connects to url.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	client, err := redisutil.Connect(ctx, url)
	if err != nil {
		return nil, err
	}
	s := NewRedisStoreFromClient(client, DefaultRedisKeyPrefix)
	s.ownsClient = true
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) roomsKey() string {
	return s.prefix + "rooms"
}

func (s *RedisStore) stateKey(roomID string) string {
	return s.prefix + "state:" + roomID
}

func (s *RedisStore) accountKey(roomID string) string {
	return s.prefix + "account:" + roomID
}

func opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), defaultRedisOpTimeout)
}

func (s *RedisStore) GetState(ctx context.Context, roomID, eventType, stateKey string) (json.RawMessage, error) {
	if err := validKey(roomID, eventType); err != nil {
		return nil, err
	}
	cctx, cancel := opContext(ctx)
	defer cancel()
	val, err := s.client.HGet(cctx, s.stateKey(roomID), stateField(eventType, stateKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get state %s %s: %w", roomID, eventType, err)
	}
	return val, nil
}

func (s *RedisStore) SetState(ctx context.Context, roomID, eventType, stateKey string, content json.RawMessage) error {
	if err := validKey(roomID, eventType); err != nil {
		return err
	}
	cctx, cancel := opContext(ctx)
	defer cancel()
	pipe := s.client.TxPipeline()
	pipe.HSet(cctx, s.stateKey(roomID), stateField(eventType, stateKey), []byte(content))
	pipe.SAdd(cctx, s.roomsKey(), roomID)
	if _, err := pipe.Exec(cctx); err != nil {
		return fmt.Errorf("set state %s %s: %w", roomID, eventType, err)
	}
	return nil
}

func (s *RedisStore) DeleteState(ctx context.Context, roomID, eventType, stateKey string) error {
	if err := validKey(roomID, eventType); err != nil {
		return err
	}
	cctx, cancel := opContext(ctx)
	defer cancel()
	if err := s.client.HDel(cctx, s.stateKey(roomID), stateField(eventType, stateKey)).Err(); err != nil {
		return fmt.Errorf("delete state %s %s: %w", roomID, eventType, err)
	}
	remaining, err := s.client.HLen(cctx, s.stateKey(roomID)).Result()
	if err == nil && remaining == 0 {
		_ = s.client.SRem(cctx, s.roomsKey(), roomID).Err()
	}
	return nil
}

func (s *RedisStore) ListState(ctx context.Context, roomID string) ([]Event, error) {
	cctx, cancel := opContext(ctx)
	defer cancel()
	fields, err := s.client.HGetAll(cctx, s.stateKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list state %s: %w", roomID, err)
	}
	events := make([]Event, 0, len(fields))
	for field, content := range fields {
		eventType, stateKey := splitStateField(field)
		events = append(events, Event{RoomID: roomID, Type: eventType, StateKey: stateKey, Content: json.RawMessage(content)})
	}
	sortEvents(events)
	return events, nil
}

func (s *RedisStore) ListRooms(ctx context.Context) ([]string, error) {
	cctx, cancel := opContext(ctx)
	defer cancel()
	rooms, err := s.client.SMembers(cctx, s.roomsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	sort.Strings(rooms)
	return rooms, nil
}

func (s *RedisStore) GetAccountData(ctx context.Context, roomID, key string) (json.RawMessage, error) {
	if err := validKey(roomID, key); err != nil {
		return nil, err
	}
	cctx, cancel := opContext(ctx)
	defer cancel()
	val, err := s.client.HGet(cctx, s.accountKey(roomID), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account data %s %s: %w", roomID, key, err)
	}
	return val, nil
}

func (s *RedisStore) SetAccountData(ctx context.Context, roomID, key string, content json.RawMessage) error {
	if err := validKey(roomID, key); err != nil {
		return err
	}
	cctx, cancel := opContext(ctx)
	defer cancel()
	if err := s.client.HSet(cctx, s.accountKey(roomID), key, []byte(content)).Err(); err != nil {
		return fmt.Errorf("set account data %s %s: %w", roomID, key, err)
	}
	return nil
}

func (s *RedisStore) DeleteAccountData(ctx context.Context, roomID, key string) error {
	if err := validKey(roomID, key); err != nil {
		return err
	}
	cctx, cancel := opContext(ctx)
	defer cancel()
	if err := s.client.HDel(cctx, s.accountKey(roomID), key).Err(); err != nil {
		return fmt.Errorf("delete account data %s %s: %w", roomID, key, err)
	}
	return nil
}

// Close closes the client when the store created it.
func (s *RedisStore) Close() error {
	if s == nil || !s.ownsClient {
		return nil
	}
	return s.client.Close()
}
