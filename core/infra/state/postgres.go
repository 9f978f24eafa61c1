package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresStateTable       = "hookbridge_room_state"
	postgresAccountTable     = "hookbridge_room_account_data"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore persists state in two tables, created on first use.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresStore returns a store for dsn. The connection is opened lazily.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		ddl := []string{
			`CREATE TABLE IF NOT EXISTS ` + postgresStateTable + ` (
				room_id TEXT NOT NULL,
				event_type TEXT NOT NULL,
				state_key TEXT NOT NULL,
				content TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (room_id, event_type, state_key)
			)`,
			`CREATE TABLE IF NOT EXISTS ` + postgresAccountTable + ` (
				room_id TEXT NOT NULL,
				data_key TEXT NOT NULL,
				content TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (room_id, data_key)
			)`,
		}
		for _, stmt := range ddl {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = fmt.Errorf("postgres schema: %w", err)
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func pgContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, postgresOperationTimeout)
}

func (s *PostgresStore) GetState(ctx context.Context, roomID, eventType, stateKey string) (json.RawMessage, error) {
	if err := validKey(roomID, eventType); err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	cctx, cancel := pgContext(ctx)
	defer cancel()
	var content string
	err := s.db.QueryRowContext(cctx,
		`SELECT content FROM `+postgresStateTable+` WHERE room_id = $1 AND event_type = $2 AND state_key = $3`,
		roomID, eventType, stateKey).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get state %s %s: %w", roomID, eventType, err)
	}
	return json.RawMessage(content), nil
}

func (s *PostgresStore) SetState(ctx context.Context, roomID, eventType, stateKey string, content json.RawMessage) error {
	if err := validKey(roomID, eventType); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	cctx, cancel := pgContext(ctx)
	defer cancel()
	_, err := s.db.ExecContext(cctx, `
		INSERT INTO `+postgresStateTable+` (room_id, event_type, state_key, content, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (room_id, event_type, state_key)
		DO UPDATE SET content = EXCLUDED.content, updated_at = NOW()`,
		roomID, eventType, stateKey, string(content))
	if err != nil {
		return fmt.Errorf("set state %s %s: %w", roomID, eventType, err)
	}
	return nil
}

func (s *PostgresStore) DeleteState(ctx context.Context, roomID, eventType, stateKey string) error {
	if err := validKey(roomID, eventType); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	cctx, cancel := pgContext(ctx)
	defer cancel()
	_, err := s.db.ExecContext(cctx,
		`DELETE FROM `+postgresStateTable+` WHERE room_id = $1 AND event_type = $2 AND state_key = $3`,
		roomID, eventType, stateKey)
	if err != nil {
		return fmt.Errorf("delete state %s %s: %w", roomID, eventType, err)
	}
	return nil
}

func (s *PostgresStore) ListState(ctx context.Context, roomID string) ([]Event, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	cctx, cancel := pgContext(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(cctx,
		`SELECT event_type, state_key, content FROM `+postgresStateTable+` WHERE room_id = $1 ORDER BY event_type, state_key`,
		roomID)
	if err != nil {
		return nil, fmt.Errorf("list state %s: %w", roomID, err)
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var ev Event
		var content string
		if err := rows.Scan(&ev.Type, &ev.StateKey, &content); err != nil {
			return nil, err
		}
		ev.RoomID = roomID
		ev.Content = json.RawMessage(content)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) ListRooms(ctx context.Context) ([]string, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	cctx, cancel := pgContext(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(cctx, `SELECT DISTINCT room_id FROM `+postgresStateTable+` ORDER BY room_id`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()
	var rooms []string
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			return nil, err
		}
		rooms = append(rooms, roomID)
	}
	return rooms, rows.Err()
}

func (s *PostgresStore) GetAccountData(ctx context.Context, roomID, key string) (json.RawMessage, error) {
	if err := validKey(roomID, key); err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	cctx, cancel := pgContext(ctx)
	defer cancel()
	var content string
	err := s.db.QueryRowContext(cctx,
		`SELECT content FROM `+postgresAccountTable+` WHERE room_id = $1 AND data_key = $2`,
		roomID, key).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account data %s %s: %w", roomID, key, err)
	}
	return json.RawMessage(content), nil
}

func (s *PostgresStore) SetAccountData(ctx context.Context, roomID, key string, content json.RawMessage) error {
	if err := validKey(roomID, key); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	cctx, cancel := pgContext(ctx)
	defer cancel()
	_, err := s.db.ExecContext(cctx, `
		INSERT INTO `+postgresAccountTable+` (room_id, data_key, content, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (room_id, data_key)
		DO UPDATE SET content = EXCLUDED.content, updated_at = NOW()`,
		roomID, key, string(content))
	if err != nil {
		return fmt.Errorf("set account data %s %s: %w", roomID, key, err)
	}
	return nil
}

func (s *PostgresStore) DeleteAccountData(ctx context.Context, roomID, key string) error {
	if err := validKey(roomID, key); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	cctx, cancel := pgContext(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(cctx,
		`DELETE FROM `+postgresAccountTable+` WHERE room_id = $1 AND data_key = $2`, roomID, key); err != nil {
		return fmt.Errorf("delete account data %s %s: %w", roomID, key, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
