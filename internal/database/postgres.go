package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/npezzotti/go-collab/internal/errs"
	"github.com/npezzotti/go-collab/internal/types"
)

const (
	insertMessageQuery = `
INSERT INTO chat_messages (id, room_id, user_id, user_name, text, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`

	recentMessagesQuery = `
SELECT id, room_id, user_id, user_name, text, created_at
FROM chat_messages
WHERE room_id = $1 AND is_deleted = false
ORDER BY created_at DESC, id DESC
LIMIT $2`

	messagesBeforeQuery = `
SELECT id, room_id, user_id, user_name, text, created_at
FROM chat_messages
WHERE room_id = $1 AND is_deleted = false AND created_at < $2
ORDER BY created_at DESC, id DESC
LIMIT $3`

	deleteMessageQuery = `
UPDATE chat_messages SET is_deleted = true
WHERE id = $1 AND room_id = $2 AND is_deleted = false`

	roomExistsQuery = `SELECT EXISTS (SELECT 1 FROM rooms WHERE id = $1)`

	createRoomQuery = `
INSERT INTO rooms (id, name, creator_id, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO NOTHING`
)

// PgxPool is the subset of *pgxpool.Pool the store uses. It is also
// implemented by pgxmock.PgxPoolIface.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

type PgStore struct {
	pool PgxPool
}

func NewPgStore(ctx context.Context, dsn string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PgStore{pool: pool}, nil
}

func NewPgStoreWithPool(pool PgxPool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgStore) CreateMessage(ctx context.Context, msg types.ChatMessage) error {
	_, err := s.pool.Exec(ctx, insertMessageQuery,
		msg.Id,
		msg.RoomId,
		msg.UserId,
		msg.UserName,
		msg.Text,
		msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	return nil
}

func (s *PgStore) RecentMessages(ctx context.Context, roomId string, limit int) ([]types.ChatMessage, error) {
	rows, err := s.pool.Query(ctx, recentMessagesQuery, roomId, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}

	return scanMessages(rows)
}

func (s *PgStore) MessagesBefore(ctx context.Context, roomId string, before time.Time, limit int) ([]types.ChatMessage, error) {
	rows, err := s.pool.Query(ctx, messagesBeforeQuery, roomId, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages before: %w", err)
	}

	return scanMessages(rows)
}

func (s *PgStore) DeleteMessage(ctx context.Context, roomId, messageId string) error {
	tag, err := s.pool.Exec(ctx, deleteMessageQuery, messageId, roomId)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}

	return nil
}

func (s *PgStore) RoomExists(ctx context.Context, roomId string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, roomExistsQuery, roomId).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("room exists: %w", err)
	}

	return exists, nil
}

func (s *PgStore) CreateRoom(ctx context.Context, room types.Room) error {
	createdAt := room.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, createRoomQuery, room.Id, room.Name, room.CreatorId, createdAt)
	if err != nil {
		return fmt.Errorf("create room: %w", err)
	}

	return nil
}

// scanMessages reads a newest-first result set and returns it oldest first.
func scanMessages(rows pgx.Rows) ([]types.ChatMessage, error) {
	defer rows.Close()

	var msgs []types.ChatMessage
	for rows.Next() {
		var m types.ChatMessage
		if err := rows.Scan(&m.Id, &m.RoomId, &m.UserId, &m.UserName, &m.Text, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = m.Timestamp.UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	reverse(msgs)
	return msgs, nil
}
