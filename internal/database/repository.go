package database

import (
	"context"
	"time"

	"github.com/npezzotti/go-collab/internal/types"
)

// ChatStore is the durable chat transcript. Reads never return
// soft-deleted messages.
type ChatStore interface {
	Ping(ctx context.Context) error
	CreateMessage(ctx context.Context, msg types.ChatMessage) error
	// RecentMessages returns up to limit newest messages, oldest first.
	RecentMessages(ctx context.Context, roomId string, limit int) ([]types.ChatMessage, error)
	// MessagesBefore returns up to limit messages strictly older than
	// before, oldest first.
	MessagesBefore(ctx context.Context, roomId string, before time.Time, limit int) ([]types.ChatMessage, error)
	DeleteMessage(ctx context.Context, roomId, messageId string) error
}

// RoomDirectory answers whether a room exists in the external room store.
type RoomDirectory interface {
	RoomExists(ctx context.Context, roomId string) (bool, error)
}

// RoomWriter creates rooms. Room management belongs to an external
// service; this exists for local development and tests.
type RoomWriter interface {
	CreateRoom(ctx context.Context, room types.Room) error
}

type Store interface {
	ChatStore
	RoomDirectory
	RoomWriter
	Close() error
}

// reverse flips a newest-first page into transcript order.
func reverse(msgs []types.ChatMessage) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
