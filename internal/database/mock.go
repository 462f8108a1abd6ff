package database

import (
	"context"
	"time"

	"github.com/npezzotti/go-collab/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockStore) CreateMessage(ctx context.Context, msg types.ChatMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}
func (m *MockStore) RecentMessages(ctx context.Context, roomId string, limit int) ([]types.ChatMessage, error) {
	args := m.Called(ctx, roomId, limit)
	if msgs, ok := args.Get(0).([]types.ChatMessage); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockStore) MessagesBefore(ctx context.Context, roomId string, before time.Time, limit int) ([]types.ChatMessage, error) {
	args := m.Called(ctx, roomId, before, limit)
	if msgs, ok := args.Get(0).([]types.ChatMessage); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockStore) DeleteMessage(ctx context.Context, roomId, messageId string) error {
	args := m.Called(ctx, roomId, messageId)
	return args.Error(0)
}
func (m *MockStore) RoomExists(ctx context.Context, roomId string) (bool, error) {
	args := m.Called(ctx, roomId)
	return args.Bool(0), args.Error(1)
}
func (m *MockStore) CreateRoom(ctx context.Context, room types.Room) error {
	args := m.Called(ctx, room)
	return args.Error(0)
}
func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
