package server

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/npezzotti/go-collab/internal/database"
	"github.com/npezzotti/go-collab/internal/errs"
	"github.com/npezzotti/go-collab/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func chatMessages(n int, start time.Time) []types.ChatMessage {
	msgs := make([]types.ChatMessage, 0, n)
	for i := 0; i < n; i++ {
		msgs = append(msgs, types.ChatMessage{
			Id:        fmt.Sprintf("m%03d", i),
			RoomId:    "room-1",
			Text:      fmt.Sprintf("message %d", i),
			Timestamp: start.Add(time.Duration(i) * time.Second),
		})
	}
	return msgs
}

func TestChatCache(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	msgs := chatMessages(5, start)

	t.Run("keeps newest in order", func(t *testing.T) {
		cc := newChatCache(3)
		cc.insert(msgs[4])
		cc.insert(msgs[0])
		cc.insert(msgs[2])
		cc.insert(msgs[3])
		cc.insert(msgs[3])

		assert.Equal(t, []types.ChatMessage{msgs[2], msgs[3], msgs[4]}, cc.messages)
	})

	t.Run("recent returns a copy", func(t *testing.T) {
		cc := newChatCache(10)
		cc.load(msgs)

		recent := cc.recent(2)
		assert.Equal(t, []types.ChatMessage{msgs[3], msgs[4]}, recent)
		recent[0].Text = "changed"
		assert.Equal(t, "message 3", cc.messages[3].Text)
	})

	t.Run("delete during load is not resurrected", func(t *testing.T) {
		cc := newChatCache(10)
		cc.loading = true
		cc.remove(msgs[1].Id)
		cc.load(msgs)

		assert.Len(t, cc.messages, 4)
		for _, m := range cc.messages {
			assert.NotEqual(t, msgs[1].Id, m.Id)
		}
		assert.Nil(t, cc.tombstones)
	})
}

func TestRoom_handleChatJoin(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("reads through on miss then serves cache", func(t *testing.T) {
		store := &database.MockStore{}
		store.On("RecentMessages", mock.Anything, "room-1", 50).Return(chatMessages(3, start), nil).Once()
		defer store.AssertExpectations(t)

		srv := newTestServer(t, store)
		r, clients := newJoinedRoom(t, srv, "a", "b")

		r.handleChatJoin(clientMsg(t, clients[0], EventChatJoin, "room-1"))
		r.handleChatJoin(clientMsg(t, clients[1], EventChatJoin, "room-1"))
		assert.True(t, r.chat.loading)
		runPending(t, r)

		for _, c := range clients {
			msgs := drain(c)
			require.Len(t, msgs, 1)
			assert.Equal(t, EventChatHistory, msgs[0].Event)
			assert.Len(t, msgs[0].Data.(ChatHistory).Messages, 3)
		}

		r.handleChatJoin(clientMsg(t, clients[0], EventChatJoin, "room-1"))
		assert.Zero(t, r.pending, "expected cache hit")
		assert.Len(t, drain(clients[0]), 1)
	})

	t.Run("store failure", func(t *testing.T) {
		store := &database.MockStore{}
		store.On("RecentMessages", mock.Anything, "room-1", 50).Return(nil, errors.New("db down")).Once()
		defer store.AssertExpectations(t)

		srv := newTestServer(t, store)
		r, clients := newJoinedRoom(t, srv, "a")

		r.handleChatJoin(clientMsg(t, clients[0], EventChatJoin, "room-1"))
		runPending(t, r)

		msgs := drain(clients[0])
		require.Len(t, msgs, 1)
		assert.Equal(t, EventChatError, msgs[0].Event)
		assert.False(t, r.chat.loaded)
		assert.False(t, r.chat.loading)
	})
}

func TestRoom_handleChatSend(t *testing.T) {
	t.Run("persists then broadcasts to everyone", func(t *testing.T) {
		store := &database.MockStore{}
		store.On("CreateMessage", mock.Anything, mock.MatchedBy(func(m types.ChatMessage) bool {
			return m.Text == "hello" && m.UserId == "user-a" && m.RoomId == "room-1" && m.Id != ""
		})).Return(nil).Once()
		defer store.AssertExpectations(t)

		srv := newTestServer(t, store)
		r, clients := newJoinedRoom(t, srv, "a", "b")

		r.handleChatSend(clientMsg(t, clients[0], EventChatSend, map[string]any{
			"roomId":  "room-1",
			"message": map[string]any{"text": "  hello ", "clientId": "local-1"},
		}))
		runPending(t, r)

		for _, c := range clients {
			msgs := drain(c)
			require.Len(t, msgs, 1)
			assert.Equal(t, EventChatMessage, msgs[0].Event)
			sent := msgs[0].Data.(ChatMessageEvent).Message
			assert.Equal(t, "hello", sent.Text)
			assert.Equal(t, "name-a", sent.UserName)
			assert.Equal(t, "local-1", sent.ClientId)
		}
		assert.Len(t, r.chat.messages, 1)
	})

	t.Run("accepts bare string", func(t *testing.T) {
		store := &database.MockStore{}
		store.On("CreateMessage", mock.Anything, mock.Anything).Return(nil).Once()

		srv := newTestServer(t, store)
		r, clients := newJoinedRoom(t, srv, "a")

		r.handleChatSend(clientMsg(t, clients[0], EventChatSend, map[string]any{"message": "hi"}))
		runPending(t, r)
		assert.Equal(t, []string{EventChatMessage}, events(drain(clients[0])))
	})

	t.Run("empty message", func(t *testing.T) {
		srv := newTestServer(t, &database.MockStore{})
		r, clients := newJoinedRoom(t, srv, "a")

		r.handleChatSend(clientMsg(t, clients[0], EventChatSend, map[string]any{"message": map[string]any{"text": "   "}}))
		assert.Zero(t, r.pending)
		assert.Equal(t, []string{EventChatError}, events(drain(clients[0])))
	})

	t.Run("persistence failure is not broadcast", func(t *testing.T) {
		store := &database.MockStore{}
		store.On("CreateMessage", mock.Anything, mock.Anything).Return(errors.New("db down")).Once()

		srv := newTestServer(t, store)
		r, clients := newJoinedRoom(t, srv, "a", "b")

		r.handleChatSend(clientMsg(t, clients[0], EventChatSend, map[string]any{"message": "hi"}))
		runPending(t, r)

		msgs := drain(clients[0])
		require.Len(t, msgs, 1)
		assert.Equal(t, EventChatError, msgs[0].Event)
		assert.Empty(t, drain(clients[1]))
		assert.Nil(t, r.chat)
	})
}

func TestRoom_handleChatDelete(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		storeErr  error
		wantEvent string
		wantCode  string
	}{
		{name: "deleted", wantEvent: EventChatDeleted},
		{name: "not found", storeErr: errs.ErrNotFound, wantEvent: EventChatError, wantCode: errs.CodeNotFound},
		{name: "store failure", storeErr: errors.New("db down"), wantEvent: EventChatError, wantCode: "PERSISTENCE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &database.MockStore{}
			store.On("DeleteMessage", mock.Anything, "room-1", "m001").Return(tt.storeErr).Once()
			defer store.AssertExpectations(t)

			srv := newTestServer(t, store)
			r, clients := newJoinedRoom(t, srv, "a", "b")
			r.chatState().load(chatMessages(3, start))

			r.handleChatDelete(clientMsg(t, clients[1], EventChatDelete, ChatDeletePayload{RoomId: "room-1", MessageId: "m001"}))
			runPending(t, r)

			msgs := drain(clients[1])
			require.Len(t, msgs, 1)
			assert.Equal(t, tt.wantEvent, msgs[0].Event)

			if tt.storeErr == nil {
				assert.Equal(t, ChatDeleted{MessageId: "m001"}, msgs[0].Data)
				assert.Len(t, drain(clients[0]), 1)
				assert.Len(t, r.chat.messages, 2)
				return
			}

			assert.Equal(t, tt.wantCode, msgs[0].Data.(ErrorPayload).Code)
			assert.Empty(t, drain(clients[0]))
			assert.Len(t, r.chat.messages, 3)
		})
	}
}

func TestRoom_handleChatLoadMore(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	before := start.Add(time.Hour)

	tests := []struct {
		name        string
		page        []types.ChatMessage
		wantHasMore bool
	}{
		{name: "full page", page: chatMessages(20, start), wantHasMore: true},
		{name: "short page", page: chatMessages(7, start), wantHasMore: false},
		{name: "empty page", page: nil, wantHasMore: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &database.MockStore{}
			store.On("MessagesBefore", mock.Anything, "room-1", mock.MatchedBy(before.Equal), 20).Return(tt.page, nil).Once()
			defer store.AssertExpectations(t)

			srv := newTestServer(t, store)
			r, clients := newJoinedRoom(t, srv, "a", "b")

			r.handleChatLoadMore(clientMsg(t, clients[0], EventChatLoadMore, ChatLoadMorePayload{RoomId: "room-1", Before: before}))
			runPending(t, r)

			msgs := drain(clients[0])
			require.Len(t, msgs, 1)
			assert.Equal(t, EventChatMoreHistory, msgs[0].Event)
			more := msgs[0].Data.(ChatMoreHistory)
			assert.Equal(t, tt.wantHasMore, more.HasMore)
			assert.Len(t, more.Messages, len(tt.page))
			assert.NotNil(t, more.Messages)
			assert.Empty(t, drain(clients[1]), "expected reply to requester only")
		})
	}

	t.Run("missing before", func(t *testing.T) {
		srv := newTestServer(t, &database.MockStore{})
		r, clients := newJoinedRoom(t, srv, "a")

		r.handleChatLoadMore(clientMsg(t, clients[0], EventChatLoadMore, map[string]any{"roomId": "room-1"}))
		assert.Equal(t, []string{EventChatError}, events(drain(clients[0])))
	})
}
