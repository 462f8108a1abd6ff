package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-collab/internal/auth"
	"github.com/npezzotti/go-collab/internal/database"
	"github.com/npezzotti/go-collab/internal/testutil"
	"github.com/npezzotti/go-collab/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func Test_queueMessage(t *testing.T) {
	t.Run("successful queue", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		res := c.queueMessage(&ServerMessage{})
		assert.True(t, res, "expected queueMessage to return true when channel is not full")

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg, "expected a message to be sent to the client")
		default:
			t.Error("expected a message to be sent to the client, but none was sent")
		}
	})

	t.Run("channel full", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		c.send <- &ServerMessage{}
		res := c.queueMessage(&ServerMessage{})
		assert.False(t, res, "expected queueMessage to return false when channel is full")
	})
}

func Test_serializeMessage(t *testing.T) {
	msg := &ServerMessage{
		Event:      EventCodeInitial,
		Data:       CodeInitial{Code: "fmt.Println()"},
		SkipClient: &Client{},
	}

	bytes, err := serializeMessage(msg)
	assert.NoError(t, err, "expected no error during serialization")
	assert.JSONEq(t, `{"event":"code:initial","data":{"code":"fmt.Println()"}}`, string(bytes))
}

func Test_stopClient(t *testing.T) {
	c := &Client{
		stop: make(chan struct{}),
	}

	c.stopClient()
	c.stopClient()

	select {
	case <-c.stop:
	default:
		t.Error("expected stop channel to be closed")
	}
}

func Test_delRoom(t *testing.T) {
	srv := newTestServer(t, &database.MockStore{})
	old, current := newRoom("room-1", srv), newRoom("room-1", srv)
	c := newTestClient(t, srv, "c1", "alice", types.RoleMember)

	c.setRoom(current)
	c.delRoom(old)
	assert.Equal(t, current, c.getRoom(), "expected stale room not to unbind client")

	c.delRoom(current)
	assert.Nil(t, c.getRoom())
}

func Test_dispatch(t *testing.T) {
	t.Run("room mismatch", func(t *testing.T) {
		srv := newTestServer(t, &database.MockStore{})
		c := newTestClient(t, srv, "c1", "alice", types.RoleMember)

		c.dispatch(clientMsg(t, c, EventCodeRequest, "other-room"))

		msgs := drain(c)
		require.Len(t, msgs, 1)
		assert.Equal(t, EventCodeError, msgs[0].Event)
		assert.Equal(t, "INVALID_ROOM", msgs[0].Data.(ErrorPayload).Code)
	})

	t.Run("room mismatch in object payload", func(t *testing.T) {
		srv := newTestServer(t, &database.MockStore{})
		c := newTestClient(t, srv, "c1", "alice", types.RoleMember)

		c.dispatch(clientMsg(t, c, EventChatSend, map[string]any{"roomId": "other-room", "message": "hi"}))
		assert.Equal(t, []string{EventChatError}, events(drain(c)))
	})

	t.Run("unknown event", func(t *testing.T) {
		srv := newTestServer(t, &database.MockStore{})
		c := newTestClient(t, srv, "c1", "alice", types.RoleMember)

		c.dispatch(clientMsg(t, c, "code:explode", nil))
		assert.Equal(t, []string{EventCodeError}, events(drain(c)))
	})

	t.Run("not joined", func(t *testing.T) {
		srv := newTestServer(t, &database.MockStore{})
		c := newTestClient(t, srv, "c1", "alice", types.RoleMember)

		c.dispatch(clientMsg(t, c, EventMeetJoin, nil))
		assert.Equal(t, []string{EventMeetError}, events(drain(c)))

		c.dispatch(clientMsg(t, c, EventRoomLeave, nil))
		assert.Empty(t, drain(c), "expected leave without a room to be silent")
	})

	t.Run("routes to room", func(t *testing.T) {
		srv := newTestServer(t, &database.MockStore{})
		c := newTestClient(t, srv, "c1", "alice", types.RoleMember)
		r := newRoom("room-1", srv)
		c.setRoom(r)

		msg := clientMsg(t, c, EventCodeRequest, map[string]any{"roomId": "room-1"})
		c.dispatch(msg)
		assert.Equal(t, msg, <-r.clientMsgChan)
	})

	t.Run("room channel full", func(t *testing.T) {
		srv := newTestServer(t, &database.MockStore{})
		c := newTestClient(t, srv, "c1", "alice", types.RoleMember)
		r := newRoom("room-1", srv)
		r.clientMsgChan = make(chan *ClientMessage)
		c.setRoom(r)

		c.dispatch(clientMsg(t, c, EventCodeRequest, nil))
		assert.Equal(t, []string{EventCodeError}, events(drain(c)))
	})
}

func Test_joinRoom(t *testing.T) {
	t.Run("room does not exist", func(t *testing.T) {
		store := &database.MockStore{}
		store.On("RoomExists", mock.Anything, "room-1").Return(false, nil).Once()
		defer store.AssertExpectations(t)

		srv := newTestServer(t, store)
		c := newTestClient(t, srv, "c1", "alice", types.RoleMember)

		c.joinRoom(clientMsg(t, c, EventRoomJoin, "room-1"))

		msgs := drain(c)
		require.Len(t, msgs, 1)
		assert.Equal(t, EventRoomError, msgs[0].Event)
		assert.Equal(t, "INVALID_ROOM", msgs[0].Data.(ErrorPayload).Code)
		assert.Empty(t, srv.joinChan)
	})

	t.Run("lookup fails", func(t *testing.T) {
		store := &database.MockStore{}
		store.On("RoomExists", mock.Anything, "room-1").Return(false, errors.New("db down")).Once()

		srv := newTestServer(t, store)
		c := newTestClient(t, srv, "c1", "alice", types.RoleMember)

		c.joinRoom(clientMsg(t, c, EventRoomJoin, "room-1"))
		assert.Equal(t, []string{EventRoomError}, events(drain(c)))
	})

	t.Run("joins through registry", func(t *testing.T) {
		store := &database.MockStore{}
		store.On("RoomExists", mock.Anything, "room-1").Return(true, nil).Once()

		srv := newTestServer(t, store)
		go srv.Run()
		defer srv.Shutdown(context.Background())

		c := newTestClient(t, srv, "c1", "alice", types.RoleMember)
		c.joinRoom(clientMsg(t, c, EventRoomJoin, "room-1"))

		require.NotNil(t, c.getRoom())
		select {
		case msg := <-c.send:
			assert.Equal(t, EventMembersList, msg.Event)
		case <-time.After(time.Second):
			t.Error("timeout: expected members list")
		}
	})
}

func Test_cleanup(t *testing.T) {
	srv := newTestServer(t, &database.MockStore{})
	r, clients := newJoinedRoom(t, srv, "a")
	c := clients[0]
	srv.RegisterClient(c)

	c.cleanup()

	assert.NotContains(t, srv.clients, c)
	leave := <-r.clientMsgChan
	assert.Equal(t, EventRoomLeave, leave.Event)
	assert.Equal(t, c, leave.client)
	select {
	case <-c.stop:
	default:
		t.Error("expected client to be stopped")
	}
}

func TestClient_Integration(t *testing.T) {
	store := &database.MockStore{}
	store.On("RoomExists", mock.Anything, "room-1").Return(true, nil)
	store.On("RecentMessages", mock.Anything, "room-1", 50).Return([]types.ChatMessage{}, nil)

	// connection goroutines outlive the test
	srv := newTestServer(t, store)
	srv.log = zap.NewNop()
	go srv.Run()
	defer srv.Shutdown(context.Background())

	var upgrader websocket.Upgrader
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}

		cred := auth.Credential{
			RoomId:    "room-1",
			UserId:    req.URL.Query().Get("user"),
			Role:      types.RoleMember,
			ExpiresAt: time.Now().Add(time.Hour),
		}
		c := NewClient(cred, conn, srv, zap.NewNop())
		srv.RegisterClient(c)
		go c.Write()
		go c.Read()
	}))
	defer ts.Close()

	dial := func(user string) *websocket.Conn {
		url := "ws" + strings.TrimPrefix(ts.URL, "http") + "?user=" + user
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		return conn
	}
	send := func(conn *websocket.Conn, event string, data any) {
		require.NoError(t, conn.WriteJSON(map[string]any{"event": event, "data": data}))
	}
	next := func(conn *websocket.Conn) (string, json.RawMessage) {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		return msg.Event, msg.Data
	}

	alice := dial("alice")
	defer alice.Close()
	send(alice, EventRoomJoin, map[string]any{"roomId": "room-1", "user": map[string]any{"displayName": "Alice"}})
	event, _ := next(alice)
	assert.Equal(t, EventMembersList, event)

	bob := dial("bob")
	defer bob.Close()
	send(bob, EventRoomJoin, "room-1")
	event, _ = next(bob)
	assert.Equal(t, EventMembersList, event)

	event, _ = next(alice)
	assert.Equal(t, EventMemberJoin, event)
	event, _ = next(alice)
	assert.Equal(t, EventMembersList, event)

	send(alice, EventCodeChange, map[string]any{"roomId": "room-1", "code": "package main"})
	event, data := next(bob)
	assert.Equal(t, EventCodeChange, event)
	assert.JSONEq(t, `{"code":"package main","senderId":"`+senderOf(t, data)+`","userId":"alice","userName":"Alice"}`, string(data))

	send(bob, EventChatJoin, "room-1")
	event, data = next(bob)
	assert.Equal(t, EventChatHistory, event)
	assert.JSONEq(t, `{"messages":[]}`, string(data))

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	event, _ = next(alice)
	assert.Equal(t, EventError, event)

	alice.Close()
	event, _ = next(bob)
	assert.Equal(t, EventMemberLeave, event)
}

// serveClient starts a websocket endpoint that hands each connection to a
// Client with the given expiry. Only the pumps named in run are started.
func serveClient(t *testing.T, srv *Server, expiresAt time.Time, run func(c *Client)) string {
	var upgrader websocket.Upgrader
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}

		cred := auth.Credential{
			RoomId:    "room-1",
			UserId:    "alice",
			Role:      types.RoleMember,
			ExpiresAt: expiresAt,
		}
		c := NewClient(cred, conn, srv, zap.NewNop())
		srv.RegisterClient(c)
		run(c)
	}))
	t.Cleanup(ts.Close)

	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestClient_SessionExpiry(t *testing.T) {
	srv := newTestServer(t, &database.MockStore{})
	srv.log = zap.NewNop()

	url := serveClient(t, srv, time.Now().Add(300*time.Millisecond), func(c *Client) {
		go c.Write()
		go c.Read()
	})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, EventAuthError, msg.Event)
	assert.JSONEq(t, `{"message":"session expired"}`, string(msg.Data))

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "expected policy violation close, got %v", err)
}

func TestClient_ReadRejectsExpiredCredential(t *testing.T) {
	srv := newTestServer(t, &database.MockStore{})
	srv.log = zap.NewNop()

	clients := make(chan *Client, 1)
	url := serveClient(t, srv, time.Now().Add(-time.Minute), func(c *Client) {
		clients <- c
		go c.Read()
	})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var c *Client
	select {
	case c = <-clients:
	case <-time.After(time.Second):
		t.Fatal("timeout: client was not created")
	}

	require.NoError(t, conn.WriteJSON(map[string]any{"event": EventRoomJoin, "data": "room-1"}))

	select {
	case <-c.stop:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout: expected expired client to be stopped")
	}

	msgs := drain(c)
	require.Len(t, msgs, 1)
	assert.Equal(t, EventAuthError, msgs[0].Event)
	assert.Equal(t, ErrorPayload{Message: "session expired"}, msgs[0].Data)

	srv.clientsLock.Lock()
	assert.NotContains(t, srv.clients, c)
	srv.clientsLock.Unlock()
}

func senderOf(t *testing.T, data json.RawMessage) string {
	var v struct {
		SenderId string `json:"senderId"`
	}
	require.NoError(t, json.Unmarshal(data, &v))
	return v.SenderId
}
