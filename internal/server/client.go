package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-collab/internal/auth"
	"github.com/teris-io/shortid"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	directoryWait  = 5 * time.Second
)

// Client is one authenticated connection. The connection id doubles as
// the member and peer id.
type Client struct {
	id       string
	conn     *websocket.Conn
	srv      *Server
	log      *zap.Logger
	cred     auth.Credential
	send     chan *ServerMessage
	room     *Room
	roomLock sync.RWMutex
	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(cred auth.Credential, conn *websocket.Conn, srv *Server, l *zap.Logger) *Client {
	id := shortid.MustGenerate()
	return &Client{
		id:   id,
		conn: conn,
		srv:  srv,
		log:  l.With(zap.String("conn", id), zap.String("user", cred.UserId)),
		cred: cred,
		send: make(chan *ServerMessage, 256),
		stop: make(chan struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	expiry := time.NewTimer(time.Until(c.cred.ExpiresAt))
	defer func() {
		ticker.Stop()
		expiry.Stop()
		c.conn.Close()
		c.log.Debug("write exiting")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Error("failed to serialize message", zap.String("event", msg.Event), zap.Error(err))
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-expiry.C:
			c.log.Info("session expired, closing connection")
			if bytes, err := serializeMessage(ErrSessionExpired()); err == nil {
				c.sendMessage(websocket.TextMessage, bytes)
			}
			c.sendMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session expired"))
			return
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn("read", zap.Error(err))
			}
			break
		}

		if c.cred.Expired(time.Now()) {
			c.queueMessage(ErrSessionExpired())
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Event == "" {
			c.log.Warn("error parsing message", zap.Error(err))
			c.queueMessage(ErrInvalidPayload(EventError, err))
			continue
		}

		msg.client = c
		msg.Timestamp = Now()
		c.dispatch(&msg)
	}
}

// dispatch resolves the event's room against the credential and routes it.
// The credential is the only source of room identity.
func (c *Client) dispatch(msg *ClientMessage) {
	roomId, err := peekRoomId(msg.Data)
	if err != nil {
		c.log.Warn("invalid payload", zap.String("event", msg.Event), zap.Error(err))
		c.queueMessage(ErrInvalidPayload(msg.Event, err))
		return
	}
	if roomId != "" && roomId != c.cred.RoomId {
		c.log.Warn("room does not match credential", zap.String("event", msg.Event), zap.String("room", roomId))
		c.queueMessage(ErrInvalidRoom(msg.Event, roomId))
		return
	}

	if msg.Event == EventRoomJoin {
		c.joinRoom(msg)
		return
	}

	if _, ok := roomEvents[msg.Event]; !ok {
		c.queueMessage(ErrUnknownEvent(msg.Event))
		return
	}

	r := c.getRoom()
	if r == nil {
		if msg.Event != EventRoomLeave {
			c.queueMessage(ErrNotJoined(msg.Event, c.cred.RoomId))
		}
		return
	}

	select {
	case r.clientMsgChan <- msg:
	default:
		c.log.Warn("room channel full", zap.String("room", r.id))
		c.queueMessage(ErrServiceUnavailable(msg.Event))
	}
}

// joinRoom checks the room exists and waits for the registry to bind
// this client to the room.
func (c *Client) joinRoom(msg *ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), directoryWait)
	exists, err := c.srv.directory.RoomExists(ctx, c.cred.RoomId)
	cancel()
	if err != nil {
		c.log.Error("room lookup failed", zap.Error(err))
		c.queueMessage(NewError(msg.Event, "INTERNAL", "failed to join room"))
		return
	}
	if !exists {
		c.queueMessage(ErrInvalidRoom(msg.Event, c.cred.RoomId))
		return
	}

	req := &joinRequest{msg: msg, result: make(chan *Room, 1)}
	select {
	case c.srv.joinChan <- req:
	default:
		c.log.Warn("join channel full")
		c.queueMessage(ErrServiceUnavailable(msg.Event))
		return
	}

	select {
	case r := <-req.result:
		if r == nil {
			c.queueMessage(ErrServiceUnavailable(msg.Event))
		}
	case <-c.srv.done:
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn("failed to send message to client, channel is full", zap.String("event", msg.Event))
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn("write message", zap.Error(err))
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// cleanup is the disconnect path. It is safe for clients that never joined.
func (c *Client) cleanup() {
	c.srv.UnregisterClient(c)
	c.leaveRoom()
	c.stopClient()
}

func (c *Client) leaveRoom() {
	r := c.getRoom()
	if r == nil {
		return
	}

	select {
	case r.clientMsgChan <- &ClientMessage{Event: EventRoomLeave, Timestamp: Now(), client: c}:
	case <-r.done:
	}
}

func (c *Client) setRoom(r *Room) {
	c.roomLock.Lock()
	defer c.roomLock.Unlock()
	c.room = r
}

// delRoom unbinds the client if it is still bound to r.
func (c *Client) delRoom(r *Room) {
	c.roomLock.Lock()
	defer c.roomLock.Unlock()
	if c.room == r {
		c.room = nil
	}
}

func (c *Client) getRoom() *Room {
	c.roomLock.RLock()
	defer c.roomLock.RUnlock()
	return c.room
}
