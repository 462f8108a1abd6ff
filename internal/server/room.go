package server

import (
	"context"
	"time"

	"github.com/npezzotti/go-collab/internal/types"
	"go.uber.org/zap"
)

type exitReq struct {
	// force exits even if the room still has members, used on shutdown
	force bool
	done  chan bool
}

// Room is the context of one active room. Everything below is owned by
// the room goroutine; handlers run to completion one at a time.
type Room struct {
	id  string
	srv *Server
	log *zap.Logger

	clients map[*Client]*types.Member
	order   []*Client
	byId    map[string]*Client

	code   *codeBuffer
	canvas *canvasState
	chat   *chatCache
	call   *peerDirectory

	clientMsgChan chan *ClientMessage
	// results applies completed store calls on the room goroutine
	results chan func()
	pending int

	// killTimer unloads the room once it has been empty for the grace period
	killTimer *time.Timer
	exit      chan exitReq
	done      chan struct{}
}

func newRoom(id string, srv *Server) *Room {
	killTimer := time.NewTimer(srv.opts.CacheGrace)
	killTimer.Stop()

	return &Room{
		id:            id,
		srv:           srv,
		log:           srv.log.With(zap.String("room", id)),
		clients:       make(map[*Client]*types.Member),
		byId:          make(map[string]*Client),
		clientMsgChan: make(chan *ClientMessage, 256),
		results:       make(chan func(), 64),
		killTimer:     killTimer,
		exit:          make(chan exitReq),
		done:          make(chan struct{}),
	}
}

func (r *Room) start() {
	r.log.Debug("starting room")
	defer close(r.done)

	for {
		select {
		case msg := <-r.clientMsgChan:
			r.handleClientMessage(msg)
		case apply := <-r.results:
			r.pending--
			apply()
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			if r.handleRoomExit(e) {
				return
			}
		}
	}
}

func (r *Room) handleClientMessage(msg *ClientMessage) {
	switch msg.Event {
	case EventRoomJoin:
		r.handleJoin(msg)
		return
	case EventRoomLeave:
		r.handleLeave(msg.client)
		return
	}

	if _, ok := r.clients[msg.client]; !ok {
		msg.client.queueMessage(ErrNotJoined(msg.Event, r.id))
		return
	}

	switch msg.Event {
	case EventCodeRequest:
		r.handleCodeRequest(msg)
	case EventCodeChange:
		r.handleCodeChange(msg)
	case EventCodeCursor, EventCodeSelection:
		r.handleCodeCursor(msg)
	case EventWhiteboardJoin:
		r.handleWhiteboardJoin(msg)
	case EventWhiteboardLeave:
	case EventCanvasObjectAdded:
		r.handleObjectAdded(msg)
	case EventCanvasObjectMod:
		r.handleObjectModified(msg)
	case EventCanvasObjectRem:
		r.handleObjectRemoved(msg)
	case EventCanvasClear:
		r.handleCanvasClear(msg)
	case EventCanvasPath:
		r.handleCanvasPath(msg)
	case EventCanvasState:
		r.handleCanvasState(msg)
	case EventChatJoin:
		r.handleChatJoin(msg)
	case EventChatSend:
		r.handleChatSend(msg)
	case EventChatDelete:
		r.handleChatDelete(msg)
	case EventChatLoadMore:
		r.handleChatLoadMore(msg)
	case EventMeetJoin:
		r.handleCallJoin(msg)
	case EventMeetLeave:
		r.leaveCall(msg.client)
	case EventMeetOffer, EventMeetAnswer, EventMeetIce:
		r.handleSignal(msg)
	case EventMeetToggleAudio, EventMeetToggleVideo, EventMeetShareScreen:
		r.handleToggleMedia(msg)
	case EventMeetForceMute:
		r.handleForceAudio(msg)
	default:
		msg.client.queueMessage(ErrUnknownEvent(msg.Event))
	}
}

func (r *Room) handleJoin(msg *ClientMessage) {
	r.killTimer.Stop()

	c := msg.client
	if _, ok := r.clients[c]; ok {
		c.queueMessage(&ServerMessage{Event: EventMembersList, Data: r.roster()})
		return
	}

	// the payload only contributes a display name
	var p JoinPayload
	if err := msg.decode(&p); err != nil {
		r.log.Debug("join without user data", zap.String("conn", c.id))
	}

	name := p.User.DisplayName
	if name == "" {
		name = p.User.Name
	}
	if name == "" {
		name = c.cred.UserId
	}

	member := &types.Member{
		Id:             c.id,
		UserId:         c.cred.UserId,
		Name:           name,
		Role:           c.cred.Role,
		IsCreator:      c.cred.IsCreator(),
		IsOnline:       true,
		IsAudioEnabled: true,
		IsVideoEnabled: true,
	}
	r.addClient(c, member)
	r.log.Info("member joined", zap.String("conn", c.id), zap.String("user", member.UserId), zap.Int("members", len(r.clients)))

	r.broadcast(&ServerMessage{Event: EventMemberJoin, Data: *member, SkipClient: c})

	roster := r.roster()
	c.queueMessage(&ServerMessage{Event: EventMembersList, Data: roster})
	r.broadcast(&ServerMessage{Event: EventMembersList, Data: roster, SkipClient: c})
}

func (r *Room) handleLeave(c *Client) {
	member, ok := r.clients[c]
	if !ok {
		c.delRoom(r)
		return
	}

	r.leaveCall(c)
	r.removeClient(c)
	r.log.Info("member left", zap.String("conn", c.id), zap.Int("members", len(r.clients)))

	if len(r.clients) == 0 {
		r.dispose()
		return
	}

	r.broadcast(&ServerMessage{Event: EventMemberLeave, Data: MemberLeft{MemberId: member.Id, UserId: member.UserId}})
	r.broadcast(&ServerMessage{Event: EventMembersList, Data: r.roster()})
}

// dispose drops the ephemeral engine state of an empty room and arms the
// kill timer. It is the only place per-room state is released.
func (r *Room) dispose() {
	r.log.Info("room is empty, disposing state")
	r.code = nil
	r.canvas = nil
	r.call = nil
	r.killTimer.Reset(r.srv.opts.CacheGrace)
}

func (r *Room) handleRoomTimeout() {
	if len(r.clients) > 0 {
		return
	}

	r.log.Debug("room timed out")
	select {
	case r.srv.unloadRoomChan <- unloadRoomRequest{roomId: r.id, room: r}:
	default:
		r.log.Warn("unload channel full, retrying later")
		r.killTimer.Reset(r.srv.opts.CacheGrace)
	}
}

// handleRoomExit reports whether the room goroutine should return.
func (r *Room) handleRoomExit(e exitReq) bool {
	if !e.force && (len(r.clients) > 0 || len(r.clientMsgChan) > 0 || r.pending > 0) {
		if e.done != nil {
			e.done <- false
		}
		return false
	}

	r.log.Info("room is exiting")
	for _, c := range r.order {
		c.delRoom(r)
	}
	r.clients = make(map[*Client]*types.Member)
	r.byId = make(map[string]*Client)
	r.order = nil
	r.code = nil
	r.canvas = nil
	r.chat = nil
	r.call = nil
	r.killTimer.Stop()

	if e.done != nil {
		e.done <- true
	}
	return true
}

func (r *Room) addClient(c *Client, m *types.Member) {
	r.clients[c] = m
	r.byId[c.id] = c
	r.order = append(r.order, c)
}

func (r *Room) removeClient(c *Client) {
	if _, ok := r.clients[c]; !ok {
		return
	}

	delete(r.clients, c)
	delete(r.byId, c.id)
	for i, oc := range r.order {
		if oc == c {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	c.delRoom(r)
}

// roster returns a copy of the membership in join order.
func (r *Room) roster() []types.Member {
	members := make([]types.Member, 0, len(r.order))
	for _, c := range r.order {
		members = append(members, *r.clients[c])
	}
	return members
}

// rejectPayload drops a malformed event and tells the sender why.
func (r *Room) rejectPayload(msg *ClientMessage, err error) {
	r.log.Warn("invalid payload", zap.String("event", msg.Event), zap.String("conn", msg.client.id), zap.Error(err))
	msg.client.queueMessage(ErrInvalidPayload(msg.Event, err))
}

func (r *Room) broadcast(msg *ServerMessage) {
	for _, c := range r.order {
		if c == msg.SkipClient {
			continue
		}

		c.queueMessage(msg)
	}
}

// runAsync runs a blocking store call off the room goroutine. The
// returned func is applied back on the room goroutine.
func (r *Room) runAsync(work func(ctx context.Context) func()) {
	r.pending++
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.srv.opts.StoreTimeout)
		apply := work(ctx)
		cancel()

		select {
		case r.results <- apply:
		case <-r.done:
		}
	}()
}
