package server

import (
	"context"
	"errors"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/npezzotti/go-collab/internal/errs"
	"github.com/npezzotti/go-collab/internal/stats"
	"github.com/npezzotti/go-collab/internal/types"
	"go.uber.org/zap"
)

const maxChatMessageLength = 4000

// chatCache holds the newest durably stored messages of a room in
// transcript order. Once loaded it is a suffix of the durable history.
type chatCache struct {
	limit    int
	loaded   bool
	loading  bool
	waiting  []*Client
	messages []types.ChatMessage
	// tombstones are ids deleted while a load was in flight
	tombstones map[string]struct{}
}

func newChatCache(limit int) *chatCache {
	return &chatCache{limit: limit}
}

// insert adds msg in transcript order, ignoring duplicates and dropping
// the oldest entries past the limit.
func (cc *chatCache) insert(msg types.ChatMessage) {
	if _, gone := cc.tombstones[msg.Id]; gone || msg.IsDeleted {
		return
	}
	for _, m := range cc.messages {
		if m.Id == msg.Id {
			return
		}
	}

	i := sort.Search(len(cc.messages), func(i int) bool { return msg.Before(cc.messages[i]) })
	cc.messages = append(cc.messages, types.ChatMessage{})
	copy(cc.messages[i+1:], cc.messages[i:])
	cc.messages[i] = msg

	if over := len(cc.messages) - cc.limit; over > 0 {
		cc.messages = append([]types.ChatMessage(nil), cc.messages[over:]...)
	}
}

// load merges a page read from the durable store.
func (cc *chatCache) load(msgs []types.ChatMessage) {
	for _, m := range msgs {
		cc.insert(m)
	}
	cc.loaded = true
	cc.loading = false
	cc.tombstones = nil
}

func (cc *chatCache) remove(id string) {
	if cc.loading {
		if cc.tombstones == nil {
			cc.tombstones = make(map[string]struct{})
		}
		cc.tombstones[id] = struct{}{}
	}

	for i, m := range cc.messages {
		if m.Id == id {
			cc.messages = append(cc.messages[:i], cc.messages[i+1:]...)
			return
		}
	}
}

// recent returns a copy of the newest n cached messages.
func (cc *chatCache) recent(n int) []types.ChatMessage {
	start := 0
	if len(cc.messages) > n {
		start = len(cc.messages) - n
	}

	out := make([]types.ChatMessage, len(cc.messages)-start)
	copy(out, cc.messages[start:])
	return out
}

func (r *Room) chatState() *chatCache {
	if r.chat == nil {
		r.chat = newChatCache(r.srv.opts.CacheSize)
	}
	return r.chat
}

// handleChatJoin answers with the recent history, reading through to the
// durable store on the first join after the room was loaded.
func (r *Room) handleChatJoin(msg *ClientMessage) {
	cc := r.chatState()
	if cc.loaded {
		msg.client.queueMessage(&ServerMessage{
			Event: EventChatHistory,
			Data:  ChatHistory{Messages: cc.recent(r.srv.opts.HistorySize)},
		})
		return
	}

	cc.waiting = append(cc.waiting, msg.client)
	if cc.loading {
		return
	}
	cc.loading = true

	roomId, limit := r.id, r.srv.opts.HistorySize
	r.runAsync(func(ctx context.Context) func() {
		msgs, err := r.srv.store.RecentMessages(ctx, roomId, limit)
		return func() { r.finishChatLoad(cc, msgs, err) }
	})
}

func (r *Room) finishChatLoad(cc *chatCache, msgs []types.ChatMessage, err error) {
	waiting := cc.waiting
	cc.waiting = nil

	var reply *ServerMessage
	if err != nil {
		r.log.Error("failed to load chat history", zap.Error(err))
		cc.loading = false
		cc.tombstones = nil
		reply = NewError(EventChatJoin, "PERSISTENCE", "failed to load chat history")
	} else {
		cc.load(msgs)
		reply = &ServerMessage{
			Event: EventChatHistory,
			Data:  ChatHistory{Messages: cc.recent(r.srv.opts.HistorySize)},
		}
	}

	for _, c := range waiting {
		if _, ok := r.clients[c]; ok {
			c.queueMessage(reply)
		}
	}
}

// handleChatSend persists the message, then caches and broadcasts it to
// the whole room, sender included.
func (r *Room) handleChatSend(msg *ClientMessage) {
	var p ChatSendPayload
	if err := msg.decode(&p); err != nil {
		r.rejectPayload(msg, err)
		return
	}

	text := strings.TrimSpace(p.Message.Text)
	if text == "" {
		r.rejectPayload(msg, errs.NewValidation("message", "empty"))
		return
	}
	if utf8.RuneCountInString(text) > maxChatMessageLength {
		r.rejectPayload(msg, errs.NewValidation("message", "too long"))
		return
	}

	c := msg.client
	chatMsg := types.ChatMessage{
		Id:        uuid.NewString(),
		RoomId:    r.id,
		UserId:    c.cred.UserId,
		UserName:  r.clients[c].Name,
		Text:      text,
		Timestamp: msg.Timestamp,
		ClientId:  p.Message.ClientId,
	}

	r.runAsync(func(ctx context.Context) func() {
		err := r.srv.store.CreateMessage(ctx, chatMsg)
		return func() {
			if err != nil {
				r.log.Error("failed to persist chat message", zap.String("conn", c.id), zap.Error(err))
				c.queueMessage(NewError(EventChatSend, "PERSISTENCE", "failed to send message"))
				return
			}

			r.chatState().insert(chatMsg)
			r.srv.stats.Incr(stats.ChatMessages)
			r.broadcast(&ServerMessage{Event: EventChatMessage, Data: ChatMessageEvent{Message: chatMsg}})
		}
	})
}

func (r *Room) handleChatDelete(msg *ClientMessage) {
	var p ChatDeletePayload
	if err := msg.decode(&p); err != nil {
		r.rejectPayload(msg, err)
		return
	}
	if p.MessageId == "" {
		r.rejectPayload(msg, errs.NewValidation("messageId", "missing"))
		return
	}

	c, roomId, id := msg.client, r.id, p.MessageId
	r.runAsync(func(ctx context.Context) func() {
		err := r.srv.store.DeleteMessage(ctx, roomId, id)
		return func() {
			switch {
			case errors.Is(err, errs.ErrNotFound):
				c.queueMessage(NewError(EventChatDelete, errs.CodeNotFound, "message not found"))
				return
			case err != nil:
				r.log.Error("failed to delete chat message", zap.String("message", id), zap.Error(err))
				c.queueMessage(NewError(EventChatDelete, "PERSISTENCE", "failed to delete message"))
				return
			}

			r.chatState().remove(id)
			r.broadcast(&ServerMessage{Event: EventChatDeleted, Data: ChatDeleted{MessageId: id}})
		}
	})
}

// handleChatLoadMore pages backwards through the durable history.
func (r *Room) handleChatLoadMore(msg *ClientMessage) {
	var p ChatLoadMorePayload
	if err := msg.decode(&p); err != nil {
		r.rejectPayload(msg, err)
		return
	}
	if p.Before.IsZero() {
		r.rejectPayload(msg, errs.NewValidation("before", "missing"))
		return
	}

	c, roomId, pageSize := msg.client, r.id, r.srv.opts.PageSize
	r.runAsync(func(ctx context.Context) func() {
		msgs, err := r.srv.store.MessagesBefore(ctx, roomId, p.Before, pageSize)
		return func() {
			if err != nil {
				r.log.Error("failed to load older messages", zap.Error(err))
				c.queueMessage(NewError(EventChatLoadMore, "PERSISTENCE", "failed to load messages"))
				return
			}
			if msgs == nil {
				msgs = []types.ChatMessage{}
			}

			c.queueMessage(&ServerMessage{
				Event: EventChatMoreHistory,
				Data:  ChatMoreHistory{Messages: msgs, HasMore: len(msgs) == pageSize},
			})
		}
	})
}
