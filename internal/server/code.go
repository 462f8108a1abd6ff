package server

import (
	"time"

	"go.uber.org/zap"
)

// codeBuffer is the room's shared editor text. Concurrent writers are not
// merged; the last change to arrive replaces the text.
type codeBuffer struct {
	text       string
	lastWriter string
	lastWrite  time.Time
}

func (b *codeBuffer) set(text, writer string, at time.Time) {
	b.text = text
	b.lastWriter = writer
	b.lastWrite = at
}

// codeState returns the room's buffer, creating an empty one on first use.
func (r *Room) codeState() *codeBuffer {
	if r.code == nil {
		r.code = &codeBuffer{}
	}
	return r.code
}

func (r *Room) handleCodeRequest(msg *ClientMessage) {
	msg.client.queueMessage(&ServerMessage{
		Event: EventCodeInitial,
		Data:  CodeInitial{Code: r.codeState().text},
	})
}

func (r *Room) handleCodeChange(msg *ClientMessage) {
	var p CodeChangePayload
	if err := msg.decode(&p); err != nil {
		r.rejectPayload(msg, err)
		return
	}

	text, ok := p.text()
	if !ok {
		msg.client.queueMessage(NewError(msg.Event, "VALIDATION", "invalid code: missing"))
		return
	}

	c := msg.client
	r.codeState().set(text, c.id, msg.Timestamp)

	r.broadcast(&ServerMessage{
		Event: EventCodeChange,
		Data: CodeChanged{
			Code:     text,
			SenderId: c.id,
			UserId:   c.cred.UserId,
			UserName: r.clients[c].Name,
		},
		SkipClient: c,
	})
}

// handleCodeCursor relays cursor and selection updates. They are dropped
// while the room has no buffer.
func (r *Room) handleCodeCursor(msg *ClientMessage) {
	if r.code == nil {
		return
	}

	var p CodeCursorPayload
	if err := msg.decode(&p); err != nil {
		r.log.Debug("dropping invalid cursor update", zap.Error(err))
		return
	}

	c := msg.client
	update := CursorUpdate{
		SenderId: c.id,
		UserId:   c.cred.UserId,
		UserName: r.clients[c].Name,
	}
	if msg.Event == EventCodeSelection {
		update.Selection = p.Selection
	} else {
		update.Position = p.Position
		if update.Position == nil {
			update.Position = p.Cursor
		}
	}

	r.broadcast(&ServerMessage{Event: msg.Event, Data: update, SkipClient: c})
}
