package server

import (
	"fmt"

	"github.com/npezzotti/go-collab/internal/errs"
	"github.com/npezzotti/go-collab/internal/stats"
	"github.com/npezzotti/go-collab/internal/types"
	"go.uber.org/zap"
)

// canvasState is the version of record for a room's canvas. version moves
// by exactly one per accepted mutation; no-ops leave it alone.
type canvasState struct {
	objects map[string]*types.CanvasObject
	order   []string
	// seen holds every id this canvas ever held, including removed ones.
	seen    map[string]struct{}
	version int64
	nextId  int64
}

func newCanvasState() *canvasState {
	return &canvasState{
		objects: make(map[string]*types.CanvasObject),
		seen:    make(map[string]struct{}),
	}
}

// newId issues a server id that no object on this canvas has ever used,
// whether issued here or supplied by a client.
func (s *canvasState) newId() string {
	for {
		s.nextId++
		id := fmt.Sprintf("obj-%d", s.nextId)
		if _, taken := s.seen[id]; !taken {
			return id
		}
	}
}

func (s *canvasState) put(obj *types.CanvasObject) {
	if obj.Id == "" {
		obj.Id = s.newId()
	}
	s.seen[obj.Id] = struct{}{}
	if _, exists := s.objects[obj.Id]; !exists {
		s.order = append(s.order, obj.Id)
	}
	s.objects[obj.Id] = obj
}

func (s *canvasState) add(obj *types.CanvasObject) {
	s.put(obj)
	s.version++
}

func (s *canvasState) modify(id string, patch map[string]any) bool {
	obj, ok := s.objects[id]
	if !ok || len(patch) == 0 {
		return false
	}

	obj.Apply(patch)
	s.version++
	return true
}

func (s *canvasState) remove(id string) bool {
	if _, ok := s.objects[id]; !ok {
		return false
	}

	delete(s.objects, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.version++
	return true
}

func (s *canvasState) clear() {
	s.objects = make(map[string]*types.CanvasObject)
	s.order = nil
	s.version++
}

// replace swaps in a full snapshot, as re-emitted by a client undo or redo.
func (s *canvasState) replace(objs []*types.CanvasObject) {
	s.objects = make(map[string]*types.CanvasObject, len(objs))
	s.order = nil
	for _, obj := range objs {
		s.put(obj)
	}
	s.version++
}

// snapshot returns copies safe to hand to the write pumps.
func (s *canvasState) snapshot() CanvasSnapshot {
	objs := make([]*types.CanvasObject, 0, len(s.order))
	for _, id := range s.order {
		objs = append(objs, s.objects[id].Clone())
	}

	return CanvasSnapshot{Objects: objs, Version: s.version}
}

func (r *Room) canvasState() *canvasState {
	if r.canvas == nil {
		r.canvas = newCanvasState()
	}
	return r.canvas
}

func (r *Room) handleWhiteboardJoin(msg *ClientMessage) {
	msg.client.queueMessage(&ServerMessage{
		Event: EventWhiteboardInit,
		Data:  r.canvasState().snapshot(),
	})
}

func (r *Room) handleObjectAdded(msg *ClientMessage) {
	var p CanvasObjectPayload
	if err := msg.decode(&p); err != nil {
		r.rejectPayload(msg, err)
		return
	}
	if p.Object == nil {
		r.rejectPayload(msg, errs.NewValidation("object", "missing"))
		return
	}

	obj, err := types.DecodeCanvasObject(p.Object)
	if err != nil {
		r.rejectPayload(msg, errs.NewValidation("object", err.Error()))
		return
	}

	state := r.canvasState()
	state.add(obj)
	r.srv.stats.Incr(stats.CanvasMutations)

	c := msg.client
	c.queueMessage(&ServerMessage{
		Event: EventCanvasObjectAck,
		Data:  CanvasAck{Ref: p.Ref, ObjectId: obj.Id, Version: state.version},
	})
	r.broadcast(&ServerMessage{
		Event: EventCanvasObjectAdded,
		Data: CanvasEvent{
			RoomId:   r.id,
			SenderId: c.id,
			Object:   obj.Clone(),
			Version:  state.version,
		},
		SkipClient: c,
	})
}

func (r *Room) handleObjectModified(msg *ClientMessage) {
	var p CanvasModifyPayload
	if err := msg.decode(&p); err != nil {
		r.rejectPayload(msg, err)
		return
	}
	if p.ObjectId == "" {
		r.rejectPayload(msg, errs.NewValidation("objectId", "missing"))
		return
	}
	if len(p.Modifications) == 0 {
		r.rejectPayload(msg, errs.NewValidation("modifications", "missing"))
		return
	}

	state := r.canvasState()
	if !state.modify(p.ObjectId, p.Modifications) {
		r.log.Debug("modify of unknown object ignored", zap.String("object", p.ObjectId))
		return
	}
	r.srv.stats.Incr(stats.CanvasMutations)

	r.broadcast(&ServerMessage{
		Event: EventCanvasObjectMod,
		Data: CanvasEvent{
			RoomId:        r.id,
			SenderId:      msg.client.id,
			ObjectId:      p.ObjectId,
			Modifications: p.Modifications,
			Version:       state.version,
		},
		SkipClient: msg.client,
	})
}

func (r *Room) handleObjectRemoved(msg *ClientMessage) {
	var p CanvasRemovePayload
	if err := msg.decode(&p); err != nil {
		r.rejectPayload(msg, err)
		return
	}
	if p.ObjectId == "" {
		r.rejectPayload(msg, errs.NewValidation("objectId", "missing"))
		return
	}

	state := r.canvasState()
	if !state.remove(p.ObjectId) {
		r.log.Debug("remove of unknown object ignored", zap.String("object", p.ObjectId))
		return
	}
	r.srv.stats.Incr(stats.CanvasMutations)

	r.broadcast(&ServerMessage{
		Event: EventCanvasObjectRem,
		Data: CanvasEvent{
			RoomId:   r.id,
			SenderId: msg.client.id,
			ObjectId: p.ObjectId,
			Version:  state.version,
		},
		SkipClient: msg.client,
	})
}

func (r *Room) handleCanvasClear(msg *ClientMessage) {
	state := r.canvasState()
	state.clear()
	r.srv.stats.Incr(stats.CanvasMutations)

	r.broadcast(&ServerMessage{
		Event: EventCanvasClear,
		Data: CanvasEvent{
			RoomId:   r.id,
			SenderId: msg.client.id,
			Version:  state.version,
		},
		SkipClient: msg.client,
	})
}

// handleCanvasPath relays an in-progress free drawing path. Paths are not
// part of the canvas state.
func (r *Room) handleCanvasPath(msg *ClientMessage) {
	var p CanvasPathPayload
	if err := msg.decode(&p); err != nil || len(p.Path) == 0 {
		r.log.Debug("dropping invalid canvas path")
		return
	}

	r.broadcast(&ServerMessage{
		Event: EventCanvasPath,
		Data: CanvasEvent{
			RoomId:   r.id,
			SenderId: msg.client.id,
			Path:     p.Path,
			Version:  r.canvasState().version,
		},
		SkipClient: msg.client,
	})
}

func (r *Room) handleCanvasState(msg *ClientMessage) {
	var p CanvasStatePayload
	if err := msg.decode(&p); err != nil {
		r.rejectPayload(msg, err)
		return
	}

	objs := make([]*types.CanvasObject, 0, len(p.Objects))
	for i, raw := range p.Objects {
		obj, err := types.DecodeCanvasObject(raw)
		if err != nil {
			r.rejectPayload(msg, errs.NewValidation(fmt.Sprintf("objects[%d]", i), err.Error()))
			return
		}
		objs = append(objs, obj)
	}

	state := r.canvasState()
	state.replace(objs)
	r.srv.stats.Incr(stats.CanvasMutations)

	r.broadcast(&ServerMessage{
		Event:      EventCanvasState,
		Data:       state.snapshot(),
		SkipClient: msg.client,
	})
}
