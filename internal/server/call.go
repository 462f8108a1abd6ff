package server

import (
	"github.com/npezzotti/go-collab/internal/errs"
	"github.com/npezzotti/go-collab/internal/types"
	"go.uber.org/zap"
)

// peerDirectory tracks the connections taking part in a room's call. A
// room member is not a peer until it joins the call.
type peerDirectory struct {
	peers map[string]*types.Peer
	order []string
}

func newPeerDirectory() *peerDirectory {
	return &peerDirectory{peers: make(map[string]*types.Peer)}
}

func (d *peerDirectory) add(p *types.Peer) {
	if _, ok := d.peers[p.SocketId]; !ok {
		d.order = append(d.order, p.SocketId)
	}
	d.peers[p.SocketId] = p
}

func (d *peerDirectory) remove(id string) bool {
	if _, ok := d.peers[id]; !ok {
		return false
	}

	delete(d.peers, id)
	for i, pid := range d.order {
		if pid == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return true
}

// others returns copies of every peer except id, in join order.
func (d *peerDirectory) others(id string) []types.Peer {
	peers := make([]types.Peer, 0, len(d.order))
	for _, pid := range d.order {
		if pid != id {
			peers = append(peers, *d.peers[pid])
		}
	}
	return peers
}

func (r *Room) callState() *peerDirectory {
	if r.call == nil {
		r.call = newPeerDirectory()
	}
	return r.call
}

// inCall returns the caller's peer entry, or nil.
func (r *Room) inCall(c *Client) *types.Peer {
	if r.call == nil {
		return nil
	}
	return r.call.peers[c.id]
}

func (r *Room) handleCallJoin(msg *ClientMessage) {
	var p MeetJoinPayload
	if err := msg.decode(&p); err != nil || p.UserData == nil || p.UserData.Name == "" {
		r.log.Warn("invalid meet join", zap.String("conn", msg.client.id))
		msg.client.queueMessage(NewError(msg.Event, "VALIDATION", "invalid user data"))
		return
	}

	c := msg.client
	call := r.callState()
	if _, ok := call.peers[c.id]; ok {
		c.queueMessage(&ServerMessage{Event: EventMeetPeers, Data: MeetPeers{Peers: call.others(c.id)}})
		return
	}

	peer := &types.Peer{
		SocketId:       c.id,
		UserId:         c.cred.UserId,
		Name:           p.UserData.Name,
		IsAudioEnabled: true,
		IsVideoEnabled: true,
	}
	call.add(peer)
	r.log.Info("peer joined call", zap.String("conn", c.id), zap.Int("peers", len(call.peers)))

	if m, ok := r.clients[c]; ok {
		m.IsAudioEnabled = true
		m.IsVideoEnabled = true
		m.IsScreenSharing = false
	}

	c.queueMessage(&ServerMessage{Event: EventMeetPeers, Data: MeetPeers{Peers: call.others(c.id)}})
	r.broadcastCall(&ServerMessage{
		Event:      EventMeetPeerJoined,
		Data:       PeerJoined{PeerId: c.id, UserData: *peer},
		SkipClient: c,
	})
}

// leaveCall removes c from the call, if it is in it. The directory is
// dropped with its last peer.
func (r *Room) leaveCall(c *Client) {
	if r.call == nil || !r.call.remove(c.id) {
		return
	}

	r.log.Info("peer left call", zap.String("conn", c.id), zap.Int("peers", len(r.call.peers)))
	if len(r.call.peers) == 0 {
		r.call = nil
		return
	}

	r.broadcastCall(&ServerMessage{Event: EventMeetPeerLeft, Data: PeerLeft{PeerId: c.id}})
}

// handleSignal forwards an offer, answer or ICE candidate to its target
// connection only. The payload is not inspected.
func (r *Room) handleSignal(msg *ClientMessage) {
	var p SignalPayload
	if err := msg.decode(&p); err != nil {
		r.rejectPayload(msg, err)
		return
	}
	if p.TargetId == "" {
		r.rejectPayload(msg, errs.NewValidation("targetId", "missing"))
		return
	}

	target, ok := r.byId[p.TargetId]
	if !ok {
		r.log.Debug("signal target gone", zap.String("event", msg.Event), zap.String("target", p.TargetId))
		return
	}

	target.queueMessage(&ServerMessage{
		Event: msg.Event,
		Data:  Signal{PeerId: msg.client.id, Sdp: p.Sdp, Candidate: p.Candidate},
	})
}

func (r *Room) handleToggleMedia(msg *ClientMessage) {
	var p MediaTogglePayload
	if err := msg.decode(&p); err != nil {
		r.rejectPayload(msg, err)
		return
	}

	c := msg.client
	peer := r.inCall(c)
	if peer == nil {
		c.queueMessage(NewError(msg.Event, errs.CodeNotFound, "not in call"))
		return
	}

	var event string
	switch msg.Event {
	case EventMeetToggleAudio:
		event = EventMeetPeerAudio
		peer.IsAudioEnabled = p.Enabled
	case EventMeetToggleVideo:
		event = EventMeetPeerVideo
		peer.IsVideoEnabled = p.Enabled
	case EventMeetShareScreen:
		event = EventMeetPeerScreen
		peer.IsScreenSharing = p.Enabled
	}
	r.syncMemberMedia(c, peer)

	r.broadcastCall(&ServerMessage{
		Event:      event,
		Data:       PeerMedia{PeerId: c.id, Enabled: p.Enabled},
		SkipClient: c,
	})
}

// handleForceAudio mutes or unmutes another peer. The target gets a
// directed notice; every other peer gets the usual audio broadcast.
func (r *Room) handleForceAudio(msg *ClientMessage) {
	var p ForceAudioPayload
	if err := msg.decode(&p); err != nil {
		r.rejectPayload(msg, err)
		return
	}
	if p.TargetId == "" {
		r.rejectPayload(msg, errs.NewValidation("targetId", "missing"))
		return
	}

	c := msg.client
	if r.srv.opts.RestrictForceMute && !c.cred.IsCreator() {
		c.queueMessage(NewError(msg.Event, "FORBIDDEN", errs.ErrForbidden.Error()))
		return
	}
	if r.inCall(c) == nil {
		c.queueMessage(NewError(msg.Event, errs.CodeNotFound, "not in call"))
		return
	}

	target, ok := r.byId[p.TargetId]
	if !ok {
		return
	}
	peer := r.inCall(target)
	if peer == nil {
		return
	}

	peer.IsAudioEnabled = p.Enabled
	r.syncMemberMedia(target, peer)
	r.log.Info("forced audio state", zap.String("conn", c.id), zap.String("target", target.id), zap.Bool("enabled", p.Enabled))

	target.queueMessage(&ServerMessage{
		Event: EventMeetForceAudio,
		Data:  ForceAudioState{Enabled: p.Enabled, ByPeerId: c.id},
	})
	r.broadcastCall(&ServerMessage{
		Event:      EventMeetPeerAudio,
		Data:       PeerMedia{PeerId: target.id, Enabled: p.Enabled, ByPeerId: c.id},
		SkipClient: target,
	})
}

func (r *Room) syncMemberMedia(c *Client, p *types.Peer) {
	m, ok := r.clients[c]
	if !ok {
		return
	}

	m.IsAudioEnabled = p.IsAudioEnabled
	m.IsVideoEnabled = p.IsVideoEnabled
	m.IsScreenSharing = p.IsScreenSharing
}

// broadcastCall sends msg to call peers only.
func (r *Room) broadcastCall(msg *ServerMessage) {
	if r.call == nil {
		return
	}

	for _, id := range r.call.order {
		c, ok := r.byId[id]
		if !ok || c == msg.SkipClient {
			continue
		}

		c.queueMessage(msg)
	}
}
