package server

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/npezzotti/go-collab/internal/errs"
	"github.com/npezzotti/go-collab/internal/types"
)

const (
	EventRoomJoin    = "room:join"
	EventRoomLeave   = "room:leave"
	EventRoomError   = "room:error"
	EventMemberJoin  = "member:join"
	EventMemberLeave = "member:leave"
	EventMembersList = "members:list"

	EventCodeRequest   = "code:request"
	EventCodeInitial   = "code:initial"
	EventCodeChange    = "code:change"
	EventCodeCursor    = "code:cursor"
	EventCodeSelection = "code:selection"
	EventCodeError     = "code:error"

	EventWhiteboardJoin    = "whiteboard:join"
	EventWhiteboardLeave   = "whiteboard:leave"
	EventWhiteboardInit    = "whiteboard:init"
	EventWhiteboardError   = "whiteboard:error"
	EventCanvasObjectAdded = "canvas-object-added"
	EventCanvasObjectMod   = "canvas-object-modified"
	EventCanvasObjectRem   = "canvas-object-removed"
	EventCanvasObjectAck   = "canvas-object-ack"
	EventCanvasClear       = "canvas-clear"
	EventCanvasPath        = "canvas-path"
	EventCanvasState       = "canvas-state"

	EventChatJoin        = "join-chat"
	EventChatHistory     = "chat:history"
	EventChatSend        = "chat:send"
	EventChatMessage     = "chat:message"
	EventChatDelete      = "chat:delete"
	EventChatDeleted     = "chat:deleted"
	EventChatLoadMore    = "chat:load-more"
	EventChatMoreHistory = "chat:more-history"
	EventChatError       = "chat:error"

	EventMeetJoin        = "meet:join"
	EventMeetLeave       = "meet:leave"
	EventMeetPeers       = "meet:peers"
	EventMeetPeerJoined  = "meet:peer-joined"
	EventMeetPeerLeft    = "meet:peer-left"
	EventMeetOffer       = "meet:offer"
	EventMeetAnswer      = "meet:answer"
	EventMeetIce         = "meet:ice-candidate"
	EventMeetToggleAudio = "meet:toggle-audio"
	EventMeetToggleVideo = "meet:toggle-video"
	EventMeetShareScreen = "meet:share-screen"
	EventMeetPeerAudio   = "meet:peer-audio"
	EventMeetPeerVideo   = "meet:peer-video"
	EventMeetPeerScreen  = "meet:peer-screen"
	EventMeetForceMute   = "meet:toggle-other-audio"
	EventMeetForceAudio  = "meet:force-audio-state"
	EventMeetError       = "meet:error"

	EventAuthError = "auth:error"
	EventError     = "error"
)

// roomEvents are the client events routed to the connection's room.
var roomEvents = map[string]struct{}{
	EventRoomLeave:         {},
	EventCodeRequest:       {},
	EventCodeChange:        {},
	EventCodeCursor:        {},
	EventCodeSelection:     {},
	EventWhiteboardJoin:    {},
	EventWhiteboardLeave:   {},
	EventCanvasObjectAdded: {},
	EventCanvasObjectMod:   {},
	EventCanvasObjectRem:   {},
	EventCanvasClear:       {},
	EventCanvasPath:        {},
	EventCanvasState:       {},
	EventChatJoin:          {},
	EventChatSend:          {},
	EventChatDelete:        {},
	EventChatLoadMore:      {},
	EventMeetJoin:          {},
	EventMeetLeave:         {},
	EventMeetOffer:         {},
	EventMeetAnswer:        {},
	EventMeetIce:           {},
	EventMeetToggleAudio:   {},
	EventMeetToggleVideo:   {},
	EventMeetShareScreen:   {},
	EventMeetForceMute:     {},
}

type ClientMessage struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"-"`
	client    *Client         `json:"-"`
}

// decode unmarshals the message payload into v.
func (m *ClientMessage) decode(v any) error {
	if len(m.Data) == 0 || string(m.Data) == "null" {
		return errs.NewValidation("data", "missing payload")
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return errs.NewValidation("data", err.Error())
	}

	return nil
}

type ServerMessage struct {
	Event      string  `json:"event"`
	Data       any     `json:"data,omitempty"`
	SkipClient *Client `json:"-"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// roomRef is the room identifier carried by most client payloads.
type roomRef struct {
	RoomId string `json:"roomId"`
}

// peekRoomId extracts the room identifier from a payload, which is either
// an object with a roomId field or a bare string.
func peekRoomId(data json.RawMessage) (string, error) {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "" || trimmed == "null":
		return "", nil
	case strings.HasPrefix(trimmed, `"`):
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return "", errs.NewValidation("roomId", err.Error())
		}
		return id, nil
	case strings.HasPrefix(trimmed, "{"):
		var ref roomRef
		if err := json.Unmarshal(data, &ref); err != nil {
			return "", errs.NewValidation("roomId", err.Error())
		}
		return ref.RoomId, nil
	default:
		return "", nil
	}
}

type JoinPayload struct {
	RoomId string   `json:"roomId"`
	User   JoinUser `json:"user"`
}

type JoinUser struct {
	Uid         string `json:"uid"`
	DisplayName string `json:"displayName"`
	Name        string `json:"name"`
}

type MemberLeft struct {
	MemberId string `json:"memberId"`
	UserId   string `json:"userId"`
}

type CodeChangePayload struct {
	RoomId string      `json:"roomId"`
	Code   *string     `json:"code"`
	Change *codeChange `json:"change,omitempty"`
}

type codeChange struct {
	Code string `json:"code"`
}

// text returns the new buffer contents, accepting the nested change form.
func (p CodeChangePayload) text() (string, bool) {
	if p.Code != nil {
		return *p.Code, true
	}
	if p.Change != nil {
		return p.Change.Code, true
	}

	return "", false
}

type CodeCursorPayload struct {
	RoomId    string          `json:"roomId"`
	Position  json.RawMessage `json:"position,omitempty"`
	Cursor    json.RawMessage `json:"cursor,omitempty"`
	Selection json.RawMessage `json:"selection,omitempty"`
}

type CodeInitial struct {
	Code string `json:"code"`
}

type CodeChanged struct {
	Code     string `json:"code"`
	SenderId string `json:"senderId"`
	UserId   string `json:"userId"`
	UserName string `json:"userName"`
}

type CursorUpdate struct {
	SenderId  string          `json:"senderId"`
	UserId    string          `json:"userId"`
	UserName  string          `json:"userName"`
	Position  json.RawMessage `json:"position,omitempty"`
	Selection json.RawMessage `json:"selection,omitempty"`
}

type CanvasObjectPayload struct {
	RoomId string         `json:"roomId"`
	Object map[string]any `json:"object"`
	Ref    string         `json:"ref,omitempty"`
}

type CanvasModifyPayload struct {
	RoomId        string         `json:"roomId"`
	ObjectId      string         `json:"objectId"`
	Modifications map[string]any `json:"modifications"`
}

type CanvasRemovePayload struct {
	RoomId   string `json:"roomId"`
	ObjectId string `json:"objectId"`
}

type CanvasPathPayload struct {
	RoomId string          `json:"roomId"`
	Path   json.RawMessage `json:"path"`
}

type CanvasStatePayload struct {
	RoomId  string           `json:"roomId"`
	Objects []map[string]any `json:"objects"`
}

type CanvasSnapshot struct {
	Objects []*types.CanvasObject `json:"objects"`
	Version int64                 `json:"version"`
}

type CanvasEvent struct {
	RoomId        string              `json:"roomId"`
	SenderId      string              `json:"senderId,omitempty"`
	Object        *types.CanvasObject `json:"object,omitempty"`
	ObjectId      string              `json:"objectId,omitempty"`
	Modifications map[string]any      `json:"modifications,omitempty"`
	Path          json.RawMessage     `json:"path,omitempty"`
	Version       int64               `json:"version"`
}

type CanvasAck struct {
	Ref      string `json:"ref,omitempty"`
	ObjectId string `json:"objectId"`
	Version  int64  `json:"version"`
}

type ChatSendPayload struct {
	RoomId  string    `json:"roomId"`
	Message ChatDraft `json:"message"`
}

// ChatDraft is an unsent message. Clients may send a bare string.
type ChatDraft struct {
	Text     string `json:"text"`
	ClientId string `json:"clientId,omitempty"`
}

func (d *ChatDraft) UnmarshalJSON(b []byte) error {
	var text string
	if err := json.Unmarshal(b, &text); err == nil {
		d.Text = text
		return nil
	}

	type draft ChatDraft
	var v draft
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	*d = ChatDraft(v)
	return nil
}

type ChatDeletePayload struct {
	RoomId    string `json:"roomId"`
	MessageId string `json:"messageId"`
}

type ChatLoadMorePayload struct {
	RoomId string    `json:"roomId"`
	Before time.Time `json:"before"`
}

type ChatHistory struct {
	Messages []types.ChatMessage `json:"messages"`
}

type ChatMoreHistory struct {
	Messages []types.ChatMessage `json:"messages"`
	HasMore  bool                `json:"hasMore"`
}

type ChatMessageEvent struct {
	Message types.ChatMessage `json:"message"`
}

type ChatDeleted struct {
	MessageId string `json:"messageId"`
}

type MeetJoinPayload struct {
	RoomId   string        `json:"roomId"`
	UserData *MeetUserData `json:"userData"`
}

type MeetUserData struct {
	UserId string `json:"userId"`
	Name   string `json:"name"`
}

type SignalPayload struct {
	RoomId    string          `json:"roomId"`
	TargetId  string          `json:"targetId"`
	Sdp       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type Signal struct {
	PeerId    string          `json:"peerId"`
	Sdp       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type MediaTogglePayload struct {
	RoomId  string `json:"roomId"`
	Enabled bool   `json:"enabled"`
}

type ForceAudioPayload struct {
	RoomId   string `json:"roomId"`
	TargetId string `json:"targetId"`
	Enabled  bool   `json:"enabled"`
}

type MeetPeers struct {
	Peers []types.Peer `json:"peers"`
}

type PeerJoined struct {
	PeerId   string     `json:"peerId"`
	UserData types.Peer `json:"userData"`
}

type PeerLeft struct {
	PeerId string `json:"peerId"`
}

type PeerMedia struct {
	PeerId   string `json:"peerId"`
	Enabled  bool   `json:"enabled"`
	ByPeerId string `json:"byPeerId,omitempty"`
}

type ForceAudioState struct {
	Enabled  bool   `json:"enabled"`
	ByPeerId string `json:"byPeerId"`
}

// errorEventFor maps a client event to the error event of its domain.
func errorEventFor(event string) string {
	switch {
	case strings.HasPrefix(event, "room:"):
		return EventRoomError
	case strings.HasPrefix(event, "code:"):
		return EventCodeError
	case strings.HasPrefix(event, "whiteboard:"), strings.HasPrefix(event, "canvas-"):
		return EventWhiteboardError
	case strings.HasPrefix(event, "chat:"), event == EventChatJoin:
		return EventChatError
	case strings.HasPrefix(event, "meet:"):
		return EventMeetError
	default:
		return EventError
	}
}

func NewError(event, code, message string) *ServerMessage {
	return &ServerMessage{
		Event: errorEventFor(event),
		Data:  ErrorPayload{Message: message, Code: code},
	}
}

func roomError(event string, err *errs.RoomError, message string) *ServerMessage {
	return NewError(event, err.Code, message)
}

func ErrInvalidRoom(event, roomId string) *ServerMessage {
	return roomError(event, errs.NewInvalidRoom(roomId), "invalid room")
}

func ErrNotJoined(event, roomId string) *ServerMessage {
	return roomError(event, errs.NewRoomNotFound(roomId), "join the room first")
}

func ErrInvalidPayload(event string, err error) *ServerMessage {
	msg := "invalid message format"
	var ve *errs.ValidationError
	if errors.As(err, &ve) {
		msg = ve.Error()
	}

	return NewError(event, "VALIDATION", msg)
}

func ErrUnknownEvent(event string) *ServerMessage {
	return NewError(event, "VALIDATION", "unknown event")
}

func ErrServiceUnavailable(event string) *ServerMessage {
	return NewError(event, "UNAVAILABLE", "service unavailable")
}

func ErrInternalError(event string) *ServerMessage {
	return NewError(event, "INTERNAL", "internal server error")
}

func ErrSessionExpired() *ServerMessage {
	return &ServerMessage{
		Event: EventAuthError,
		Data:  ErrorPayload{Message: "session expired"},
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
