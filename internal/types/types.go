package types

import (
	"time"
)

type Role string

const (
	RoleCreator Role = "creator"
	RoleMember  Role = "member"
)

func (r Role) Valid() bool {
	return r == RoleCreator || r == RoleMember
}

// Member is one connection's presence in a room.
type Member struct {
	Id              string `json:"id"`
	UserId          string `json:"userId"`
	Name            string `json:"name"`
	Role            Role   `json:"role"`
	IsCreator       bool   `json:"isCreator"`
	IsOnline        bool   `json:"isOnline"`
	IsAudioEnabled  bool   `json:"isAudioEnabled"`
	IsVideoEnabled  bool   `json:"isVideoEnabled"`
	IsScreenSharing bool   `json:"isScreenSharing"`
}

// Peer is a connection participating in a room's call.
type Peer struct {
	SocketId        string `json:"socketId"`
	UserId          string `json:"userId"`
	Name            string `json:"name"`
	IsAudioEnabled  bool   `json:"isAudioEnabled"`
	IsVideoEnabled  bool   `json:"isVideoEnabled"`
	IsScreenSharing bool   `json:"isScreenSharing"`
}

type ChatMessage struct {
	Id        string    `json:"id"`
	RoomId    string    `json:"roomId"`
	UserId    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	IsDeleted bool      `json:"-"`
	ClientId  string    `json:"clientId,omitempty"`
}

// Before reports whether m sorts before o in transcript order.
func (m ChatMessage) Before(o ChatMessage) bool {
	if m.Timestamp.Equal(o.Timestamp) {
		return m.Id < o.Id
	}

	return m.Timestamp.Before(o.Timestamp)
}

type Room struct {
	Id        string    `json:"id"`
	Name      string    `json:"name"`
	CreatorId string    `json:"creatorId"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}
