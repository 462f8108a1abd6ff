package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/npezzotti/go-collab/internal/errs"
	"github.com/npezzotti/go-collab/internal/types"
	"github.com/tidwall/buntdb"
)

// Key layout:
//
//	room:<roomId>                      -> storedRoom
//	msg:<roomId>:<unixnano>:<msgId>    -> storedMessage
//	msgid:<msgId>                      -> primary msg key
const (
	roomKeyPrefix  = "room:"
	msgKeyPrefix   = "msg:"
	msgIdKeyPrefix = "msgid:"
)

type storedMessage struct {
	Id        string    `json:"id"`
	RoomId    string    `json:"room_id"`
	UserId    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"ts"`
	Deleted   bool      `json:"deleted"`
}

func (m storedMessage) toChat() types.ChatMessage {
	return types.ChatMessage{
		Id:        m.Id,
		RoomId:    m.RoomId,
		UserId:    m.UserId,
		UserName:  m.UserName,
		Text:      m.Text,
		Timestamp: m.Timestamp.UTC(),
		IsDeleted: m.Deleted,
	}
}

// BuntStore is an embedded store for single node deployments and
// development. Use ":memory:" for a non persistent database.
type BuntStore struct {
	db *buntdb.DB
}

func NewBuntStore(path string) (*BuntStore, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open buntdb: %w", err)
	}

	return &BuntStore{db: db}, nil
}

func (s *BuntStore) Close() error {
	return s.db.Close()
}

func (s *BuntStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *buntdb.Tx) error { return nil })
}

func msgRoomPrefix(roomId string) string {
	return msgKeyPrefix + roomId + ":"
}

func msgKey(m types.ChatMessage) string {
	return fmt.Sprintf("%s%020d:%s", msgRoomPrefix(m.RoomId), m.Timestamp.UnixNano(), m.Id)
}

func (s *BuntStore) CreateMessage(ctx context.Context, msg types.ChatMessage) error {
	val, err := json.Marshal(storedMessage{
		Id:        msg.Id,
		RoomId:    msg.RoomId,
		UserId:    msg.UserId,
		UserName:  msg.UserName,
		Text:      msg.Text,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(msgIdKeyPrefix + msg.Id); err == nil {
			return fmt.Errorf("message %q already exists", msg.Id)
		}

		key := msgKey(msg)
		if _, _, err := tx.Set(key, string(val), nil); err != nil {
			return err
		}
		_, _, err := tx.Set(msgIdKeyPrefix+msg.Id, key, nil)
		return err
	})
}

// descend walks a room's messages newest first from pivot, skipping
// deleted ones, until limit messages are collected.
func (s *BuntStore) descend(roomId, pivot string, limit int) ([]types.ChatMessage, error) {
	prefix := msgRoomPrefix(roomId)
	var (
		msgs    []types.ChatMessage
		iterErr error
	)

	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.DescendLessOrEqual("", pivot, func(key, value string) bool {
			if !strings.HasPrefix(key, prefix) {
				return false
			}

			var m storedMessage
			if err := json.Unmarshal([]byte(value), &m); err != nil {
				iterErr = fmt.Errorf("decode %q: %w", key, err)
				return false
			}
			if m.Deleted || m.RoomId != roomId {
				return true
			}

			msgs = append(msgs, m.toChat())
			return len(msgs) < limit
		})
	})
	if err != nil {
		return nil, err
	}
	if iterErr != nil {
		return nil, iterErr
	}

	reverse(msgs)
	return msgs, nil
}

func (s *BuntStore) RecentMessages(ctx context.Context, roomId string, limit int) ([]types.ChatMessage, error) {
	if limit <= 0 {
		return nil, nil
	}

	// '~' sorts after every digit
	return s.descend(roomId, msgRoomPrefix(roomId)+"~", limit)
}

func (s *BuntStore) MessagesBefore(ctx context.Context, roomId string, before time.Time, limit int) ([]types.ChatMessage, error) {
	if limit <= 0 {
		return nil, nil
	}

	// keys stamped exactly at before sort after this pivot
	pivot := fmt.Sprintf("%s%020d:", msgRoomPrefix(roomId), before.UnixNano())
	return s.descend(roomId, pivot, limit)
}

func (s *BuntStore) DeleteMessage(ctx context.Context, roomId, messageId string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		key, err := tx.Get(msgIdKeyPrefix + messageId)
		if err != nil {
			if errors.Is(err, buntdb.ErrNotFound) {
				return errs.ErrNotFound
			}
			return err
		}

		val, err := tx.Get(key)
		if err != nil {
			if errors.Is(err, buntdb.ErrNotFound) {
				return errs.ErrNotFound
			}
			return err
		}

		var m storedMessage
		if err := json.Unmarshal([]byte(val), &m); err != nil {
			return err
		}
		if m.RoomId != roomId || m.Deleted {
			return errs.ErrNotFound
		}

		m.Deleted = true
		b, err := json.Marshal(m)
		if err != nil {
			return err
		}

		_, _, err = tx.Set(key, string(b), nil)
		return err
	})
}

func (s *BuntStore) RoomExists(ctx context.Context, roomId string) (bool, error) {
	err := s.db.View(func(tx *buntdb.Tx) error {
		_, err := tx.Get(roomKeyPrefix + roomId)
		return err
	})
	if err != nil {
		if errors.Is(err, buntdb.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

func (s *BuntStore) CreateRoom(ctx context.Context, room types.Room) error {
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}

	b, err := json.Marshal(room)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(roomKeyPrefix+room.Id, string(b), nil)
		return err
	})
}
