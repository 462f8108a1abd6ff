package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/npezzotti/go-collab/internal/config"
	"github.com/npezzotti/go-collab/internal/database"
	"github.com/npezzotti/go-collab/internal/stats"
	"go.uber.org/zap"
)

// Options tunes the per-room engines.
type Options struct {
	HistorySize       int
	CacheSize         int
	PageSize          int
	CacheGrace        time.Duration
	StoreTimeout      time.Duration
	RestrictForceMute bool
}

func DefaultOptions() Options {
	return Options{
		HistorySize:  50,
		CacheSize:    100,
		PageSize:     20,
		CacheGrace:   30 * time.Minute,
		StoreTimeout: 5 * time.Second,
	}
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		HistorySize:       cfg.Chat.HistorySize,
		CacheSize:         cfg.Chat.CacheSize,
		PageSize:          cfg.Chat.PageSize,
		CacheGrace:        cfg.Chat.CacheGrace,
		StoreTimeout:      cfg.Chat.StoreTimeout,
		RestrictForceMute: cfg.Call.RestrictForceMute,
	}
}

type joinRequest struct {
	msg    *ClientMessage
	result chan *Room
}

type unloadRoomRequest struct {
	roomId string
	room   *Room
}

type stopReq struct {
	done chan struct{}
}

// Server is the room registry. Its run loop owns the room map; each room
// owns its own state on its own goroutine.
type Server struct {
	log            *zap.Logger
	store          database.ChatStore
	directory      database.RoomDirectory
	stats          stats.StatsProvider
	opts           Options
	clients        map[*Client]struct{}
	clientsLock    sync.Mutex
	rooms          map[string]*Room
	joinChan       chan *joinRequest
	unloadRoomChan chan unloadRoomRequest
	stop           chan stopReq
	done           chan struct{}
}

func NewServer(logger *zap.Logger, store database.ChatStore, directory database.RoomDirectory, su stats.StatsProvider, opts Options) (*Server, error) {
	if store == nil || directory == nil {
		return nil, fmt.Errorf("store and room directory are required")
	}

	for _, m := range stats.Metrics {
		su.RegisterMetric(m)
	}

	return &Server{
		log:            logger,
		store:          store,
		directory:      directory,
		stats:          su,
		opts:           opts,
		clients:        make(map[*Client]struct{}),
		rooms:          make(map[string]*Room),
		joinChan:       make(chan *joinRequest, 256),
		unloadRoomChan: make(chan unloadRoomRequest, 256),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
	}, nil
}

func (s *Server) Run() {
	defer close(s.done)

	for {
		select {
		case req := <-s.joinChan:
			s.handleJoin(req)
		case req := <-s.unloadRoomChan:
			s.handleUnloadRoom(req)
		case req := <-s.stop:
			s.log.Info("shutting down rooms", zap.Int("rooms", len(s.rooms)))
			for id, r := range s.rooms {
				done := make(chan bool, 1)
				r.exit <- exitReq{force: true, done: done}
				<-done
				s.unloadRoom(id)
			}

			close(req.done)
			return
		}
	}
}

// handleJoin routes a join to its room, loading the room if needed. The
// client is bound to the room before the join is queued so its later
// events land on the same room channel in order.
func (s *Server) handleJoin(req *joinRequest) {
	c := req.msg.client
	roomId := c.cred.RoomId

	r, ok := s.rooms[roomId]
	if !ok {
		r = newRoom(roomId, s)
		s.rooms[roomId] = r
		s.stats.Incr(stats.ActiveRooms)
		s.log.Info("loaded room", zap.String("room", roomId))
		go r.start()
	}

	select {
	case r.clientMsgChan <- req.msg:
		c.setRoom(r)
		req.result <- r
	default:
		s.log.Warn("room channel full", zap.String("room", roomId))
		req.result <- nil
	}
}

func (s *Server) handleUnloadRoom(req unloadRoomRequest) {
	r, ok := s.rooms[req.roomId]
	if !ok || r != req.room {
		return
	}

	done := make(chan bool, 1)
	r.exit <- exitReq{done: done}
	if !<-done {
		s.log.Debug("room became active, keeping it loaded", zap.String("room", req.roomId))
		return
	}

	s.unloadRoom(req.roomId)
}

// roomForgetter is implemented by directories that cache lookups.
type roomForgetter interface {
	Forget(roomId string)
}

func (s *Server) unloadRoom(roomId string) {
	if _, ok := s.rooms[roomId]; ok {
		delete(s.rooms, roomId)
		if f, ok := s.directory.(roomForgetter); ok {
			f.Forget(roomId)
		}
		s.stats.Decr(stats.ActiveRooms)
		s.log.Info("unloaded room", zap.String("room", roomId), zap.Int("rooms", len(s.rooms)))
	}
}

func (s *Server) RegisterClient(c *Client) {
	s.clientsLock.Lock()
	defer s.clientsLock.Unlock()

	s.clients[c] = struct{}{}
	s.stats.Incr(stats.ActiveClients)
}

func (s *Server) UnregisterClient(c *Client) {
	s.clientsLock.Lock()
	defer s.clientsLock.Unlock()

	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		s.stats.Decr(stats.ActiveClients)
	}
}

// Ping checks the durable store.
func (s *Server) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("received shutdown signal")

	s.clientsLock.Lock()
	for c := range s.clients {
		c.stopClient()
	}
	s.clientsLock.Unlock()

	req := stopReq{done: make(chan struct{})}
	select {
	case s.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
