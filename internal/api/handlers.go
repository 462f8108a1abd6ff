package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-collab/internal/server"
	"go.uber.org/zap"
)

const healthTimeout = 2 * time.Second

func (s *App) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("json encode", zap.Error(err))
	}
}

func (s *App) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := s.srv.Ping(ctx); err != nil {
		s.log.Warn("health check failed", zap.Error(err))
		errResp := NewServiceUnavailableError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *App) serveWs(w http.ResponseWriter, r *http.Request) {
	cred, ok := Credential(r.Context())
	if !ok {
		errResp := NewUnauthorizedError(nil)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("error upgrading connection", zap.Error(err))
		return
	}

	client := server.NewClient(cred, conn, s.srv, s.log)
	s.log.Info("client connected",
		zap.String("conn", client.Id()),
		zap.String("room", cred.RoomId),
		zap.String("user", cred.UserId),
	)

	s.srv.RegisterClient(client)
	go client.Write()
	go client.Read()
}
