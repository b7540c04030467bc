package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"heirloom/api/internal/archive"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ChangesFunc loads everything user may see in protocolKey past since.
type ChangesFunc func(ctx context.Context, protocolKey, user string, since int64) (archive.Changes, error)

type clientMessage struct {
	Action string `json:"action"`
	Since  int64  `json:"since"`
}

type serverMessage struct {
	Type    string           `json:"type"`
	ID      string           `json:"id,omitempty"`
	Changes *archive.Changes `json:"changes,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// Handler serves the subscription WebSocket.
type Handler struct {
	hub      *Hub
	changes  ChangesFunc
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewHandler(hub *Hub, changes ChangesFunc, allowedOrigin string, logger *zap.Logger) *Handler {
	return &Handler{
		hub:     hub,
		changes: changes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowedOrigin == "*" || origin == "" || origin == allowedOrigin
			},
		},
		logger: logger.Named("realtime.ws"),
	}
}

// Serve upgrades an already authenticated request and streams events for
// protocolKey until the client goes away or falls behind.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, protocolKey, user string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	sub := h.hub.Subscribe(protocolKey, user)
	log := h.logger.With(zap.String("subscriber", sub.ID), zap.String("protocol_key", protocolKey), zap.String("user", user))
	log.Info("subscriber connected")

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(serverMessage{Type: "subscribed", ID: sub.ID}); err != nil {
		h.hub.Unsubscribe(sub)
		_ = conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	replies := make(chan serverMessage, 4)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		h.readLoop(ctx, conn, sub, replies, log)
	}()

	h.writeLoop(ctx, conn, sub, replies, log)

	cancel()
	h.hub.Unsubscribe(sub)
	_ = conn.Close()
	wg.Wait()
	log.Info("subscriber disconnected")
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, sub *Subscriber, replies chan<- serverMessage, log *zap.Logger) {
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("subscriber read failed", zap.Error(err))
			}
			return
		}

		var reply serverMessage
		switch msg.Action {
		case "resync":
			changes, err := h.changes(ctx, sub.ProtocolKey, sub.User, msg.Since)
			if err != nil {
				log.Error("resync failed", zap.Int64("since", msg.Since), zap.Error(err))
				reply = serverMessage{Type: "error", Error: "resync failed"}
			} else {
				reply = serverMessage{Type: "resync", Changes: &changes}
			}
		case "ping":
			reply = serverMessage{Type: "pong"}
		default:
			reply = serverMessage{Type: "error", Error: "unknown action"}
		}

		select {
		case replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, sub *Subscriber, replies <-chan serverMessage, log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber fell behind"),
				time.Now().Add(writeWait))
			return
		case payload := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err = conn.WriteMessage(websocket.TextMessage, payload)
		case reply := <-replies:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err = conn.WriteJSON(reply)
		case <-ticker.C:
			err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		}
		if err != nil {
			log.Debug("subscriber write failed", zap.Error(err))
			return
		}
	}
}
