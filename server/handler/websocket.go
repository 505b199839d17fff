package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"taskchat/server/gateway"
	"taskchat/server/model"
	"taskchat/server/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Access control is the caller's responsibility; accept every origin.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ChatHandler upgrades connections on /ws and feeds their frames to the
// gateway. It tracks live connections so they can be closed on shutdown.
type ChatHandler struct {
	gw     *gateway.Gateway
	logger *slog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewChatHandler(gw *gateway.Gateway, logger *slog.Logger) *ChatHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{
		gw:     gw,
		logger: logger,
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s := h.gw.Connect(r.URL.Query().Get("role"))
	h.track(conn)

	written := make(chan struct{})
	go func() {
		defer close(written)
		h.writeLoop(conn, s)
	}()

	// Disconnect runs however the read loop ends so membership is always
	// cleaned up.
	defer func() {
		h.gw.Disconnect(s)
		<-written
		h.untrack(conn)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, p, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Info("read error", "session", s.ID(), "error", err)
			}
			break
		}

		var ev model.ClientEvent
		if err := json.Unmarshal(p, &ev); err != nil {
			s.Deliver(model.NewError("", model.ErrorCodeProtocol, "invalid JSON format"))
			continue
		}
		h.gw.Dispatch(r.Context(), s, ev)
	}
}

// writeLoop is the only writer on conn. It ends when the session's outbound
// queue is closed or a write fails.
func (h *ChatHandler) writeLoop(conn *websocket.Conn, s *session.Session) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-s.Outbound():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Info("write error", "session", s.ID(), "error", err)
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (h *ChatHandler) track(conn *websocket.Conn) {
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
}

func (h *ChatHandler) untrack(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}

// Close drops every live connection. Their read loops then run the normal
// disconnect path.
func (h *ChatHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		conn.Close()
	}
	h.logger.Info("closed live connections", "count", len(h.conns))
	return nil
}
