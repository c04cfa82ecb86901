package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"proctor/internal/alert"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The status API is served on the exam host only
		return true
	},
}

// Handler handles WebSocket connections for live alerts
type Handler struct {
	hub      *AlertHub
	snapshot func() alert.State
}

// NewHandler creates a WebSocket handler. snapshot, if set, supplies the
// vector sent to each client on connect.
func NewHandler(hub *AlertHub, snapshot func() alert.State) *Handler {
	return &Handler{hub: hub, snapshot: snapshot}
}

// ServeHTTP upgrades the request. ?outcomes=1 also subscribes to per-frame outcomes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade error: %v", err)
		return
	}

	log.Printf("[WS] New connection from %s", r.RemoteAddr)

	c := h.hub.register(r.URL.Query().Get("outcomes") == "1")
	if h.snapshot != nil {
		if data, err := json.Marshal(NewAlertMessage(h.snapshot())); err == nil {
			h.hub.sendTo(c, data)
		}
	}

	go h.writePump(c, conn)
	go h.readPump(c, conn)
}

// writePump drains the client's queue and keeps the connection alive
func (h *Handler) writePump(c *client, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("[WS] Error sending to client: %v", err)
				h.hub.unregister(c)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.hub.unregister(c)
				return
			}
		}
	}
}

// readPump detects client disconnection
func (h *Handler) readPump(c *client, conn *websocket.Conn) {
	defer h.hub.unregister(c)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] Read error: %v", err)
			}
			return
		}
	}
}
