package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"localagent/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

// The API binds to loopback by default; any local origin may subscribe.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub 将事件总线上的通知推送给所有 WebSocket 客户端。
// Hub forwards bus events to every connected WebSocket client.
type Hub struct {
	bus *events.Bus
	log *zap.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]map[events.Kind]bool
}

func NewHub(bus *events.Bus, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{bus: bus, log: log, clients: make(map[*websocket.Conn]map[events.Kind]bool)}
}

// Run pumps events until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	ch, cancel := h.bus.Subscribe(256)
	defer cancel()
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case ev, ok := <-ch:
			if !ok {
				h.closeAll()
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				h.log.Warn("encode event", zap.String("kind", string(ev.Kind)), zap.Error(err))
				continue
			}
			h.writeToClients(ev.Kind, payload)
		case <-pingTicker.C:
			h.writePingToClients()
		}
	}
}

func (h *Hub) writeToClients(kind events.Kind, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, kinds := range h.clients {
		if len(kinds) > 0 && !kinds[kind] {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.log.Debug("websocket write", zap.Error(err))
			_ = conn.Close()
			delete(h.clients, conn)
		}
	}
}

func (h *Hub) writePingToClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			h.log.Debug("websocket ping", zap.Error(err))
			_ = conn.Close()
			delete(h.clients, conn)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		delete(h.clients, conn)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) register(conn *websocket.Conn, kinds map[events.Kind]bool) {
	h.mu.Lock()
	h.clients[conn] = kinds
	h.mu.Unlock()
	h.log.Debug("websocket client connected", zap.Int("kinds", len(kinds)))
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		_ = conn.Close()
	}
	h.mu.Unlock()
	h.log.Debug("websocket client disconnected")
}

// parseKinds reads the optional ?kinds=metrics,sync filter. Empty means all.
func parseKinds(raw string) map[events.Kind]bool {
	kinds := make(map[events.Kind]bool)
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds[events.Kind(k)] = true
		}
	}
	return kinds
}

// HandleWebSocket upgrades the request and holds the connection open until
// the client goes away. Clients only receive; inbound frames are discarded.
func (h *Hub) HandleWebSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.log.Warn("websocket upgrade", zap.Error(err))
			return
		}

		conn.SetReadLimit(1024)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		h.register(conn, parseKinds(c.Query("kinds")))
		defer h.unregister(conn)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
					h.log.Debug("websocket read", zap.Error(err))
				}
				return
			}
		}
	}
}
