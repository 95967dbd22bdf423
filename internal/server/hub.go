package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/tether/internal/ipc/core"
	"github.com/GriffinCanCode/tether/internal/ipc/wire"
	"github.com/GriffinCanCode/tether/internal/logging"
	"github.com/GriffinCanCode/tether/internal/monitoring"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventMessage is one engine lifecycle event tagged with its instance.
type EventMessage struct {
	Instance string     `json:"instance"`
	Event    core.Event `json:"event"`
}

// hub fans engine events out to WebSocket subscribers. Slow subscribers
// drop events rather than stall the engine.
type hub struct {
	log     *logging.Logger
	metrics *monitoring.Metrics

	mu      sync.Mutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newHub(log *logging.Logger, metrics *monitoring.Metrics) *hub {
	return &hub{
		log:     log,
		metrics: metrics,
		clients: make(map[*hubClient]struct{}),
	}
}

// Broadcast serializes one event and queues it for every subscriber.
func (h *hub) Broadcast(msg EventMessage) {
	data, err := wire.Marshal(msg)
	if err != nil {
		h.log.Warn("event marshal failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	for cl := range h.clients {
		select {
		case cl.send <- data:
		default: // subscriber too slow; drop
		}
	}
	h.mu.Unlock()
}

// Handle upgrades the request and streams events until the peer goes away.
func (h *hub) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	cl := &hubClient{conn: conn, send: make(chan []byte, 64)}
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.WSConnections.Inc()
	}

	go h.writeLoop(cl)
	h.readLoop(cl)
}

func (h *hub) writeLoop(cl *hubClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-cl.send:
			if !ok {
				return
			}
			cl.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards inbound frames; it exists to notice disconnects.
func (h *hub) readLoop(cl *hubClient) {
	defer h.drop(cl)
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *hub) drop(cl *hubClient) {
	h.mu.Lock()
	_, ok := h.clients[cl]
	if ok {
		delete(h.clients, cl)
		close(cl.send)
	}
	h.mu.Unlock()
	if !ok {
		// Already dropped by a racing close; the gauge was decremented then.
		return
	}
	cl.conn.Close()
	if h.metrics != nil {
		h.metrics.WSConnections.Dec()
	}
}

// close disconnects every subscriber.
func (h *hub) close() {
	h.mu.Lock()
	clients := make([]*hubClient, 0, len(h.clients))
	for cl := range h.clients {
		clients = append(clients, cl)
	}
	h.mu.Unlock()
	for _, cl := range clients {
		h.drop(cl)
	}
}
