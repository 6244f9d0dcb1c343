package ws

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/justishika/codeproctor/internal/domain/session"
	"github.com/justishika/codeproctor/internal/infrastructure/logging"
	"github.com/justishika/codeproctor/internal/infrastructure/monitoring"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // same-origin enforcement happens at the proxy
	},
}

// Hub fans session events out to connected clients. It implements
// session.Listener so the enforcer can push warnings and expiries.
type Hub struct {
	mu      sync.Mutex
	conns   map[*websocket.Conn]struct{}
	logger  *logging.Logger
	metrics *monitoring.Metrics
}

// NewHub creates an empty hub.
func NewHub(logger *logging.Logger, metrics *monitoring.Metrics) *Hub {
	return &Hub{
		conns:   make(map[*websocket.Conn]struct{}),
		logger:  logger,
		metrics: metrics,
	}
}

// HandleConnection upgrades the request and parks the connection until the
// client goes away. Events are write-only; inbound frames are drained and
// discarded.
func (h *Hub) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	count := len(h.conns)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.WSConnections.Set(float64(count))
	}

	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		count := len(h.conns)
		h.mu.Unlock()
		if h.metrics != nil {
			h.metrics.WSConnections.Set(float64(count))
		}
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// SessionEvent broadcasts one event to every subscriber. Dead connections
// are dropped on write failure.
func (h *Hub) SessionEvent(evt session.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.conns {
		if err := conn.WriteJSON(evt); err != nil {
			h.logger.Debug("dropping websocket subscriber", zap.Error(err))
			conn.Close()
			delete(h.conns, conn)
		}
	}
}

// Close terminates every connection, used at shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		conn.Close()
		delete(h.conns, conn)
	}
}
