package http

import (
	"net/http"
	"sync"
	"time"

	"voicebox/internal/core/domain"
	"voicebox/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const clientBuffer = 64

var upgrader = websocket.Upgrader{
	// the API binds to loopback by default and is token-guarded otherwise
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// EventHub fans node events out to websocket subscribers. A subscriber
// that falls behind loses events rather than stalling the node.
type EventHub struct {
	mu      sync.RWMutex
	clients map[*eventClient]struct{}
	closed  bool

	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration

	logger *zap.SugaredLogger
}

var _ ports.EventPublisher = (*EventHub)(nil)

type eventClient struct {
	conn *websocket.Conn
	send chan domain.Event
	done chan struct{}
	once sync.Once
}

func (c *eventClient) stop() {
	c.once.Do(func() { close(c.done) })
}

func NewEventHub(logger *zap.SugaredLogger) *EventHub {
	return &EventHub{
		clients:      make(map[*eventClient]struct{}),
		pingInterval: 30 * time.Second,
		pongTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		logger:       logger,
	}
}

// SetPingInterval sets the keepalive interval; the pong deadline is twice it.
func (h *EventHub) SetPingInterval(interval time.Duration) {
	h.pingInterval = interval
	h.pongTimeout = 2 * interval
}

func (h *EventHub) Publish(event domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- event:
		default:
			h.logger.Warnw("Dropping event for slow subscriber", "type", event.Type, "remote", client.conn.RemoteAddr().String())
		}
	}
}

func (h *EventHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and streams events until the
// subscriber goes away or the hub is closed.
func (h *EventHub) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnw("Websocket upgrade failed", "error", err)
		return
	}

	client := &eventClient{
		conn: conn,
		send: make(chan domain.Event, clientBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	h.logger.Infow("Event subscriber connected", "remote", conn.RemoteAddr().String())

	go h.readLoop(client)
	h.writeLoop(client)

	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	conn.Close()

	h.logger.Infow("Event subscriber disconnected", "remote", conn.RemoteAddr().String())
}

// readLoop only services pongs and notices the close.
func (h *EventHub) readLoop(client *eventClient) {
	defer client.stop()

	client.conn.SetReadDeadline(time.Now().Add(h.pongTimeout))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(h.pongTimeout))
	})
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Infow("Event subscriber read failed", "error", err)
			}
			return
		}
	}
}

func (h *EventHub) writeLoop(client *eventClient) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := client.conn.WriteJSON(event); err != nil {
				h.logger.Infow("Event write failed", "error", err)
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-client.done:
			client.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.writeTimeout))
			return
		}
	}
}

// Close disconnects every subscriber and refuses new ones.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for client := range h.clients {
		client.stop()
	}
}
