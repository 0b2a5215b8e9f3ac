package mockserver

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xkilldash9x/forensync/internal/realtime"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 8192
	// Send buffer size
	sendChannelSize = 256
)

// ErrHubStopped is returned by Publish when Run is not running.
var ErrHubStopped = errors.New("mockserver: hub stopped")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The stub serves local development tools; every origin is accepted.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// InitialDataFunc produces the initial_data body for a newly connected channel key.
type InitialDataFunc func(key string) any

// client is a middleman between the websocket connection and the hub.
type client struct {
	id   string
	key  string
	hub  *Hub
	conn *websocket.Conn
	// Buffered channel of outbound frames. Each entry is written as its own frame.
	send chan []byte
}

type message struct {
	key  string
	data []byte
}

// Hub fans envelopes out to the clients connected on each channel key.
type Hub struct {
	log     *zap.Logger
	initial InitialDataFunc
	now     func() time.Time

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}

	register   chan *client
	unregister chan *client
	broadcast  chan message
	started    chan struct{}
	startOnce  sync.Once
	done       chan struct{}
}

// NewHub creates a hub. Run must be called before clients can connect.
func NewHub(logger *zap.Logger, initial InitialDataFunc) *Hub {
	return &Hub{
		log:        logger.Named("hub"),
		initial:    initial,
		now:        time.Now,
		clients:    make(map[string]map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan message),
		started:    make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run processes registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.startOnce.Do(func() { close(h.started) })
	h.log.Info("WebSocket hub started.")
	defer h.log.Info("WebSocket hub stopped.")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for key, set := range h.clients {
				for c := range set {
					close(c.send)
				}
				delete(h.clients, key)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			set, ok := h.clients[c.key]
			if !ok {
				set = make(map[*client]struct{})
				h.clients[c.key] = set
			}
			set[c] = struct{}{}
			h.mu.Unlock()
			h.log.Info("New WebSocket client connected.", zap.String("client_id", c.id), zap.String("key", c.key))
			// Queued before any broadcast this loop handles, so initial_data is always first.
			if frame, err := h.envelope(realtime.TypeInitialData, h.initialData(c.key)); err == nil {
				c.send <- frame
			} else {
				h.log.Error("Failed to encode initial data", zap.Error(err))
			}
		case c := <-h.unregister:
			h.drop(c, "WebSocket client disconnected.")
		case msg := <-h.broadcast:
			h.mu.RLock()
			var slow []*client
			for c := range h.clients[msg.key] {
				select {
				case c.send <- msg.data:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range slow {
				h.drop(c, "Dropping slow WebSocket client.")
			}
		}
	}
}

func (h *Hub) drop(c *client, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.key]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.key)
	}
	close(c.send)
	h.log.Info(reason, zap.String("client_id", c.id), zap.String("key", c.key))
}

func (h *Hub) initialData(key string) any {
	if h.initial == nil {
		return map[string]any{}
	}
	return h.initial(key)
}

func (h *Hub) envelope(envType string, body any) ([]byte, error) {
	data, err := jsonAPI.Marshal(body)
	if err != nil {
		return nil, err
	}
	return jsonAPI.Marshal(realtime.Envelope{
		Type:      envType,
		Data:      data,
		Timestamp: h.now().UTC().Format(time.RFC3339Nano),
	})
}

// Publish sends a typed envelope carrying body to every client on key.
func (h *Hub) Publish(key, envType string, body any) error {
	frame, err := h.envelope(envType, body)
	if err != nil {
		return err
	}
	return h.PublishRaw(key, frame)
}

// PublishRaw sends frame unchanged to every client on key. It is used to
// exercise client handling of arbitrary frames.
func (h *Hub) PublishRaw(key string, frame []byte) error {
	select {
	case <-h.started:
	default:
		return ErrHubStopped
	}
	select {
	case h.broadcast <- message{key: key, data: frame}:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// Clients reports how many clients are registered on key.
func (h *Hub) Clients(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[key])
}

// serve upgrades the request and attaches the connection to key.
func (h *Hub) serve(w http.ResponseWriter, r *http.Request, key string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}
	c := &client{
		id:   uuid.New().String(),
		key:  key,
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendChannelSize),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump drains the connection so control frames are processed. Client
// messages carry no meaning for the stub and are discarded.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("Websocket client read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
	}
}

// writePump pumps frames from the hub to the websocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
