package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/fbettag/kasa-web-controller/internal/device"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Message is one frame pushed to websocket clients.
type Message struct {
	Type string      `json:"type"` // hello / state
	Data interface{} `json:"data,omitempty"`
	TS   string      `json:"ts"`
}

func encodeMessage(typ string, data interface{}) []byte {
	b, _ := json.Marshal(Message{
		Type: typ,
		Data: data,
		TS:   time.Now().Format(time.RFC3339),
	})
	return b
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans cached state changes out to every connected websocket client. It
// implements manager.Observer.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
	log     *logrus.Entry
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		log:     logger.WithField("component", "ws"),
	}
}

func (h *Hub) StateChanged(st device.State) {
	h.broadcast(encodeMessage("state", st))
}

// broadcast never blocks; a client whose buffer is full is dropped.
func (h *Hub) broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warn("Dropping slow websocket client")
			h.removeLocked(c)
		}
	}
}

// register queues the hello frame and adds c in one step, so no state change
// can land between the snapshot and the subscription.
func (h *Hub) register(c *wsClient, hello func() interface{}) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	c.send <- encodeMessage("hello", hello())
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *wsClient) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.log.Debugf("Websocket write failed: %v", err)
				h.unregister(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(c)
				return
			}
		}
	}
}

// readPump only services control frames; clients have nothing to say.
func (h *Hub) readPump(c *wsClient) {
	defer h.unregister(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// WebSocketHandler streams a hello with every cached state followed by one
// state frame per change.
func (app *App) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		app.Logger.Warnf("Websocket upgrade failed: %v", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	if !app.Hub.register(c, func() interface{} { return app.Manager.List() }) {
		conn.Close()
		return
	}

	go app.Hub.writePump(c)
	app.Hub.readPump(c)
}
