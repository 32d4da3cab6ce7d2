package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"streamgate/proxy"
)

type eventMessage struct {
	Type string             `json:"type"`
	Data proxy.RequestEvent `json:"data"`
}

type hubClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub fans playback request events out to websocket subscribers. It
// implements proxy.Sink; events are dropped rather than ever blocking the
// connection handlers that publish them.
type Hub struct {
	clients    map[*hubClient]bool
	broadcast  chan []byte
	register   chan *hubClient
	unregister chan *hubClient
	done       chan struct{}
	subs       atomic.Int64
	logger     *slog.Logger
}

// NewHub creates a Hub. Call Run on its own goroutine before serving clients.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*hubClient]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		done:       make(chan struct{}),
		logger:     logger.With("component", "event_hub"),
	}
}

// Run owns the client set until Close.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			for client := range h.clients {
				_ = client.conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(2*time.Second),
				)
				close(client.send)
				delete(h.clients, client)
			}
			h.subs.Store(0)
			h.logger.Debug("event hub stopped, all subscribers disconnected")
			return
		case client := <-h.register:
			h.clients[client] = true
			h.subs.Store(int64(len(h.clients)))
			h.logger.Debug("event subscriber connected", "total", len(h.clients))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.subs.Store(int64(len(h.clients)))
				h.logger.Debug("event subscriber disconnected", "total", len(h.clients))
			}
		case msg := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
					// Slow subscriber; cut it loose.
					close(client.send)
					delete(h.clients, client)
					h.subs.Store(int64(len(h.clients)))
				}
			}
		}
	}
}

// Close signals the hub to stop and disconnect all subscribers.
func (h *Hub) Close() {
	close(h.done)
}

// Publish implements proxy.Sink. Events are skipped outright when nobody is
// subscribed, and dropped when the broadcast buffer is full.
func (h *Hub) Publish(ev proxy.RequestEvent) {
	if h.subs.Load() == 0 {
		return
	}
	payload, err := json.Marshal(eventMessage{Type: "request", Data: ev})
	if err != nil {
		h.logger.Error("event marshal failed", "err", err)
		return
	}
	select {
	case h.broadcast <- payload:
	default:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The admin listener is loopback-bound by default; origin checks add
	// nothing on top of that.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve upgrades an admin request to a websocket event subscription.
func (h *Hub) Serve(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the failure response.
		return nil
	}

	client := &hubClient{hub: h, conn: conn, send: make(chan []byte, 16)}
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return nil
	}

	go client.writePump()
	go client.readPump()
	return nil
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *hubClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
