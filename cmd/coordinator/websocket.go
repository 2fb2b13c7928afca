// WebSocket hub carrying the action envelope between UI surfaces and the
// coordinator, plus change-event broadcasts.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devils-eye/screenshot-ocr/internal/logging"
	"github.com/devils-eye/screenshot-ocr/internal/uuid"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Only allow connections from localhost
		host := r.Host
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		return host == "localhost" || host == "127.0.0.1"
	},
}

// Broadcast event names.
const (
	EventRecordsChanged  = "records.changed"
	EventSettingsChanged = "settings.changed"
	EventStartCapture    = "startCapture"
)

// Dispatcher handles one action envelope and always produces a reply.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg []byte) []byte
}

// WSClient represents one WebSocket client connection.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub
}

// WSHub maintains active client connections, routes action envelopes to the
// dispatcher, and broadcasts change events.
type WSHub struct {
	log        *logging.Logger
	dispatcher Dispatcher

	clients    map[string]*WSClient
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.RWMutex
}

// WSEvent wraps a broadcast message. Replies to client requests carry a
// requestId instead and never an event field.
type WSEvent struct {
	Event     string                 `json:"event"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// NewWSHub creates a hub and starts its run loop. The dispatcher is attached
// later via SetDispatcher because the coordinator needs the hub as its
// capture injector.
func NewWSHub(log *logging.Logger) *WSHub {
	hub := &WSHub{
		log:        log,
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
	go hub.run()
	return hub
}

// SetDispatcher attaches the action handler. Must be called before clients
// connect.
func (h *WSHub) SetDispatcher(d Dispatcher) {
	h.dispatcher = d
}

func (h *WSHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("ws client connected", map[string]interface{}{
				"client": client.id,
				"total":  total,
			})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("ws client disconnected", map[string]interface{}{
				"client": client.id,
				"total":  total,
			})

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client send buffer is full, close connection
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends an event to every connected client.
func (h *WSHub) Broadcast(event string, data map[string]interface{}) {
	payload, err := json.Marshal(WSEvent{
		Event:     event,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		h.log.Error("failed to encode broadcast", err)
		return
	}
	h.broadcast <- payload
}

// BroadcastRecordsChanged notifies clients the record collection changed.
func (h *WSHub) BroadcastRecordsChanged() {
	h.Broadcast(EventRecordsChanged, nil)
}

// BroadcastSettingsChanged notifies clients a setting changed.
func (h *WSHub) BroadcastSettingsChanged(key string) {
	h.Broadcast(EventSettingsChanged, map[string]interface{}{"key": key})
}

// StartCapture signals page clients to begin a capture session. It satisfies
// the coordinator's injector collaborator.
func (h *WSHub) StartCapture(ctx context.Context) error {
	h.Broadcast(EventStartCapture, nil)
	return nil
}

// readPump pumps action envelopes from the connection to the dispatcher.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("ws read error", map[string]interface{}{"error": err.Error()})
			}
			break
		}

		var env struct {
			RequestID string `json:"requestId"`
			Action    string `json:"action"`
		}
		if err := json.Unmarshal(message, &env); err != nil {
			c.hub.log.Debug("ws message is not an envelope", map[string]interface{}{"error": err.Error()})
			continue
		}
		if env.Action == "" {
			continue
		}

		// Actions may block on remote calls; dispatch off the read loop so
		// one slow action does not stall the connection.
		go func(requestID string, msg []byte) {
			reply := c.hub.dispatcher.Dispatch(context.Background(), msg)
			c.reply(requestID, reply)
		}(env.RequestID, message)
	}
}

// reply correlates a dispatcher reply with its request. Object replies carry
// the requestId inline; bare values (a data URL, null) are wrapped under
// "data".
func (c *WSClient) reply(requestID string, reply []byte) {
	var fields map[string]interface{}
	if err := json.Unmarshal(reply, &fields); err != nil || fields == nil {
		fields = map[string]interface{}{"data": json.RawMessage(reply)}
	}
	fields["requestId"] = requestID

	payload, err := json.Marshal(fields)
	if err != nil {
		c.hub.log.Error("failed to encode ws reply", err)
		return
	}

	defer func() {
		// The send channel closes when the client unregisters; a reply
		// racing that close is dropped.
		recover()
	}()
	select {
	case c.send <- payload:
	default:
		c.hub.log.Warn("ws reply dropped, client buffer full", map[string]interface{}{"client": c.id})
	}
}

// writePump pumps messages to the connection and keeps it alive with pings.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleWebSocket upgrades connections and starts the client pumps.
func HandleWebSocket(hub *WSHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warn("ws upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		client := &WSClient{
			id:   uuid.New(),
			conn: conn,
			send: make(chan []byte, 256),
			hub:  hub,
		}
		hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}
