package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"pool-capital-engine/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins in development
		// In production, you should check the origin
		return true
	},
}

// WSClient represents a WebSocket client
type WSClient struct {
	id        string // Connection ID, for log correlation
	conn      *websocket.Conn
	send      chan []byte
	hub       *WSHub
	userID    string // User ID for tracking user-specific connections
	closeChan chan struct{}
}

// WSHub manages all WebSocket clients
type WSHub struct {
	clients     map[*WSClient]bool
	userClients map[string][]*WSClient // Maps userID to their active connections
	broadcast   chan []byte
	register    chan *WSClient
	unregister  chan *WSClient
	mu          sync.RWMutex
}

// NewWSHub creates a new WebSocket hub
func NewWSHub() *WSHub {
	return &WSHub{
		clients:     make(map[*WSClient]bool),
		userClients: make(map[string][]*WSClient),
		broadcast:   make(chan []byte, 4096),
		register:    make(chan *WSClient),
		unregister:  make(chan *WSClient),
	}
}

// Run starts the WebSocket hub
func (h *WSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if client.userID != "" {
				h.userClients[client.userID] = append(h.userClients[client.userID], client)
			}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				if client.userID != "" {
					h.removeClientFromUserMap(client)
				}
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client's send channel is full, unregister it
					go func(c *WSClient) {
						h.unregister <- c
					}(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastEvent broadcasts an event to all connected clients
func (h *WSHub) BroadcastEvent(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("Failed to marshal event: %v", err)
		return
	}

	select {
	case h.broadcast <- data:
	default:
		log.Println("Broadcast channel full, dropping message")
	}
}

// SendToUser delivers an event to every connection a user holds. Events for
// users with no open connection are dropped; delivery is best-effort by
// design of the notification sinks.
func (h *WSHub) SendToUser(userID string, event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("Failed to marshal event: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.userClients[userID] {
		select {
		case client.send <- data:
		default:
		}
	}
}

// GetClientCount returns the number of connected clients
func (h *WSHub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// removeClientFromUserMap removes a client from the userClients map
// Caller must hold the write lock (h.mu.Lock())
func (h *WSHub) removeClientFromUserMap(client *WSClient) {
	if clients, ok := h.userClients[client.userID]; ok {
		for i, c := range clients {
			if c == client {
				h.userClients[client.userID] = append(clients[:i], clients[i+1:]...)
				break
			}
		}
		if len(h.userClients[client.userID]) == 0 {
			delete(h.userClients, client.userID)
		}
	}
}

// writePump pumps messages from the hub to the websocket connection
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
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("WebSocket write error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closeChan:
			return
		}
	}
}

// readPump pumps messages from the websocket connection to the hub
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
		close(c.closeChan)
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket read error on %s: %v", c.id, err)
			}
			break
		}
		// We don't expect messages from clients
	}
}

// Global WebSocket hub
var wsHub *WSHub

// InitWebSocket initializes the WebSocket hub, subscribes it to the event
// bus, and wires the engine-side notification sinks.
func InitWebSocket(bus *events.Bus) *WSHub {
	wsHub = NewWSHub()

	go wsHub.Run()

	// All bus events reach every connected client.
	bus.SubscribeAll(func(event events.Event) {
		wsHub.BroadcastEvent(event)
	})

	// Engine packages deliver through these sinks without importing api.
	events.SetBroadcast(func(event events.Event) {
		wsHub.BroadcastEvent(event)
	})
	events.SetNotifyUser(func(userID string, event events.Event) {
		wsHub.SendToUser(userID, event)
	})

	log.Println("WebSocket hub initialized")

	return wsHub
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	// Empty when the socket is anonymous; such clients only get broadcasts.
	userID := s.wsUserID(c)

	client := &WSClient{
		id:        uuid.NewString(),
		conn:      conn,
		send:      make(chan []byte, 256),
		hub:       wsHub,
		userID:    userID,
		closeChan: make(chan struct{}),
	}

	client.hub.register <- client

	go client.writePump()
	go client.readPump()

	welcomeMsg := map[string]interface{}{
		"type":          "CONNECTED",
		"connection_id": client.id,
		"message":       "WebSocket connection established",
		"timestamp":     time.Now(),
	}
	if data, err := json.Marshal(welcomeMsg); err == nil {
		select {
		case client.send <- data:
		default:
		}
	}
}

// wsUserID resolves the connecting user from a bearer header or, for browser
// clients that cannot set headers on WebSocket upgrades, a token query param.
func (s *Server) wsUserID(c *gin.Context) string {
	token := c.Query("token")
	if token == "" {
		authHeader := c.GetHeader("Authorization")
		if len(authHeader) > 7 {
			token = authHeader[7:]
		}
	}
	if token == "" {
		return ""
	}

	claims, err := s.jwtManager.ValidateAccessToken(token)
	if err != nil {
		return ""
	}
	return claims.UserID
}
