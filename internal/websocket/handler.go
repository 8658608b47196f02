package websocket

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/marketloop/marketloop/internal/database"
	"github.com/marketloop/marketloop/internal/feed"
	"github.com/marketloop/marketloop/internal/logger"
)

// Client frame actions
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

var log = logger.New("websocket")

// Client represents a connected websocket client
type Client struct {
	UserID uuid.UUID
	Socket *websocket.Conn
	Send   chan []byte

	rooms map[uuid.UUID]bool
}

// ClientFrame is a control frame from the browser: join or leave a
// conversation's feed.
type ClientFrame struct {
	Action         string    `json:"action"`
	ConversationID uuid.UUID `json:"conversation_id"`
}

// serverFrame is a control frame to the browser; feed payloads pass through
// untouched.
type serverFrame struct {
	Type           string    `json:"type"`
	ConversationID uuid.UUID `json:"conversation_id,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Manager fans the change feed out to websocket clients. Each open
// conversation has one upstream transport subscription shared by every
// client in the room; the subscription opens on first join and closes on
// last leave, never per render.
type Manager struct {
	store     database.Store
	transport feed.Transport

	mutex sync.Mutex
	rooms map[uuid.UUID]map[*Client]bool
	subs  map[uuid.UUID]io.Closer

	register   chan *Client
	unregister chan *Client
}

// NewManager creates a new websocket manager
func NewManager(store database.Store, transport feed.Transport) *Manager {
	return &Manager{
		store:      store,
		transport:  transport,
		rooms:      make(map[uuid.UUID]map[*Client]bool),
		subs:       make(map[uuid.UUID]io.Closer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run starts the websocket manager
func (m *Manager) Run() {
	for {
		select {
		case client := <-m.register:
			log.Info("Client connected: %s", client.UserID)
		case client := <-m.unregister:
			m.mutex.Lock()
			for conversationID := range client.rooms {
				m.leaveRoomLocked(client, conversationID)
			}
			close(client.Send)
			m.mutex.Unlock()
			log.Info("Client disconnected: %s", client.UserID)
		}
	}
}

// joinRoom adds the client to a conversation's room, opening the upstream
// feed subscription if the room was empty. Membership is checked against the
// repository first.
func (m *Manager) joinRoom(client *Client, conversationID uuid.UUID) error {
	// ConversationDeletedAt doubles as a cheap membership probe; it fails
	// with the same errors SendMessage would.
	if _, err := m.store.ConversationDeletedAt(context.Background(), conversationID, client.UserID); err != nil {
		return err
	}

	m.mutex.Lock()
	room, ok := m.rooms[conversationID]
	if !ok {
		room = make(map[*Client]bool)
		m.rooms[conversationID] = room
	}
	needSub := len(room) == 0 && m.subs[conversationID] == nil
	room[client] = true
	client.rooms[conversationID] = true
	m.mutex.Unlock()

	if !needSub {
		return nil
	}

	// The SUBSCRIBE round trip blocks on the broker, so it must not run
	// under the mutex or a slow broker stalls every broadcast and join.
	deliver := func(payload []byte) {
		m.broadcastRoom(conversationID, payload)
	}
	lost := func(err error) {
		m.dropRoom(conversationID, err)
	}
	closer, err := m.transport.Subscribe(context.Background(), feed.Topic(conversationID), deliver, lost)

	if err != nil {
		m.mutex.Lock()
		m.leaveRoomLocked(client, conversationID)
		_, roomRemains := m.rooms[conversationID]
		m.mutex.Unlock()
		// Anyone who joined while the subscribe was in flight has no
		// upstream; drop them so they resubscribe.
		if roomRemains {
			m.dropRoom(conversationID, err)
		}
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if len(m.rooms[conversationID]) == 0 || m.subs[conversationID] != nil {
		// The room emptied, or a competing join installed a subscription
		// first; this one is surplus.
		closer.Close()
		return nil
	}
	m.subs[conversationID] = closer
	log.Debug("Opened feed subscription for conversation %s", conversationID)
	return nil
}

func (m *Manager) leaveRoomLocked(client *Client, conversationID uuid.UUID) {
	room, ok := m.rooms[conversationID]
	if !ok {
		return
	}
	delete(room, client)
	delete(client.rooms, conversationID)

	if len(room) == 0 {
		delete(m.rooms, conversationID)
		if sub, ok := m.subs[conversationID]; ok {
			sub.Close()
			delete(m.subs, conversationID)
			log.Debug("Closed feed subscription for conversation %s", conversationID)
		}
	}
}

// broadcastRoom forwards a raw feed payload to everyone in the room.
func (m *Manager) broadcastRoom(conversationID uuid.UUID, payload []byte) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for client := range m.rooms[conversationID] {
		select {
		case client.Send <- payload:
		default:
			// Slow consumer; the client will resync when it reconnects.
			log.Warn("Dropping feed payload for slow client %s", client.UserID)
		}
	}
}

// dropRoom tears down a room whose upstream subscription died and tells the
// clients, so each of them refetches the conversation instead of trusting a
// feed that went quiet.
func (m *Manager) dropRoom(conversationID uuid.UUID, err error) {
	log.Warn("Feed subscription lost for conversation %s: %v", conversationID, err)

	frame, _ := json.Marshal(serverFrame{Type: "subscription_lost", ConversationID: conversationID})

	m.mutex.Lock()
	defer m.mutex.Unlock()

	for client := range m.rooms[conversationID] {
		delete(client.rooms, conversationID)
		select {
		case client.Send <- frame:
		default:
		}
	}
	delete(m.rooms, conversationID)

	if sub, ok := m.subs[conversationID]; ok {
		sub.Close()
		delete(m.subs, conversationID)
	}
}

// HandleWebSocket handles websocket requests from clients
func (m *Manager) HandleWebSocket(c *gin.Context) {
	// Get user ID from context (set by auth middleware or route handler)
	userID, exists := c.Get("userID")
	if !exists {
		log.Warn("No userID in context, rejecting connection from %s", c.Request.RemoteAddr)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	userUUID, ok := userID.(uuid.UUID)
	if !ok {
		log.Error("Invalid UUID in context from %s", c.Request.RemoteAddr)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Invalid user identification"})
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// TODO: restrict to ALLOWED_ORIGINS once the web client's origin
			// list is stable
			return true
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("Failed to upgrade connection: %v", err)
		return
	}

	client := &Client{
		UserID: userUUID,
		Socket: conn,
		Send:   make(chan []byte, 256),
		rooms:  make(map[uuid.UUID]bool),
	}

	m.register <- client

	go client.readPump(m)
	go client.writePump()
	log.Info("Client %s connected and ready", client.UserID)
}

// readPump consumes subscribe/unsubscribe frames from the client
func (c *Client) readPump(m *Manager) {
	defer func() {
		m.unregister <- c
		c.Socket.Close()
	}()

	c.Socket.SetReadLimit(4 * 1024)
	c.Socket.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Socket.SetPongHandler(func(string) error {
		c.Socket.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.Socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error("Error reading from client %s: %v", c.UserID, err)
			} else {
				log.Info("Client %s closed connection: %v", c.UserID, err)
			}
			break
		}

		var frame ClientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.sendError(uuid.Nil, "Invalid frame format")
			continue
		}

		switch frame.Action {
		case ActionSubscribe:
			if err := m.joinRoom(c, frame.ConversationID); err != nil {
				log.Warn("Client %s cannot subscribe to %s: %v", c.UserID, frame.ConversationID, err)
				c.sendError(frame.ConversationID, "Cannot subscribe to conversation")
			}
		case ActionUnsubscribe:
			m.mutex.Lock()
			m.leaveRoomLocked(c, frame.ConversationID)
			m.mutex.Unlock()
		default:
			log.Warn("Unknown frame action %q from client %s", frame.Action, c.UserID)
			c.sendError(frame.ConversationID, "Unknown action")
		}
	}
}

func (c *Client) sendError(conversationID uuid.UUID, msg string) {
	frame, _ := json.Marshal(serverFrame{Type: "error", ConversationID: conversationID, Error: msg})
	select {
	case c.Send <- frame:
	default:
	}
}

// writePump pumps queued payloads to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Socket.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Socket.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// The manager closed the channel
				c.Socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Socket.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current websocket message
			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.Socket.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
