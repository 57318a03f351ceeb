package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventType enumerates every event the channel carries. Anything outside
// this set is rejected at the boundary instead of flowing through as an
// untyped content string.
type EventType string

const (
	EventPresence           EventType = "presence"
	EventMessage            EventType = "message"
	EventTyping             EventType = "typing"
	EventRequestReceived    EventType = "request_received"
	EventRequestDeclined    EventType = "request_declined"
	EventConnectionAccepted EventType = "connection_accepted"
	EventHello              EventType = "hello"
	EventError              EventType = "error"
)

// PresenceStatus values carried by presence events.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "ONLINE"
	StatusOffline PresenceStatus = "OFFLINE"
)

// Event is the single wire schema for server-to-client traffic. Events are
// delivered at most once and are hints to refetch; the REST endpoints stay
// the source of truth.
type Event struct {
	Type   EventType      `json:"type"`
	Sender int            `json:"sender,omitempty"`
	Status PresenceStatus `json:"status,omitempty"`
	Ts     time.Time      `json:"ts"`
	Data   any            `json:"data,omitempty"`
}

func newEvent(t EventType, sender int) Event {
	return Event{Type: t, Sender: sender, Ts: time.Now().UTC()}
}

// ClientFrame is what a connected session may send upstream.
type ClientFrame struct {
	Type EventType `json:"type"` // message | typing
	To   int       `json:"to"`
	Body string    `json:"body,omitempty"`
}

func (f ClientFrame) validate() error {
	switch f.Type {
	case EventMessage:
		if f.To <= 0 || f.Body == "" {
			return fmt.Errorf("message frame requires to and body")
		}
	case EventTyping:
		if f.To <= 0 {
			return fmt.Errorf("typing frame requires to")
		}
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	return nil
}

// Channel timing contract. Clients learn the values from the hello event and
// must resync presence and unread state over REST after every reconnect.
const (
	heartbeatInterval = 4 * time.Second
	pongWait          = 3 * heartbeatInterval
	writeWait         = 10 * time.Second
	reconnectBackoff  = 5 * time.Second
	presenceWindow    = 30 * time.Second
)

// Client represents one WebSocket session.
type Client struct {
	userID int
	conn   *websocket.Conn
	send   chan Event
	db     *sql.DB
}

// Hub tracks live sessions per user and fans events out to them.
type Hub struct {
	clientsByUser map[int]map[*Client]bool
	mu            sync.RWMutex
}

func newHub() *Hub {
	return &Hub{
		clientsByUser: make(map[int]map[*Client]bool),
	}
}

// register adds a session. The first session for a user announces ONLINE on
// the broadcast presence topic.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	first := h.clientsByUser[c.userID] == nil
	if first {
		h.clientsByUser[c.userID] = make(map[*Client]bool)
	}
	h.clientsByUser[c.userID][c] = true
	h.mu.Unlock()

	if first {
		evt := newEvent(EventPresence, c.userID)
		evt.Status = StatusOnline
		h.broadcast(evt)
	}
}

// unregister drops a session. When the user's last session goes away, the
// hub announces OFFLINE on their behalf, whether the close was graceful or a
// heartbeat timeout.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	last := false
	if peers, ok := h.clientsByUser[c.userID]; ok {
		delete(peers, c)
		if len(peers) == 0 {
			delete(h.clientsByUser, c.userID)
			last = true
		}
	}
	h.mu.Unlock()

	if last {
		evt := newEvent(EventPresence, c.userID)
		evt.Status = StatusOffline
		h.broadcast(evt)
	}
}

// sendToUser delivers an event to every session of one user (the per-user
// notification queue). Best effort: a full session buffer drops the event.
func (h *Hub) sendToUser(userID int, evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if peers, ok := h.clientsByUser[userID]; ok {
		for c := range peers {
			select {
			case c.send <- evt:
			default:
			}
		}
	}
}

// broadcast delivers an event to every connected session (presence and
// system topics).
func (h *Hub) broadcast(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, peers := range h.clientsByUser {
		for c := range peers {
			select {
			case c.send <- evt:
			default:
			}
		}
	}
}

// onlineUsers snapshots the ids with at least one live session.
func (h *Hub) onlineUsers() []int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]int, 0, len(h.clientsByUser))
	for id := range h.clientsByUser {
		ids = append(ids, id)
	}
	return ids
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// For development: allow Vite dev origin ws://localhost:5173
	CheckOrigin: func(r *http.Request) bool { return true },
}

// global hub
var presenceHub = newHub()

// GET /ws - upgraded per-session event channel
func wsHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := getUserIDFromRequest(r)
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WS upgrade error for user %d: %v", userID, err)
			return
		}

		client := &Client{
			userID: userID,
			conn:   conn,
			send:   make(chan Event, 16),
			db:     db,
		}
		presenceHub.register(client)
		touchLastOnline(db, userID)

		// Advertise the timing contract so clients do not hardcode it.
		hello := newEvent(EventHello, 0)
		hello.Data = map[string]int{
			"heartbeat_seconds":         int(heartbeatInterval / time.Second),
			"reconnect_backoff_seconds": int(reconnectBackoff / time.Second),
		}
		client.send <- hello

		go clientWriter(client)
		clientReader(client)
	}
}

func clientReader(c *Client) {
	defer func() {
		presenceHub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1 << 20)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		touchLastOnline(c.db, c.userID)
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			evt := newEvent(EventError, 0)
			evt.Data = "invalid frame format"
			c.send <- evt
			continue
		}
		if err := frame.validate(); err != nil {
			evt := newEvent(EventError, 0)
			evt.Data = err.Error()
			c.send <- evt
			continue
		}

		switch frame.Type {
		case EventMessage:
			msg, err := saveChatMsg(c.db, c.userID, frame.To, frame.Body)
			if err != nil {
				evt := newEvent(EventError, 0)
				evt.Data = "cannot send message"
				c.send <- evt
				continue
			}

			out := newEvent(EventMessage, c.userID)
			out.Data = msg
			// Relay to the recipient's queue and echo back to the sender so
			// the sender UI updates instantly.
			presenceHub.sendToUser(frame.To, out)
			presenceHub.sendToUser(c.userID, out)

		case EventTyping:
			presenceHub.sendToUser(frame.To, newEvent(EventTyping, c.userID))
		}
	}
}

func clientWriter(c *Client) {
	ticker := time.NewTicker(heartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func touchLastOnline(db *sql.DB, userID int) {
	_, _ = db.Exec(`UPDATE users SET last_online = NOW() WHERE id = $1`, userID)
}

// POST /me/ping - mark this user as online "now" (REST fallback for clients
// without an open socket).
func mePingHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		userID, ok := getUserIDFromBearer(r)
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		touchLastOnline(db, userID)
		w.WriteHeader(http.StatusNoContent)
	}
}

func isOnlineNow(db *sql.DB, userID int) (bool, error) {
	var online bool
	err := db.QueryRow(`
		SELECT COALESCE(last_online > NOW() - make_interval(secs => $2), FALSE) AS online
		FROM users
		WHERE id = $1
	`, userID, presenceWindow.Seconds()).Scan(&online)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return online, err
}

// GET /presence - the authoritative online set. Clients rebuild their local
// presence state from this after a reconnect instead of trusting whatever
// events they accumulated before the drop.
func presenceHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		rows, err := db.Query(`
			SELECT id FROM users
			WHERE last_online > NOW() - make_interval(secs => $1)
			ORDER BY id
		`, presenceWindow.Seconds())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		defer rows.Close()

		online := make([]int, 0, 32)
		for rows.Next() {
			var id int
			if rows.Scan(&id) == nil {
				online = append(online, id)
			}
		}
		writeJSON(w, http.StatusOK, map[string][]int{"online": online})
	})
}
