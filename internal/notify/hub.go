package notify

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/bookgen/api/internal/logger"
	"github.com/bookgen/api/internal/model"
)

const (
	sendBuffer   = 256
	pingInterval = 30 * time.Second
)

// Client is one push-socket subscription.
type Client struct {
	UserID string
	JobID  string
	Send   chan []byte
}

func NewClient(userID, jobID string) *Client {
	return &Client{UserID: userID, JobID: jobID, Send: make(chan []byte, sendBuffer)}
}

// Hub keeps active connections indexed by user id and by job id.
type Hub struct {
	mu     sync.Mutex
	byJob  map[string]map[*Client]struct{}
	byUser map[string]map[*Client]struct{}
	log    *logger.Logger
}

func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Nop()
	}
	return &Hub{
		byJob:  make(map[string]map[*Client]struct{}),
		byUser: make(map[string]map[*Client]struct{}),
		log:    log.With("component", "push_hub"),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.JobID != "" {
		addClient(h.byJob, c.JobID, c)
	}
	if c.UserID != "" {
		addClient(h.byUser, c.UserID, c)
	}
	h.log.Debug("client registered", "job_id", c.JobID, "user_id", c.UserID)
}

// Unregister removes c from both indexes and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(c)
}

func (h *Hub) remove(c *Client) {
	removed := removeClient(h.byJob, c.JobID, c)
	removed = removeClient(h.byUser, c.UserID, c) || removed
	if removed {
		close(c.Send)
		h.log.Debug("client unregistered", "job_id", c.JobID, "user_id", c.UserID)
	}
}

func addClient(index map[string]map[*Client]struct{}, key string, c *Client) {
	set, ok := index[key]
	if !ok {
		set = make(map[*Client]struct{})
		index[key] = set
	}
	set[c] = struct{}{}
}

func removeClient(index map[string]map[*Client]struct{}, key string, c *Client) bool {
	set, ok := index[key]
	if !ok {
		return false
	}
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(index, key)
	}
	return true
}

// Publish delivers env to every connection subscribed to its job id or to
// userID, each at most once. A connection whose buffer is full is dropped.
// It returns the number of connections that accepted the message.
func (h *Hub) Publish(env model.Envelope, userID string) (int, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	targets := make(map[*Client]struct{})
	if env.JobID != "" {
		for c := range h.byJob[env.JobID] {
			targets[c] = struct{}{}
		}
	}
	if userID != "" {
		for c := range h.byUser[userID] {
			targets[c] = struct{}{}
		}
	}

	delivered := 0
	for c := range targets {
		select {
		case c.Send <- data:
			delivered++
		default:
			h.log.Warn("dropping slow push client", "job_id", c.JobID, "user_id", c.UserID)
			h.remove(c)
		}
	}
	return delivered, nil
}

// Connections counts registered clients.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := make(map[*Client]struct{})
	for _, set := range h.byJob {
		for c := range set {
			seen[c] = struct{}{}
		}
	}
	for _, set := range h.byUser {
		for c := range set {
			seen[c] = struct{}{}
		}
	}
	return len(seen)
}

// HandleConnection serves one websocket until the peer disconnects.
func (h *Hub) HandleConnection(c *websocket.Conn, userID, jobID string) {
	client := NewClient(userID, jobID)
	h.Register(client)
	defer h.Unregister(client)

	hello, _ := json.Marshal(model.Envelope{
		Type:      model.WSMessageTypeConnection,
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
		Status:    "connected",
	})
	client.Send <- hello

	// Start writer goroutine
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket error", "error", err)
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			h.reply(client, model.Envelope{
				Type:      model.WSMessageTypePong,
				JobID:     jobID,
				Timestamp: time.Now().UTC(),
			})
		}
	}
}

// reply queues a message for one client unless it has been dropped.
func (h *Hub) reply(c *Client, env model.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.registered(c) {
		return
	}
	select {
	case c.Send <- data:
	default:
	}
}

func (h *Hub) registered(c *Client) bool {
	if set, ok := h.byJob[c.JobID]; ok {
		if _, ok := set[c]; ok {
			return true
		}
	}
	if set, ok := h.byUser[c.UserID]; ok {
		if _, ok := set[c]; ok {
			return true
		}
	}
	return false
}
