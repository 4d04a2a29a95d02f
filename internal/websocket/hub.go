package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/gofiber/contrib/websocket"

	"github.com/makeasinger/musicgen/internal/model"
)

// ErrBacklogFull is returned when the broadcast queue cannot take more events.
var ErrBacklogFull = errors.New("websocket hub backlog full")

const (
	sendBuffer   = 64
	pingInterval = 30 * time.Second
)

// Client is one websocket subscriber to a task.
type Client struct {
	TaskID string
	Conn   *websocket.Conn
	Send   chan []byte

	mu     sync.Mutex
	closed bool
}

func newClient(taskID string, conn *websocket.Conn) *Client {
	return &Client{TaskID: taskID, Conn: conn, Send: make(chan []byte, sendBuffer)}
}

// enqueue never blocks; a slow client loses the message.
func (c *Client) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// BroadcastMessage is a serialized event for one task's subscribers.
type BroadcastMessage struct {
	TaskID  string
	Message []byte
	Final   bool
}

// Hub tracks websocket subscribers per task and pushes task events to them.
type Hub struct {
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}

	mu  sync.RWMutex
	log *logger.Logger
}

// NewHub creates a Hub. Call Run before serving connections.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run processes registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for _, clients := range h.clients {
			for client := range clients {
				client.close()
			}
		}
		h.clients = make(map[string]map[*Client]bool)
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.TaskID] == nil {
				h.clients[client.TaskID] = make(map[*Client]bool)
			}
			h.clients[client.TaskID][client] = true
			h.mu.Unlock()
			h.log.Info("[WS] client subscribed to task %s", client.TaskID)

		case client := <-h.unregister:
			h.remove(client)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.TaskID] {
				if !client.enqueue(msg.Message) || msg.Final {
					client.close()
					delete(h.clients[msg.TaskID], client)
				}
			}
			if len(h.clients[msg.TaskID]) == 0 {
				delete(h.clients, msg.TaskID)
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.clients[client.TaskID]; ok {
		if _, ok := clients[client]; ok {
			delete(clients, client)
			client.close()
			if len(clients) == 0 {
				delete(h.clients, client.TaskID)
			}
			h.log.Info("[WS] client left task %s", client.TaskID)
		}
	}
}

// Subscribers returns how many clients watch taskID.
func (h *Hub) Subscribers(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[taskID])
}

// Register adds a client. It returns false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Notify queues ev for the task's subscribers. Terminal events close the
// subscribers' connections after delivery.
func (h *Hub) Notify(ctx context.Context, ev *model.TaskEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := &BroadcastMessage{TaskID: ev.TaskID, Message: data, Final: ev.Status.IsTerminal()}
	select {
	case h.broadcast <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrBacklogFull
	}
}

// HandleConnection serves one websocket until either side closes. snapshot
// supplies the task's current state, sent right after subscribing so late
// joiners see where the task stands.
func (h *Hub) HandleConnection(c *websocket.Conn, taskID string, snapshot func() (*model.TaskEvent, error)) {
	client := newClient(taskID, c)
	if !h.Register(client) {
		_ = c.WriteMessage(websocket.CloseMessage, []byte{})
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					_ = c.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
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

	if ev, err := snapshot(); err == nil {
		data, _ := json.Marshal(ev)
		client.enqueue(data)
		if ev.Status.IsTerminal() {
			h.Unregister(client)
		}
	} else {
		h.log.Warn("[WS] snapshot for task %s failed: %v", taskID, err)
	}

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.log.Warn("[WS] read error on task %s: %v", taskID, err)
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			client.enqueue(pong)
		}
	}

	h.Unregister(client)
	<-writerDone
}
