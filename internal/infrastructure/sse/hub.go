package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Message is one server-sent event.
type Message struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage marshals v into a message for event.
func NewMessage(event string, v interface{}) (*Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        uuid.NewString(),
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// WriteTo writes m in event stream framing.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	n, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", m.ID, m.Event, m.Data)
	return int64(n), err
}

// Client is an active stream subscriber.
type Client struct {
	ID          string
	Events      []string
	ConnectedAt time.Time
	Messages    chan *Message
}

// NewClient creates a client receiving the named events, or all events when
// none are given.
func NewClient(events ...string) *Client {
	return &Client{
		ID:          uuid.NewString(),
		Events:      events,
		ConnectedAt: time.Now().UTC(),
		Messages:    make(chan *Message, 100),
	}
}

// Wants reports whether the client subscribed to event.
func (c *Client) Wants(event string) bool {
	if len(c.Events) == 0 {
		return true
	}
	for _, e := range c.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Hub fans messages out to stream clients. Slow clients drop messages
// instead of blocking the publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger.With().Str("service", "sse").Logger(),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID] = c
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		close(c.Messages)
		delete(h.clients, clientID)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers msg to every interested client and returns how many
// accepted it.
func (h *Hub) Broadcast(msg *Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, c := range h.clients {
		if !c.Wants(msg.Event) {
			continue
		}
		if trySend(c, msg) {
			delivered++
			continue
		}
		h.logger.Warn().Str("client_id", c.ID).Str("event", msg.Event).Msg("client buffer full, message dropped")
	}
	return delivered
}

// Publish marshals v and broadcasts it as event.
func (h *Hub) Publish(event string, v interface{}) {
	msg, err := NewMessage(event, v)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("failed to encode event")
		return
	}
	h.Broadcast(msg)
}

// Stop disconnects every client.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		close(c.Messages)
		delete(h.clients, id)
	}
}

func trySend(c *Client, msg *Message) bool {
	select {
	case c.Messages <- msg:
		return true
	default:
		return false
	}
}
