// Package fanout pushes region events to websocket subscribers. Events are
// published to redis so every region process sees them, and each process's
// hub forwards them to locally connected websockets.
package fanout

import (
	"context"
	"sync"

	"github.com/metalgrid/regiond/common/logger"
)

// Message is one event bound for a topic's subscribers.
type Message struct {
	Topic string
	Data  []byte
}

// Hub tracks websocket subscribers by topic and broadcasts to them.
type Hub struct {
	log *logger.Logger

	mu     sync.RWMutex
	topics map[string][]*Client

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:        log,
		topics:     make(map[string][]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Message, 256),
	}
}

// Broadcast queues a message for delivery.
func (h *Hub) Broadcast(msg *Message) {
	h.broadcast <- msg
}

// Run dispatches until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case client := <-h.register:
			h.add(client)
		case client := <-h.unregister:
			h.remove(client)
		case msg := <-h.broadcast:
			h.send(msg)
		}
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.topics[client.topic] = append(h.topics[client.topic], client)
	h.log.Debug("websocket subscribed",
		"topic", client.topic, "subscribers", len(h.topics[client.topic]))
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients := h.topics[client.topic]
	for i, c := range clients {
		if c == client {
			h.topics[client.topic] = append(clients[:i], clients[i+1:]...)
			close(client.send)
			if len(h.topics[client.topic]) == 0 {
				delete(h.topics, client.topic)
			}
			return
		}
	}
}

func (h *Hub) send(msg *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.topics[msg.Topic] {
		select {
		case client.send <- msg.Data:
		default:
			// Slow consumer; drop the message rather than block the hub.
			h.log.Warn("websocket send buffer full", "topic", msg.Topic)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, clients := range h.topics {
		for _, c := range clients {
			close(c.send)
		}
		delete(h.topics, topic)
	}
}

// SubscriberCount reports how many websockets follow a topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
