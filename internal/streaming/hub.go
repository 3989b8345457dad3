package streaming

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/logger"
)

// Client is a single authenticated subscriber connection. It is registered
// with exactly one Hub and may subscribe to any number of session channels
// it is authorized to view.
type Client struct {
	ID            string
	send          chan []byte
	hub           *Hub
	authenticated bool
	userID        string
	mu            sync.RWMutex
	sessionIDs    map[string]bool
	log           *logger.Logger
}

// NewClient creates a client bound to hub, not yet authenticated.
func NewClient(id string, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:         id,
		send:       make(chan []byte, 256),
		hub:        hub,
		sessionIDs: make(map[string]bool),
		log:        log.WithFields(zap.String("client_id", id)),
	}
}

// Send returns the channel the connection's write loop drains.
func (c *Client) Send() <-chan []byte {
	return c.send
}

// Authenticate marks the client as joined to the `authenticated` channel,
// either via a user access token or a service token (used by the executor).
// Until this is called the client is membership-less and receives nothing.
func (c *Client) Authenticate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	c.userID = userID
}

func (c *Client) isAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// Hub fans streaming and control-plane messages out to authenticated
// subscribers, scoped per session and per user-terminal channel. Its
// register/unregister/subscribe/broadcast channels are all serviced by the
// single Run goroutine, and channel names are arbitrary strings rather than
// task IDs alone.
type Hub struct {
	clients map[*Client]bool
	// channel (session id or "user/<id>/terminal") -> subscribed clients
	channels map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	subscribe  chan subscription
	broadcast  chan *BroadcastMessage

	mu  sync.RWMutex
	log *logger.Logger
}

type subscription struct {
	client  *Client
	channel string
	remove  bool
}

// BroadcastMessage is a Message destined for one channel.
type BroadcastMessage struct {
	Channel string
	Message *Message
}

// NewHub constructs an idle Hub; call Run to start its processing loop.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		channels:   make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		subscribe:  make(chan subscription),
		broadcast:  make(chan *BroadcastMessage, 256),
		log:        log.WithFields(zap.String("component", "streaming_hub")),
	}
}

// Run processes registrations, subscriptions, and broadcasts until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("streaming hub started")
	defer h.log.Info("streaming hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]bool)
			h.channels = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.removeClientLocked(client)

		case sub := <-h.subscribe:
			h.mu.Lock()
			if sub.remove {
				h.removeFromChannel(sub.channel, sub.client)
				delete(sub.client.sessionIDs, sub.channel)
			} else {
				if h.channels[sub.channel] == nil {
					h.channels[sub.channel] = make(map[*Client]bool)
				}
				h.channels[sub.channel][sub.client] = true
				sub.client.sessionIDs[sub.channel] = true
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// removeFromChannel must be called with h.mu held.
func (h *Hub) removeFromChannel(channel string, client *Client) {
	if clients, ok := h.channels[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.channels, channel)
		}
	}
}

func (h *Hub) deliver(msg *BroadcastMessage) {
	h.mu.RLock()
	clients := h.channels[msg.Channel]
	recipients := make([]*Client, 0, len(clients))
	for client := range clients {
		recipients = append(recipients, client)
	}
	h.mu.RUnlock()
	if len(recipients) == 0 {
		return
	}

	data, err := json.Marshal(msg.Message)
	if err != nil {
		h.log.Error("failed to marshal streaming message", zap.Error(err))
		return
	}

	for _, client := range recipients {
		if !client.isAuthenticated() {
			continue
		}
		select {
		case client.send <- data:
		default:
			// deliver runs synchronously inside Run's own goroutine, the
			// only receiver of h.unregister — routing a slow client
			// through Unregister here would deadlock the hub. Drop it
			// inline instead, under the same lock Run's own cases use.
			h.log.Warn("dropping slow streaming client", zap.String("client_id", client.ID))
			h.removeClientLocked(client)
		}
	}
}

// removeClientLocked closes client.send and removes it from every channel
// and from h.clients, taking h.mu itself. Safe to call from deliver, which
// runs on the same goroutine as Run's register/unregister/subscribe cases
// but outside of any of their lock scopes.
func (h *Hub) removeClientLocked(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for channel := range client.sessionIDs {
		h.removeFromChannel(channel, client)
	}
}

// Register admits client into the hub; it still receives nothing until it
// both Authenticate()s and Subscribe()s to a channel.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister removes client and closes its send channel.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// Subscribe joins client to channel (a session id, or a
// "user/<id>/terminal" string — only a client whose own userID matches
// may join its own terminal channel; callers enforce that before calling
// Subscribe).
func (h *Hub) Subscribe(client *Client, channel string) {
	h.subscribe <- subscription{client: client, channel: channel}
}

// Unsubscribe removes client from channel.
func (h *Hub) Unsubscribe(client *Client, channel string) {
	h.subscribe <- subscription{client: client, channel: channel, remove: true}
}

// Publish delivers msg to every authenticated subscriber of channel, in the
// order Publish is called — within one channel, ordering is guaranteed
// (spec.md §5); across channels, none is promised.
func (h *Hub) Publish(channel string, msg *Message) {
	h.broadcast <- &BroadcastMessage{Channel: channel, Message: msg}
}

// SubscriberCount reports how many clients are subscribed to channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}
