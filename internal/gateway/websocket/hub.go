// Package websocket mirrors the broadcast streams over a WebSocket gateway.
// Clients subscribe with the same kinds and scope filters as the SSE
// endpoint and receive frames as stream.event notifications; request
// actions route through a dispatcher.
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/headspace/headspace/internal/broadcast"
	"github.com/headspace/headspace/internal/common/logger"
	ws "github.com/headspace/headspace/pkg/websocket"
)

// Hub tracks connected clients and owns their teardown. Each client holds
// its own broadcaster subscription, so the hub never fans frames out itself.
type Hub struct {
	caster     *broadcast.Broadcaster
	dispatcher *ws.Dispatcher

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub serving streams from the given broadcaster.
func NewHub(caster *broadcast.Broadcaster, dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		caster:     caster,
		dispatcher: dispatcher,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run processes client registration until the context ends.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// closeAllClients stops every client's stream and closes its send channel.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.stopStream()
		close(client.send)
		delete(h.clients, client)
	}
}

// removeClient stops the client's stream before closing the send channel so
// the forwarding goroutine can never write to a closed channel.
func (h *Hub) removeClient(client *Client) {
	client.stopStream()

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister removes a client from the hub. Safe to call after the hub has
// stopped; read pumps unwind during shutdown.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dispatcher returns the message dispatcher for handler registration.
func (h *Hub) Dispatcher() *ws.Dispatcher {
	return h.dispatcher
}
