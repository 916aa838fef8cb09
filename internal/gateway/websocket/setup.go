package websocket

import (
	"github.com/headspace/headspace/internal/broadcast"
	"github.com/headspace/headspace/internal/common/logger"
	ws "github.com/headspace/headspace/pkg/websocket"
)

// Gateway bundles the hub, dispatcher and upgrade handler.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler
}

// NewGateway wires the gateway against the broadcaster. The caller mounts
// Handler.HandleConnection and runs Hub.Run for the server's lifetime.
func NewGateway(caster *broadcast.Broadcaster, log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(caster, dispatcher, log)
	handler := NewHandler(hub, log)

	RegisterHealthHandler(dispatcher)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
	}
}
