package main

import (
	"github.com/headspace/headspace/internal/broadcast"
	"github.com/headspace/headspace/internal/common/logger"
	gateways "github.com/headspace/headspace/internal/gateway/websocket"
)

// provideGateway builds the WebSocket mirror over the broadcaster. The
// caller mounts Handler.HandleConnection and runs Hub.Run for the
// server's lifetime.
func provideGateway(caster *broadcast.Broadcaster, log *logger.Logger) *gateways.Gateway {
	return gateways.NewGateway(caster, log)
}
