package main

import (
	"github.com/headspace/headspace/internal/bridge"
	"github.com/headspace/headspace/internal/broadcast"
	"github.com/headspace/headspace/internal/hooks"
	"github.com/headspace/headspace/internal/inference"
	"github.com/headspace/headspace/internal/lifecycle"
	"github.com/headspace/headspace/internal/persona"
	"github.com/headspace/headspace/internal/transcript"
)

// Services bundles the long-lived components main starts and stops.
type Services struct {
	Engine    *lifecycle.Service
	Inference *inference.Client
	Personas  *persona.Service
	Watcher   *transcript.Watcher
	Sender    *bridge.Sender
	Avail     *bridge.Availability
	Caster    *broadcast.Broadcaster
	Receiver  *hooks.Receiver
}
