// Package frontend holds what every client transport shares: the Hub it
// feeds and the outbox it drains.
package frontend

import (
	"context"

	"github.com/cory-johannsen/sketchrelay/internal/relay"
)

// Hub is the session coordinator as seen by a transport. A transport calls
// Connect once per client, Deliver for every inbound frame, and Disconnect
// exactly once when the client goes away.
type Hub interface {
	Connect() *relay.Outbox
	Deliver(connID string, raw []byte)
	Disconnect(connID string)
}

// RoomLister exposes read-only room diagnostics.
type RoomLister interface {
	Rooms(ctx context.Context) ([]relay.RoomSummary, error)
}

var (
	_ Hub        = (*relay.Coordinator)(nil)
	_ RoomLister = (*relay.Coordinator)(nil)
)
