package place

import (
	"context"
	"time"

	"placeserver/session"
	"placeserver/wire"
)

// ClientStatus tracks where a connection is in its lifecycle.
type ClientStatus string

const (
	StatusConnecting ClientStatus = "connecting"
	StatusAnnounced  ClientStatus = "announced"
	StatusLeaving    ClientStatus = "leaving"
)

// ConnectedClient is the server-side record of one connection.
type ConnectedClient struct {
	CID     wire.ClientID
	Session *session.Session

	Announced bool
	Identity  wire.Identity
	Avatar    wire.EntityID

	// AckdRevision is the latest revision the client reported applying;
	// HasAcked distinguishes "acked revision 0" from "never acked".
	AckdRevision uint64
	HasAcked     bool

	Status      ClientStatus
	ConnectedAt time.Time
}

// peer adapts a ConnectedClient to the router's Peer interface.
type peer struct {
	c *ConnectedClient
}

func (p peer) ClientID() wire.ClientID { return p.c.CID }

func (p peer) Request(ctx context.Context, inter wire.Interaction) (wire.Interaction, error) {
	return p.c.Session.Request(ctx, inter)
}

func (p peer) Send(inter wire.Interaction) error {
	return p.c.Session.SendInteraction(inter)
}

func (p peer) Disconnect() {
	_ = p.c.Session.Disconnect()
}
