package place

import (
	"context"
	"time"

	"github.com/Arceliar/phony"

	"placeserver/logging"
	"placeserver/session"
	"placeserver/transport"
	"placeserver/wire"
)

// The methods below implement session.Delegate. Session callbacks arrive on
// transport goroutines; registry mutations are posted onto the actor inbox.

func (p *Place) SessionDidReceiveInteraction(s *session.Session, inter wire.Interaction) {
	c, ok := p.clientFor(s)
	if !ok {
		return
	}
	p.router.HandleInteraction(peer{c: c}, inter)
}

// SessionDidReceiveIntent records the client's latest applied revision.
// Intents are unreliable and may arrive reordered; acks only move forward.
func (p *Place) SessionDidReceiveIntent(s *session.Session, intent wire.Intent) {
	c, ok := p.clientFor(s)
	if !ok {
		return
	}
	p.mu.Lock()
	if !c.HasAcked || intent.AckStateRev > c.AckdRevision {
		c.AckdRevision = intent.AckStateRev
		c.HasAcked = true
	}
	p.mu.Unlock()
}

// SessionDidReceiveLogRecord feeds client-submitted logs into the server
// sink, attributed to the sending client.
func (p *Place) SessionDidReceiveLogRecord(s *session.Session, rec wire.LogRecord) {
	fields := map[string]interface{}{"client_id": s.ClientID(), "origin": "client"}
	for k, v := range rec.Fields {
		fields[k] = v
	}
	logging.AtLevel(rec.Level, rec.Message, fields)
}

func (p *Place) SessionDidAddStream(s *session.Session, stream transport.IncomingStream) {
	p.media.StreamAvailable(s.ClientID(), s.Transport(), stream)
}

func (p *Place) SessionDidRemoveStream(s *session.Session, stream transport.IncomingStream) {
	p.media.StreamLost(s.ClientID(), stream)
}

// SessionDidDisconnect runs the departure sequence: stage removal of the
// client's entities, wait one heartbeat tick so observers and broadcasts
// see the removals, then drop the record.
func (p *Place) SessionDidDisconnect(s *session.Session) {
	c, ok := p.clientFor(s)
	if !ok {
		return
	}

	p.mu.Lock()
	if c.Status == StatusLeaving {
		p.mu.Unlock()
		return
	}
	c.Status = StatusLeaving
	wasAnnounced := c.Announced
	p.mu.Unlock()

	logging.Info("client disconnected", map[string]interface{}{
		"client_id": c.CID,
		"announced": wasAnnounced,
	})

	go func() {
		if wasAnnounced {
			phony.Block(p, func() {
				contents := p.store.Current()
				for _, owned := range contents.OwnedBy(c.CID) {
					p.store.Append(removalChanges(contents, owned, wire.RemovalReparent, map[wire.EntityID]bool{})...)
				}
				p.hb.MarkChanged()
			})

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := p.hb.AwaitNextSync(ctx)
			cancel()
			if err != nil {
				logging.Warn("departure tick wait interrupted", map[string]interface{}{
					"client_id": c.CID,
					"error":     err.Error(),
				})
			}
		}

		phony.Block(p, func() {
			p.router.ClientDisconnected(c.CID)
			p.media.ClientGone(c.CID)
			p.dropClient(c)
		})
	}()
}
