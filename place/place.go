// Package place is the orchestrator: it owns the client registry, binds the
// scene store, heartbeat, interaction router and SFU reconciler together,
// and exposes the connect entry point the HTTP handshake calls.
package place

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Arceliar/phony"

	"placeserver/heartbeat"
	"placeserver/interactions"
	"placeserver/logging"
	"placeserver/metrics"
	"placeserver/scene"
	"placeserver/session"
	"placeserver/sfu"
	"placeserver/transport"
	"placeserver/version"
	"placeserver/wire"
)

// Options configures a Place.
type Options struct {
	Name           string
	AuthSecret     string
	CoalesceDelay  time.Duration
	KeepaliveDelay time.Duration
}

// Place hosts exactly one shared room. Registry and broadcast state is
// serialised through the embedded actor inbox; the heartbeat and transport
// callbacks post work onto it.
type Place struct {
	phony.Inbox

	name    string
	store   *scene.Store
	hb      *heartbeat.Timer
	router  *interactions.Router
	media   *sfu.Reconciler
	factory transport.Maker

	mu          sync.RWMutex
	unannounced map[wire.ClientID]*ConnectedClient
	announced   map[wire.ClientID]*ConnectedClient
	bySession   map[*session.Session]*ConnectedClient
}

// New assembles a place over the given transport factory.
func New(opts Options, factory transport.Maker) *Place {
	p := &Place{
		name:        opts.Name,
		store:       scene.NewStore(),
		factory:     factory,
		unannounced: make(map[wire.ClientID]*ConnectedClient),
		announced:   make(map[wire.ClientID]*ConnectedClient),
		bySession:   make(map[*session.Session]*ConnectedClient),
	}
	p.router = interactions.NewRouter(p, opts.AuthSecret)
	p.media = sfu.NewReconciler(p.startForwarder, p.transportFor)
	p.hb = heartbeat.NewTimer(opts.CoalesceDelay, opts.KeepaliveDelay, p.syncAction)

	// LiveMediaListener changes drive the desired-forwarding set.
	// Additions arrive through the updated stream as well, so one
	// registration covers both.
	p.store.OnComponentUpdated(wire.TypeLiveMediaListener, func(ev scene.ComponentEvent) {
		var listener wire.LiveMediaListener
		if err := ev.Component.Decode(&listener); err != nil {
			logging.Warn("malformed live media listener", map[string]interface{}{
				"entity": ev.EntityID,
				"error":  err.Error(),
			})
			return
		}
		owner, ok := p.OwnerOf(ev.EntityID)
		if !ok {
			return
		}
		p.media.SetListener(ev.EntityID, owner, listener.SortedMediaIDs())
	})
	p.store.OnComponentRemoved(wire.TypeLiveMediaListener, func(ev scene.ComponentEvent) {
		p.media.ClearListener(ev.EntityID)
	})

	return p
}

// Name returns the place's display name.
func (p *Place) Name() string { return p.name }

// Store exposes the scene store.
func (p *Place) Store() *scene.Store { return p.store }

// Heartbeat exposes the broadcast timer.
func (p *Place) Heartbeat() *heartbeat.Timer { return p.hb }

// Media exposes the SFU reconciler.
func (p *Place) Media() *sfu.Reconciler { return p.media }

// Connect accepts a new client's offer: it creates the transport and
// session, registers the client as unannounced and returns the generated
// answer carrying the assigned client id.
func (p *Place) Connect(ctx context.Context, offer *wire.SignallingPayload) (*wire.SignallingPayload, error) {
	t, err := p.factory.Create()
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	s := session.New(t, session.RoleServer, p)
	c := &ConnectedClient{
		CID:         t.ClientID(),
		Session:     s,
		Status:      StatusConnecting,
		ConnectedAt: time.Now(),
	}

	p.mu.Lock()
	p.unannounced[c.CID] = c
	p.bySession[s] = c
	p.mu.Unlock()
	metrics.ConnectedClients.Inc()

	answer, err := t.GenerateAnswer(ctx, offer)
	if err != nil {
		p.dropClient(c)
		_ = t.Disconnect()
		return nil, fmt.Errorf("generate answer: %w", err)
	}
	cidStr := c.CID.String()
	answer.ClientID = &cidStr

	logging.Info("client connected", map[string]interface{}{
		"client_id": c.CID,
		"place":     p.name,
	})
	return answer, nil
}

// syncAction runs on every heartbeat firing: tick the store, then send each
// announced client its delta before the next tick can begin. Running it
// synchronously under the actor keeps revisions from interleaving per
// client.
func (p *Place) syncAction() {
	phony.Block(p, func() {
		metrics.HeartbeatFires.Inc()
		set, err := p.store.Tick()
		if err != nil {
			// A failing tick is a server bug; the scene is not allowed
			// to drift.
			logging.Fatal("scene tick failed", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		metrics.SceneRevision.Set(float64(set.ToRevision))

		p.mu.RLock()
		clients := make([]*ConnectedClient, 0, len(p.announced))
		for _, c := range p.announced {
			clients = append(clients, c)
		}
		p.mu.RUnlock()

		for _, c := range clients {
			diff := p.diffFor(c)
			if err := c.Session.SendChangeSet(diff); err != nil {
				logging.Debug("worldstate send failed", map[string]interface{}{
					"client_id": c.CID,
					"error":     err.Error(),
				})
				continue
			}
			metrics.ChangesBroadcast.Add(float64(len(diff.Changes)))
		}
	})
}

// diffFor computes a client's catch-up delta: from its acked revision when
// that snapshot is still retained, else from the empty place.
func (p *Place) diffFor(c *ConnectedClient) wire.PlaceChangeSet {
	from := scene.EmptyContents()
	p.mu.RLock()
	acked, hasAcked := c.AckdRevision, c.HasAcked
	p.mu.RUnlock()
	if hasAcked {
		if snap, ok := p.store.SnapshotAt(acked); ok {
			from = snap
		}
	}
	return p.store.Diff(from)
}

func (p *Place) clientFor(s *session.Session) (*ConnectedClient, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.bySession[s]
	return c, ok
}

func (p *Place) dropClient(c *ConnectedClient) {
	p.mu.Lock()
	_, wasKnown := p.bySession[c.Session]
	wasAnnounced := c.Announced
	delete(p.unannounced, c.CID)
	delete(p.announced, c.CID)
	delete(p.bySession, c.Session)
	p.mu.Unlock()
	if wasKnown {
		metrics.ConnectedClients.Dec()
		if wasAnnounced {
			metrics.AnnouncedClients.Dec()
		}
	}
}

// Shutdown stops the heartbeat, disconnects every client and stops all
// forwarders.
func (p *Place) Shutdown() {
	p.hb.Stop()
	p.mu.RLock()
	all := make([]*ConnectedClient, 0, len(p.bySession))
	for _, c := range p.bySession {
		all = append(all, c)
	}
	p.mu.RUnlock()
	for _, c := range all {
		_ = c.Session.Disconnect()
	}
	p.media.Shutdown()
	logging.Info("place shut down", map[string]interface{}{"place": p.name})
}

// startForwarder adapts transport.Forward for the reconciler; the
// reconciler keeps the running-forwarder count.
func (p *Place) startForwarder(stream transport.IncomingStream, from, to transport.Transport) (sfu.Forwarder, error) {
	return transport.Forward(stream, from, to)
}

// transportFor resolves an announced client's transport for the reconciler.
func (p *Place) transportFor(cid wire.ClientID) (transport.Transport, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if c, ok := p.announced[cid]; ok {
		return c.Session.Transport(), true
	}
	if c, ok := p.unannounced[cid]; ok {
		return c.Session.Transport(), true
	}
	return nil, false
}

// Stats is the dashboard/status snapshot.
type Stats struct {
	Name        string       `json:"name"`
	Revision    uint64       `json:"revision"`
	Entities    int          `json:"entities"`
	Connected   int          `json:"connected"`
	Announced   int          `json:"announced"`
	Forwarders  int          `json:"forwarders"`
	Clients     []ClientInfo `json:"clients"`
	Forwardings []string     `json:"forwardings"`
	Version     string       `json:"version"`
}

// ClientInfo is one registry row.
type ClientInfo struct {
	ClientID    string    `json:"clientId"`
	Announced   bool      `json:"announced"`
	DisplayName string    `json:"displayName,omitempty"`
	Avatar      string    `json:"avatar,omitempty"`
	AckdRev     uint64    `json:"ackdRevision"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// CollectStats snapshots the place for the dashboard and status endpoints.
func (p *Place) CollectStats() Stats {
	contents := p.store.Current()
	stats := Stats{
		Name:     p.name,
		Revision: contents.Revision,
		Entities: len(contents.Entities),
		Version:  version.Protocol,
	}
	p.mu.RLock()
	stats.Connected = len(p.unannounced) + len(p.announced)
	stats.Announced = len(p.announced)
	for _, c := range p.unannounced {
		stats.Clients = append(stats.Clients, clientInfo(c))
	}
	for _, c := range p.announced {
		stats.Clients = append(stats.Clients, clientInfo(c))
	}
	p.mu.RUnlock()
	stats.Forwarders = p.media.ActiveCount()
	for _, fid := range p.media.ActiveForwardings() {
		stats.Forwardings = append(stats.Forwardings, fid.String())
	}
	return stats
}

func clientInfo(c *ConnectedClient) ClientInfo {
	return ClientInfo{
		ClientID:    c.CID.String(),
		Announced:   c.Announced,
		DisplayName: c.Identity.DisplayName,
		Avatar:      string(c.Avatar),
		AckdRev:     c.AckdRevision,
		ConnectedAt: c.ConnectedAt,
	}
}
