package sfu

import (
	"sync"

	"placeserver/logging"
	"placeserver/metrics"
	"placeserver/transport"
	"placeserver/wire"
)

// Forwarder is the running relay the reconciler starts and stops.
type Forwarder interface {
	Stop()
}

// ForwardFunc starts a forwarder; the production value wraps
// transport.Forward, tests substitute fakes.
type ForwardFunc func(stream transport.IncomingStream, from, to transport.Transport) (Forwarder, error)

// TransportLookup resolves a connected client's transport.
type TransportLookup func(cid wire.ClientID) (transport.Transport, bool)

// availableStream is one incoming stream the place can forward.
type availableStream struct {
	stream    transport.IncomingStream
	transport transport.Transport
	owner     wire.ClientID
}

// Reconciler owns three sets: streams available on any transport, the
// forwardings desired via LiveMediaListener components, and the forwarders
// actually running. Any change to the first two triggers a reconcile that
// makes the third match.
type Reconciler struct {
	forward      ForwardFunc
	transportFor TransportLookup

	mu        sync.Mutex
	available map[PlaceStreamID]availableStream
	// desiredByEntity remembers which listener entity contributed which
	// forwardings, so a removed component only retracts its own.
	desiredByEntity map[wire.EntityID]map[ForwardingID]struct{}
	active          map[ForwardingID]Forwarder
}

// NewReconciler builds an idle reconciler.
func NewReconciler(forward ForwardFunc, transportFor TransportLookup) *Reconciler {
	return &Reconciler{
		forward:         forward,
		transportFor:    transportFor,
		available:       make(map[PlaceStreamID]availableStream),
		desiredByEntity: make(map[wire.EntityID]map[ForwardingID]struct{}),
		active:          make(map[ForwardingID]Forwarder),
	}
}

// StreamAvailable registers an incoming stream. Streams the server does not
// receive (direction without recv) are ignored.
func (r *Reconciler) StreamAvailable(owner wire.ClientID, t transport.Transport, s transport.IncomingStream) {
	if !s.Direction().IncludesRecv() {
		logging.Debug("ignoring non-received stream", map[string]interface{}{
			"client_id": owner,
			"media_id":  s.MediaID(),
			"direction": s.Direction(),
		})
		return
	}
	id := StreamIDFor(owner, s.MediaID())
	r.mu.Lock()
	r.available[id] = availableStream{stream: s, transport: t, owner: owner}
	r.mu.Unlock()
	logging.Info("stream available", map[string]interface{}{"stream": id.String()})
	r.Reconcile()
}

// StreamLost retracts an incoming stream.
func (r *Reconciler) StreamLost(owner wire.ClientID, s transport.IncomingStream) {
	id := StreamIDFor(owner, s.MediaID())
	r.mu.Lock()
	delete(r.available, id)
	r.mu.Unlock()
	logging.Info("stream lost", map[string]interface{}{"stream": id.String()})
	r.Reconcile()
}

// SetListener replaces the forwardings desired by one listener entity. The
// entity's owner is the forwarding target; each listed media id names a
// source stream. Unparseable ids are skipped.
func (r *Reconciler) SetListener(entity wire.EntityID, owner wire.ClientID, mediaIDs []string) {
	wanted := make(map[ForwardingID]struct{}, len(mediaIDs))
	for _, raw := range mediaIDs {
		source, err := ParsePlaceStreamID(raw)
		if err != nil {
			logging.Warn("listener names unparseable stream", map[string]interface{}{
				"entity": entity,
				"value":  raw,
				"error":  err.Error(),
			})
			continue
		}
		wanted[ForwardingID{Source: source, Target: owner}] = struct{}{}
	}
	r.mu.Lock()
	if len(wanted) == 0 {
		delete(r.desiredByEntity, entity)
	} else {
		r.desiredByEntity[entity] = wanted
	}
	r.mu.Unlock()
	r.Reconcile()
}

// ClearListener retracts every forwarding the entity contributed.
func (r *Reconciler) ClearListener(entity wire.EntityID) {
	r.mu.Lock()
	_, had := r.desiredByEntity[entity]
	delete(r.desiredByEntity, entity)
	r.mu.Unlock()
	if had {
		r.Reconcile()
	}
}

// ClientGone drops everything tied to a departed client: its published
// streams and the forwardings targeting it.
func (r *Reconciler) ClientGone(cid wire.ClientID) {
	r.mu.Lock()
	for id, s := range r.available {
		if s.owner == cid {
			delete(r.available, id)
		}
	}
	for entity, set := range r.desiredByEntity {
		for fid := range set {
			if fid.Target == cid {
				delete(set, fid)
			}
		}
		if len(set) == 0 {
			delete(r.desiredByEntity, entity)
		}
	}
	r.mu.Unlock()
	r.Reconcile()
}

// Reconcile computes wanted = desired ∩ available and starts/stops
// forwarders until active matches. Running it again with unchanged inputs
// does nothing.
func (r *Reconciler) Reconcile() {
	r.mu.Lock()

	wanted := make(map[ForwardingID]availableStream)
	for _, set := range r.desiredByEntity {
		for fid := range set {
			src, ok := r.available[fid.Source]
			if !ok {
				continue
			}
			// A stream never loops back to its publisher.
			if src.owner == fid.Target {
				continue
			}
			wanted[fid] = src
		}
	}

	var toStop []Forwarder
	var stopIDs []ForwardingID
	for fid, fwd := range r.active {
		if _, ok := wanted[fid]; !ok {
			toStop = append(toStop, fwd)
			stopIDs = append(stopIDs, fid)
			delete(r.active, fid)
		}
	}

	type startItem struct {
		fid ForwardingID
		src availableStream
	}
	var toStart []startItem
	for fid, src := range wanted {
		if _, ok := r.active[fid]; !ok {
			toStart = append(toStart, startItem{fid: fid, src: src})
		}
	}
	r.mu.Unlock()

	for i, fwd := range toStop {
		logging.Info("stopping forwarder", map[string]interface{}{"forwarding": stopIDs[i].String()})
		fwd.Stop()
	}

	for _, item := range toStart {
		target, ok := r.transportFor(item.fid.Target)
		if !ok {
			continue
		}
		fwd, err := r.forward(item.src.stream, item.src.transport, target)
		if err != nil {
			// The desired entry stays; the next reconcile-triggering
			// event retries the start.
			metrics.ForwarderStartFailures.Inc()
			logging.Error("forwarder start failed", map[string]interface{}{
				"forwarding": item.fid.String(),
				"error":      err.Error(),
			})
			continue
		}
		r.mu.Lock()
		r.active[item.fid] = fwd
		r.mu.Unlock()
	}

	r.mu.Lock()
	metrics.ActiveForwarders.Set(float64(len(r.active)))
	r.mu.Unlock()
}

// ActiveCount reports how many forwarders run right now.
func (r *Reconciler) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// ActiveForwardings lists the running forwardings for the dashboard.
func (r *Reconciler) ActiveForwardings() []ForwardingID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ForwardingID, 0, len(r.active))
	for fid := range r.active {
		out = append(out, fid)
	}
	return out
}

// Shutdown stops every running forwarder.
func (r *Reconciler) Shutdown() {
	r.mu.Lock()
	active := r.active
	r.active = make(map[ForwardingID]Forwarder)
	r.mu.Unlock()
	for _, fwd := range active {
		fwd.Stop()
	}
	r.mu.Lock()
	metrics.ActiveForwarders.Set(0)
	r.mu.Unlock()
}
