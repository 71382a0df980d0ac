package place

import (
	"context"

	"placeserver/interactions"
	"placeserver/logging"
	"placeserver/metrics"
	"placeserver/scene"
	"placeserver/version"
	"placeserver/wire"
)

// The methods below implement interactions.World: identity, lookups and the
// scene mutations behind place-directed interactions. Mutations are staged
// into the store's change buffer and picked up by the next heartbeat tick.

// PlaceName implements interactions.World.
func (p *Place) PlaceName() string { return p.name }

// PeerFor implements interactions.World.
func (p *Place) PeerFor(cid wire.ClientID) (interactions.Peer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if c, ok := p.announced[cid]; ok {
		return peer{c: c}, true
	}
	if c, ok := p.unannounced[cid]; ok {
		return peer{c: c}, true
	}
	return nil, false
}

// OwnerOf implements interactions.World against the current snapshot.
func (p *Place) OwnerOf(id wire.EntityID) (wire.ClientID, bool) {
	e, ok := p.store.Current().Entity(id)
	if !ok {
		return "", false
	}
	return e.OwnerClientID, true
}

// PerformAnnounce promotes an unannounced client, creates its avatar from
// the supplied description and waits for the scene tick that introduced it,
// so the announce response never precedes the avatar's first delta.
func (p *Place) PerformAnnounce(ctx context.Context, cid wire.ClientID, ann wire.Announce) (wire.AnnounceResponse, *wire.ErrorBody) {
	p.mu.Lock()
	c, ok := p.unannounced[cid]
	if !ok {
		p.mu.Unlock()
		e := interactions.Errorf(interactions.CodeInvalidRequest, "client already announced")
		return wire.AnnounceResponse{}, &e
	}

	avatarID, changes := materialize(ann.Avatar, cid, "")
	changes = ensureAvatarTransform(avatarID, ann.Avatar, changes)

	delete(p.unannounced, cid)
	p.announced[cid] = c
	c.Announced = true
	c.Status = StatusAnnounced
	c.Identity = ann.Identity
	c.Avatar = avatarID
	p.mu.Unlock()
	metrics.AnnouncedClients.Inc()

	p.store.Append(changes...)
	p.hb.MarkChanged()
	if err := p.hb.AwaitNextSync(ctx); err != nil {
		e := interactions.Errorf(interactions.CodeInternalServerError, "announce interrupted: %v", err)
		return wire.AnnounceResponse{}, &e
	}

	logging.Info("client announced", map[string]interface{}{
		"client_id":    cid,
		"display_name": ann.Identity.DisplayName,
		"avatar":       avatarID,
	})
	return wire.AnnounceResponse{
		AvatarID:        avatarID,
		PlaceName:       p.name,
		ProtocolVersion: version.Protocol,
	}, nil
}

// PerformCreateEntity stages a new entity tree owned by the caller.
func (p *Place) PerformCreateEntity(cid wire.ClientID, spec wire.EntitySpec) (wire.EntityID, *wire.ErrorBody) {
	if !p.isAnnounced(cid) {
		e := interactions.Errorf(interactions.CodeUnauthorized, "announce before creating entities")
		return "", &e
	}
	id, changes := materialize(spec, cid, "")
	p.store.Append(changes...)
	p.hb.MarkChanged()
	return id, nil
}

// PerformRemoveEntity stages removal of an entity the caller owns.
func (p *Place) PerformRemoveEntity(cid wire.ClientID, req wire.RemoveEntity) *wire.ErrorBody {
	return p.removeEntity(cid, req.EntityID, req.Mode, false)
}

func (p *Place) removeEntity(cid wire.ClientID, id wire.EntityID, mode wire.RemovalMode, internal bool) *wire.ErrorBody {
	contents := p.store.Current()
	target, ok := contents.Entity(id)
	if !ok {
		e := interactions.Errorf(interactions.CodeNotFound, "no entity %q", id)
		return &e
	}
	if !internal && target.OwnerClientID != cid {
		e := interactions.Errorf(interactions.CodeUnauthorized, "entity %q belongs to another client", id)
		return &e
	}
	if mode == "" {
		mode = wire.RemovalReparent
	}

	p.store.Append(removalChanges(contents, target, mode, map[wire.EntityID]bool{})...)
	p.hb.MarkChanged()
	return nil
}

// removalChanges builds the ordered change list for one removal. Cascade
// recurses into children; reparent detaches them so they become scene
// roots. Component removals for the removed entity itself are synthesized
// by the store at tick time.
func removalChanges(contents scene.Contents, target wire.EntityData, mode wire.RemovalMode, visited map[wire.EntityID]bool) []wire.PlaceChange {
	if visited[target.ID] {
		return nil
	}
	visited[target.ID] = true

	var changes []wire.PlaceChange
	for _, child := range contents.ChildrenOf(target.ID) {
		switch mode {
		case wire.RemovalCascade:
			changes = append(changes, removalChanges(contents, child, mode, visited)...)
		default:
			if rel, ok := contents.Component(wire.TypeRelationships, child.ID); ok {
				changes = append(changes, wire.ComponentRemoved(child, rel))
			}
		}
	}
	changes = append(changes, wire.EntityRemoved(target))
	return changes
}

// PerformChangeEntity stages component changes on an entity the caller
// owns. A component that is currently present classifies as an update,
// an absent one as an add.
func (p *Place) PerformChangeEntity(cid wire.ClientID, req wire.ChangeEntity) *wire.ErrorBody {
	contents := p.store.Current()
	target, ok := contents.Entity(req.EntityID)
	if !ok {
		e := interactions.Errorf(interactions.CodeNotFound, "no entity %q", req.EntityID)
		return &e
	}
	if target.OwnerClientID != cid {
		e := interactions.Errorf(interactions.CodeUnauthorized, "entity %q belongs to another client", req.EntityID)
		return &e
	}

	var changes []wire.PlaceChange
	for _, comp := range req.AddOrChange {
		if _, present := contents.Component(comp.TypeID(), req.EntityID); present {
			changes = append(changes, wire.ComponentUpdated(req.EntityID, comp))
		} else {
			changes = append(changes, wire.ComponentAdded(req.EntityID, comp))
		}
	}
	for _, t := range req.Remove {
		comp, present := contents.Component(t, req.EntityID)
		if !present {
			e := interactions.Errorf(interactions.CodeNotFound, "entity %q has no %q component", req.EntityID, t)
			return &e
		}
		changes = append(changes, wire.ComponentRemoved(target, comp))
	}

	p.store.Append(changes...)
	p.hb.MarkChanged()
	return nil
}

func (p *Place) isAnnounced(cid wire.ClientID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.announced[cid]
	return ok
}

// materialize turns an entity description into staged changes, allocating
// ids for the whole tree. Children get a Relationships component pointing
// at their parent.
func materialize(spec wire.EntitySpec, owner wire.ClientID, parent wire.EntityID) (wire.EntityID, []wire.PlaceChange) {
	id := wire.NewEntityID()
	entity := wire.EntityData{ID: id, OwnerClientID: owner}
	changes := []wire.PlaceChange{wire.EntityAdded(entity)}

	for _, comp := range spec.Components {
		changes = append(changes, wire.ComponentAdded(id, comp))
	}
	if parent != "" {
		changes = append(changes, wire.ComponentAdded(id, wire.MustComponent(wire.Relationships{Parent: parent})))
	}
	for _, child := range spec.Children {
		_, childChanges := materialize(child, owner, id)
		changes = append(changes, childChanges...)
	}
	return id, changes
}

// ensureAvatarTransform guarantees every avatar root carries a transform so
// other clients can place it immediately.
func ensureAvatarTransform(avatarID wire.EntityID, spec wire.EntitySpec, changes []wire.PlaceChange) []wire.PlaceChange {
	for _, comp := range spec.Components {
		if comp.TypeID() == wire.TypeTransform {
			return changes
		}
	}
	return append(changes, wire.ComponentAdded(avatarID, wire.MustComponent(wire.IdentityTransform())))
}
