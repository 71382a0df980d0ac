// Package scene owns the revisioned entity-component store: immutable
// snapshots, diffing, atomic change application and per-change observers.
package scene

import (
	"fmt"

	"placeserver/wire"
)

// Contents is an immutable snapshot of the scene graph at one revision.
// Revision 0 is the empty place.
type Contents struct {
	Revision   uint64
	Entities   map[wire.EntityID]wire.EntityData
	Components map[wire.ComponentTypeID]map[wire.EntityID]wire.Component
}

// EmptyContents returns the revision-0 snapshot.
func EmptyContents() Contents {
	return Contents{
		Revision:   0,
		Entities:   map[wire.EntityID]wire.EntityData{},
		Components: map[wire.ComponentTypeID]map[wire.EntityID]wire.Component{},
	}
}

// Clone returns a deep copy of the snapshot maps. Component values are
// immutable and shared.
func (c Contents) Clone() Contents {
	out := Contents{
		Revision:   c.Revision,
		Entities:   make(map[wire.EntityID]wire.EntityData, len(c.Entities)),
		Components: make(map[wire.ComponentTypeID]map[wire.EntityID]wire.Component, len(c.Components)),
	}
	for id, e := range c.Entities {
		out.Entities[id] = e
	}
	for t, byEntity := range c.Components {
		m := make(map[wire.EntityID]wire.Component, len(byEntity))
		for id, comp := range byEntity {
			m[id] = comp
		}
		out.Components[t] = m
	}
	return out
}

// Entity looks up an entity record.
func (c Contents) Entity(id wire.EntityID) (wire.EntityData, bool) {
	e, ok := c.Entities[id]
	return e, ok
}

// Component looks up a component by (type, entity).
func (c Contents) Component(t wire.ComponentTypeID, id wire.EntityID) (wire.Component, bool) {
	byEntity, ok := c.Components[t]
	if !ok {
		return wire.Component{}, false
	}
	comp, ok := byEntity[id]
	return comp, ok
}

// ComponentsOf returns every component keyed on the entity.
func (c Contents) ComponentsOf(id wire.EntityID) []wire.Component {
	var out []wire.Component
	for _, byEntity := range c.Components {
		if comp, ok := byEntity[id]; ok {
			out = append(out, comp)
		}
	}
	return out
}

// OwnedBy returns every entity owned by the client.
func (c Contents) OwnedBy(cid wire.ClientID) []wire.EntityData {
	var out []wire.EntityData
	for _, e := range c.Entities {
		if e.OwnerClientID == cid {
			out = append(out, e)
		}
	}
	return out
}

// ChildrenOf returns the entities whose Relationships component points at
// the given parent.
func (c Contents) ChildrenOf(parent wire.EntityID) []wire.EntityData {
	var out []wire.EntityData
	byEntity := c.Components[wire.TypeRelationships]
	for id, comp := range byEntity {
		var rel wire.Relationships
		if err := comp.Decode(&rel); err != nil {
			continue
		}
		if rel.Parent == parent {
			if e, ok := c.Entities[id]; ok {
				out = append(out, e)
			}
		}
	}
	return out
}

// Apply replays a change set onto the snapshot, returning the resulting
// snapshot. It either succeeds completely or returns an error leaving the
// receiver untouched. An Update or Remove targeting a nonexistent pair is an
// error: the set is rejected as a whole.
func (c Contents) Apply(set wire.PlaceChangeSet) (Contents, error) {
	if set.FromRevision != c.Revision {
		return Contents{}, fmt.Errorf("change set from revision %d does not apply to revision %d", set.FromRevision, c.Revision)
	}
	work := c.Clone()
	for _, change := range set.Changes {
		if err := applyChange(&work, change); err != nil {
			return Contents{}, fmt.Errorf("apply %s: %w", change, err)
		}
	}
	work.Revision = set.ToRevision
	return work, nil
}

func applyChange(work *Contents, change wire.PlaceChange) error {
	switch change.Kind {
	case wire.ChangeEntityAdded:
		if change.Entity == nil {
			return fmt.Errorf("missing entity data")
		}
		if _, exists := work.Entities[change.Entity.ID]; exists {
			return fmt.Errorf("entity %s already exists", change.Entity.ID)
		}
		work.Entities[change.Entity.ID] = *change.Entity
	case wire.ChangeEntityRemoved:
		if change.Entity == nil {
			return fmt.Errorf("missing entity data")
		}
		if _, exists := work.Entities[change.Entity.ID]; !exists {
			return fmt.Errorf("entity %s does not exist", change.Entity.ID)
		}
		// Component removals travel as explicit changes in the same
		// set; only the entity record goes here.
		delete(work.Entities, change.Entity.ID)
	case wire.ChangeComponentAdded:
		if change.Component == nil {
			return fmt.Errorf("missing component")
		}
		t := change.Component.TypeID()
		if _, exists := work.Components[t][change.EntityID]; exists {
			return fmt.Errorf("component (%s, %s) already present", t, change.EntityID)
		}
		if work.Components[t] == nil {
			work.Components[t] = map[wire.EntityID]wire.Component{}
		}
		work.Components[t][change.EntityID] = *change.Component
	case wire.ChangeComponentUpdated:
		if change.Component == nil {
			return fmt.Errorf("missing component")
		}
		t := change.Component.TypeID()
		if _, exists := work.Components[t][change.EntityID]; !exists {
			return fmt.Errorf("component (%s, %s) does not exist", t, change.EntityID)
		}
		work.Components[t][change.EntityID] = *change.Component
	case wire.ChangeComponentRemoved:
		if change.Component == nil {
			return fmt.Errorf("missing component")
		}
		t := change.Component.TypeID()
		if _, exists := work.Components[t][change.EntityID]; !exists {
			return fmt.Errorf("component (%s, %s) does not exist", t, change.EntityID)
		}
		delete(work.Components[t], change.EntityID)
		if len(work.Components[t]) == 0 {
			delete(work.Components, t)
		}
	default:
		return fmt.Errorf("unknown change kind %q", change.Kind)
	}
	return nil
}
