package wire

import "fmt"

// ChangeKind tags a PlaceChange variant.
type ChangeKind string

const (
	ChangeEntityAdded      ChangeKind = "entityAdded"
	ChangeEntityRemoved    ChangeKind = "entityRemoved"
	ChangeComponentAdded   ChangeKind = "componentAdded"
	ChangeComponentUpdated ChangeKind = "componentUpdated"
	ChangeComponentRemoved ChangeKind = "componentRemoved"
)

// PlaceChange is one mutation of the scene graph. Entity is set for entity
// changes and for componentRemoved (whose entity may no longer exist by the
// time the change is observed); EntityID is set for all component changes.
type PlaceChange struct {
	Kind      ChangeKind  `cbor:"kind" json:"kind"`
	Entity    *EntityData `cbor:"entity,omitempty" json:"entity,omitempty"`
	EntityID  EntityID    `cbor:"entityId,omitempty" json:"entityId,omitempty"`
	Component *Component  `cbor:"component,omitempty" json:"component,omitempty"`
}

func EntityAdded(e EntityData) PlaceChange {
	return PlaceChange{Kind: ChangeEntityAdded, Entity: &e, EntityID: e.ID}
}

func EntityRemoved(e EntityData) PlaceChange {
	return PlaceChange{Kind: ChangeEntityRemoved, Entity: &e, EntityID: e.ID}
}

func ComponentAdded(id EntityID, c Component) PlaceChange {
	return PlaceChange{Kind: ChangeComponentAdded, EntityID: id, Component: &c}
}

func ComponentUpdated(id EntityID, c Component) PlaceChange {
	return PlaceChange{Kind: ChangeComponentUpdated, EntityID: id, Component: &c}
}

func ComponentRemoved(e EntityData, c Component) PlaceChange {
	return PlaceChange{Kind: ChangeComponentRemoved, Entity: &e, EntityID: e.ID, Component: &c}
}

func (c PlaceChange) String() string {
	switch c.Kind {
	case ChangeEntityAdded, ChangeEntityRemoved:
		return fmt.Sprintf("%s(%s)", c.Kind, c.EntityID)
	default:
		var t ComponentTypeID
		if c.Component != nil {
			t = c.Component.TypeID()
		}
		return fmt.Sprintf("%s(%s, %s)", c.Kind, c.EntityID, t)
	}
}

// PlaceChangeSet takes the scene from one revision to the next. Changes are
// ordered entity-added, entity-removed, then component changes, so receivers
// can resolve component references against known entities.
type PlaceChangeSet struct {
	FromRevision uint64        `cbor:"fromRevision" json:"fromRevision"`
	ToRevision   uint64        `cbor:"toRevision" json:"toRevision"`
	Changes      []PlaceChange `cbor:"changes" json:"changes"`
}

// Empty reports whether the set carries no changes.
func (s PlaceChangeSet) Empty() bool { return len(s.Changes) == 0 }
