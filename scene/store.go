package scene

import (
	"fmt"
	"sync"

	"placeserver/wire"
)

// historyCap bounds the snapshot history. Clients whose acked revision fell
// off the end are resynced from the empty snapshot.
const historyCap = 100

// EntityObserver receives entity lifecycle notifications after a tick.
type EntityObserver func(wire.EntityData)

// ComponentEvent is one component change notification.
type ComponentEvent struct {
	Kind      wire.ChangeKind
	EntityID  wire.EntityID
	Entity    wire.EntityData // populated for removals of vanished entities
	Component wire.Component
}

// ComponentObserver receives component change notifications after a tick.
type ComponentObserver func(ComponentEvent)

type componentObservers struct {
	added   []ComponentObserver
	updated []ComponentObserver
	removed []ComponentObserver
}

// Store owns the current scene snapshot, the outstanding change buffer and a
// bounded snapshot history. Changes are buffered with Append and applied
// atomically by Tick.
type Store struct {
	mu      sync.RWMutex
	current Contents
	history []Contents
	pending []wire.PlaceChange

	entityAdded   []EntityObserver
	entityRemoved []EntityObserver
	byType        map[wire.ComponentTypeID]*componentObservers
}

// NewStore returns a store at the empty revision-0 snapshot.
func NewStore() *Store {
	return &Store{
		current: EmptyContents(),
		byType:  make(map[wire.ComponentTypeID]*componentObservers),
	}
}

// Current returns the latest snapshot.
func (s *Store) Current() Contents {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Revision returns the latest revision.
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Revision
}

// Append enqueues changes to be applied at the next tick.
func (s *Store) Append(changes ...wire.PlaceChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, changes...)
}

// PendingCount reports how many changes are buffered.
func (s *Store) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// Tick atomically applies the buffered changes, producing the change set
// from the previous revision to the new one, pushes the new snapshot into
// history and clears the buffer. A failing change set is a server bug: the
// buffer is dropped and the error returned so the caller can abort.
func (s *Store) Tick() (wire.PlaceChangeSet, error) {
	s.mu.Lock()
	set := wire.PlaceChangeSet{
		FromRevision: s.current.Revision,
		ToRevision:   s.current.Revision + 1,
		Changes:      normalize(s.current, s.pending),
	}
	s.pending = nil
	next, err := s.current.Apply(set)
	if err != nil {
		s.mu.Unlock()
		return wire.PlaceChangeSet{}, fmt.Errorf("tick to revision %d: %w", set.ToRevision, err)
	}
	s.current = next
	s.history = append(s.history, next)
	if len(s.history) > historyCap {
		s.history = s.history[1:]
	}
	s.mu.Unlock()

	s.notify(set)
	return set, nil
}

// SnapshotAt returns the retained snapshot with the given revision. Revision
// 0 always resolves to the empty snapshot; an evicted revision returns ok
// false.
func (s *Store) SnapshotAt(revision uint64) (Contents, bool) {
	if revision == 0 {
		return EmptyContents(), true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].Revision == revision {
			return s.history[i], true
		}
		if s.history[i].Revision < revision {
			break
		}
	}
	return Contents{}, false
}

// Diff computes the change set from a past snapshot to the current one.
func (s *Store) Diff(from Contents) wire.PlaceChangeSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Diff(from, s.current)
}

// normalize orders buffered changes per the emission contract and expands
// entity removals with the component removals the invariant requires.
func normalize(current Contents, pending []wire.PlaceChange) []wire.PlaceChange {
	var adds, removes, components []wire.PlaceChange

	removedComponents := map[wire.ComponentTypeID]map[wire.EntityID]struct{}{}
	markRemoved := func(t wire.ComponentTypeID, id wire.EntityID) bool {
		if removedComponents[t] == nil {
			removedComponents[t] = map[wire.EntityID]struct{}{}
		}
		if _, dup := removedComponents[t][id]; dup {
			return false
		}
		removedComponents[t][id] = struct{}{}
		return true
	}

	for _, change := range pending {
		switch change.Kind {
		case wire.ChangeEntityAdded:
			adds = append(adds, change)
		case wire.ChangeEntityRemoved:
			removes = append(removes, change)
		case wire.ChangeComponentRemoved:
			if change.Component != nil && !markRemoved(change.Component.TypeID(), change.EntityID) {
				continue
			}
			components = append(components, change)
		default:
			components = append(components, change)
		}
	}

	// Removing an entity removes every component keyed on it; synthesize
	// whatever removals the caller did not enqueue explicitly.
	for _, change := range removes {
		e := *change.Entity
		for _, comp := range current.ComponentsOf(e.ID) {
			if markRemoved(comp.TypeID(), e.ID) {
				components = append(components, wire.ComponentRemoved(e, comp))
			}
		}
	}

	out := make([]wire.PlaceChange, 0, len(adds)+len(removes)+len(components))
	out = append(out, adds...)
	out = append(out, removes...)
	out = append(out, components...)
	return out
}

// OnEntityAdded registers an entity creation observer.
func (s *Store) OnEntityAdded(fn EntityObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entityAdded = append(s.entityAdded, fn)
}

// OnEntityRemoved registers an entity removal observer.
func (s *Store) OnEntityRemoved(fn EntityObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entityRemoved = append(s.entityRemoved, fn)
}

func (s *Store) observersFor(t wire.ComponentTypeID) *componentObservers {
	obs, ok := s.byType[t]
	if !ok {
		obs = &componentObservers{}
		s.byType[t] = obs
	}
	return obs
}

// OnComponentAdded registers an observer for additions of a component type.
func (s *Store) OnComponentAdded(t wire.ComponentTypeID, fn ComponentObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observersFor(t).added = append(s.observersFor(t).added, fn)
}

// OnComponentUpdated registers an observer for updates of a component type.
// Additions are also delivered here, so a single "property changed" reaction
// sees both uniformly.
func (s *Store) OnComponentUpdated(t wire.ComponentTypeID, fn ComponentObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observersFor(t).updated = append(s.observersFor(t).updated, fn)
}

// OnComponentRemoved registers an observer for removals of a component type.
func (s *Store) OnComponentRemoved(t wire.ComponentTypeID, fn ComponentObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observersFor(t).removed = append(s.observersFor(t).removed, fn)
}

func (s *Store) notify(set wire.PlaceChangeSet) {
	s.mu.RLock()
	entityAdded := append([]EntityObserver(nil), s.entityAdded...)
	entityRemoved := append([]EntityObserver(nil), s.entityRemoved...)
	byType := make(map[wire.ComponentTypeID]componentObservers, len(s.byType))
	for t, obs := range s.byType {
		byType[t] = componentObservers{
			added:   append([]ComponentObserver(nil), obs.added...),
			updated: append([]ComponentObserver(nil), obs.updated...),
			removed: append([]ComponentObserver(nil), obs.removed...),
		}
	}
	s.mu.RUnlock()

	for _, change := range set.Changes {
		switch change.Kind {
		case wire.ChangeEntityAdded:
			for _, fn := range entityAdded {
				fn(*change.Entity)
			}
		case wire.ChangeEntityRemoved:
			for _, fn := range entityRemoved {
				fn(*change.Entity)
			}
		case wire.ChangeComponentAdded, wire.ChangeComponentUpdated, wire.ChangeComponentRemoved:
			obs, ok := byType[change.Component.TypeID()]
			if !ok {
				continue
			}
			ev := ComponentEvent{
				Kind:      change.Kind,
				EntityID:  change.EntityID,
				Component: *change.Component,
			}
			if change.Entity != nil {
				ev.Entity = *change.Entity
			}
			switch change.Kind {
			case wire.ChangeComponentAdded:
				for _, fn := range obs.added {
					fn(ev)
				}
				for _, fn := range obs.updated {
					fn(ev)
				}
			case wire.ChangeComponentUpdated:
				for _, fn := range obs.updated {
					fn(ev)
				}
			case wire.ChangeComponentRemoved:
				for _, fn := range obs.removed {
					fn(ev)
				}
			}
		}
	}
}
