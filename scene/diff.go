package scene

import (
	"sort"

	"placeserver/wire"
)

// Diff computes the minimal change set taking `from` to `to`. The result
// honours the emission order contract: entity-added first, then
// entity-removed, then component changes.
func Diff(from, to Contents) wire.PlaceChangeSet {
	set := wire.PlaceChangeSet{FromRevision: from.Revision, ToRevision: to.Revision}

	var added, removed []wire.EntityData
	for id, e := range to.Entities {
		if _, ok := from.Entities[id]; !ok {
			added = append(added, e)
		}
	}
	for id, e := range from.Entities {
		if _, ok := to.Entities[id]; !ok {
			removed = append(removed, e)
		}
	}
	sortEntities(added)
	sortEntities(removed)
	for _, e := range added {
		set.Changes = append(set.Changes, wire.EntityAdded(e))
	}
	for _, e := range removed {
		set.Changes = append(set.Changes, wire.EntityRemoved(e))
	}

	// Walk the union of component types. Iterating the previous side too
	// catches a type whose entity list vanished entirely.
	types := make(map[wire.ComponentTypeID]struct{}, len(from.Components)+len(to.Components))
	for t := range from.Components {
		types[t] = struct{}{}
	}
	for t := range to.Components {
		types[t] = struct{}{}
	}
	sortedTypes := make([]wire.ComponentTypeID, 0, len(types))
	for t := range types {
		sortedTypes = append(sortedTypes, t)
	}
	sort.Slice(sortedTypes, func(i, j int) bool { return sortedTypes[i] < sortedTypes[j] })

	for _, t := range sortedTypes {
		prev := from.Components[t]
		cur := to.Components[t]

		ids := make([]wire.EntityID, 0, len(prev)+len(cur))
		seen := map[wire.EntityID]struct{}{}
		for id := range prev {
			ids = append(ids, id)
			seen[id] = struct{}{}
		}
		for id := range cur {
			if _, ok := seen[id]; !ok {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, id := range ids {
			before, hadBefore := prev[id]
			after, hasAfter := cur[id]
			switch {
			case !hadBefore && hasAfter:
				set.Changes = append(set.Changes, wire.ComponentAdded(id, after))
			case hadBefore && hasAfter:
				if !before.Equal(after) {
					set.Changes = append(set.Changes, wire.ComponentUpdated(id, after))
				}
			case hadBefore && !hasAfter:
				e, ok := from.Entities[id]
				if !ok {
					e = wire.EntityData{ID: id}
				}
				set.Changes = append(set.Changes, wire.ComponentRemoved(e, before))
			}
		}
	}
	return set
}

func sortEntities(list []wire.EntityData) {
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
}
