package scene

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"placeserver/wire"
)

func entity(owner wire.ClientID) wire.EntityData {
	return wire.EntityData{ID: wire.NewEntityID(), OwnerClientID: owner}
}

func transformAt(x float64) wire.Component {
	tr := wire.IdentityTransform()
	tr.Matrix[12] = x
	return wire.MustComponent(tr)
}

func TestTickAppliesBufferedChanges(t *testing.T) {
	s := NewStore()
	e := entity("client-a")

	s.Append(wire.EntityAdded(e), wire.ComponentAdded(e.ID, transformAt(1)))
	set, err := s.Tick()
	require.NoError(t, err)

	assert.Equal(t, uint64(0), set.FromRevision)
	assert.Equal(t, uint64(1), set.ToRevision)
	require.Len(t, set.Changes, 2)
	assert.Equal(t, wire.ChangeEntityAdded, set.Changes[0].Kind)
	assert.Equal(t, wire.ChangeComponentAdded, set.Changes[1].Kind)

	current := s.Current()
	assert.Equal(t, uint64(1), current.Revision)
	_, ok := current.Entity(e.ID)
	assert.True(t, ok)
	_, ok = current.Component(wire.TypeTransform, e.ID)
	assert.True(t, ok)
}

func TestEmptyTickIsIdentityButAdvancesRevision(t *testing.T) {
	s := NewStore()
	set, err := s.Tick()
	require.NoError(t, err)
	assert.True(t, set.Empty())
	assert.Equal(t, uint64(1), s.Revision())

	// diff(x, x) is empty.
	diff := Diff(s.Current(), s.Current())
	assert.Empty(t, diff.Changes)
}

func TestEmissionOrderContract(t *testing.T) {
	s := NewStore()
	a, b := entity("client-a"), entity("client-b")
	s.Append(wire.EntityAdded(a), wire.ComponentAdded(a.ID, transformAt(0)))
	_, err := s.Tick()
	require.NoError(t, err)

	// One tick mixing adds, removes and component changes must come out
	// ordered: entity-added, entity-removed, component changes.
	s.Append(
		wire.ComponentUpdated(a.ID, transformAt(5)),
		wire.EntityRemoved(a),
		wire.EntityAdded(b),
	)
	set, err := s.Tick()
	require.NoError(t, err)

	kinds := make([]wire.ChangeKind, 0, len(set.Changes))
	for _, c := range set.Changes {
		kinds = append(kinds, c.Kind)
	}
	require.GreaterOrEqual(t, len(kinds), 3)
	assert.Equal(t, wire.ChangeEntityAdded, kinds[0])
	assert.Equal(t, wire.ChangeEntityRemoved, kinds[1])
	for _, k := range kinds[2:] {
		assert.Contains(t, []wire.ChangeKind{
			wire.ChangeComponentAdded, wire.ChangeComponentUpdated, wire.ChangeComponentRemoved,
		}, k)
	}
}

func TestEntityRemovalRemovesComponents(t *testing.T) {
	s := NewStore()
	e := entity("client-a")
	s.Append(
		wire.EntityAdded(e),
		wire.ComponentAdded(e.ID, transformAt(1)),
		wire.ComponentAdded(e.ID, wire.MustComponent(wire.Model{Shape: ptrShape(wire.Box([3]float64{1, 1, 1}, 0))})),
	)
	_, err := s.Tick()
	require.NoError(t, err)

	var removedComponents int
	s.OnComponentRemoved(wire.TypeTransform, func(ComponentEvent) { removedComponents++ })
	s.OnComponentRemoved(wire.TypeModel, func(ComponentEvent) { removedComponents++ })

	s.Append(wire.EntityRemoved(e))
	set, err := s.Tick()
	require.NoError(t, err)

	// The change set carries explicit component removals alongside the
	// entity removal.
	assert.Len(t, set.Changes, 3)
	assert.Equal(t, 2, removedComponents)

	current := s.Current()
	assert.Empty(t, current.Entities)
	assert.Empty(t, current.Components)
}

func ptrShape(s wire.Shape) *wire.Shape { return &s }

func TestApplyRejectsWholeSetAtomically(t *testing.T) {
	s := NewStore()
	e := entity("client-a")
	s.Append(wire.EntityAdded(e))
	_, err := s.Tick()
	require.NoError(t, err)

	before := s.Current()
	// Updating a component that was never added must fail the whole tick.
	s.Append(
		wire.ComponentAdded(e.ID, transformAt(1)),
		wire.ComponentUpdated(e.ID, wire.MustComponent(wire.Model{Asset: "x"})),
	)
	_, err = s.Tick()
	require.Error(t, err)
	assert.Equal(t, before.Revision, s.Current().Revision)
	_, ok := s.Current().Component(wire.TypeTransform, e.ID)
	assert.False(t, ok, "no change from the rejected set may leak through")
}

func TestDiffRoundTripsAgainstEveryRetainedSnapshot(t *testing.T) {
	s := NewStore()
	a, b := entity("client-a"), entity("client-b")

	s.Append(wire.EntityAdded(a), wire.ComponentAdded(a.ID, transformAt(0)))
	_, err := s.Tick()
	require.NoError(t, err)

	s.Append(wire.EntityAdded(b), wire.ComponentAdded(b.ID, transformAt(1)))
	_, err = s.Tick()
	require.NoError(t, err)

	s.Append(wire.ComponentUpdated(a.ID, transformAt(9)))
	_, err = s.Tick()
	require.NoError(t, err)

	s.Append(wire.EntityRemoved(b))
	_, err = s.Tick()
	require.NoError(t, err)

	current := s.Current()
	for rev := uint64(0); rev <= current.Revision; rev++ {
		snap, ok := s.SnapshotAt(rev)
		require.True(t, ok, "revision %d must be retained", rev)
		replayed, err := snap.Apply(s.Diff(snap))
		require.NoError(t, err, "diff from revision %d must apply", rev)
		assertContentsEqual(t, current, replayed)
	}
}

func TestDiffBetweenRetainedSnapshotPairs(t *testing.T) {
	s := NewStore()
	a := entity("client-a")
	s.Append(wire.EntityAdded(a), wire.ComponentAdded(a.ID, transformAt(0)))
	_, err := s.Tick()
	require.NoError(t, err)
	s.Append(wire.ComponentUpdated(a.ID, transformAt(3)), wire.ComponentAdded(a.ID, wire.MustComponent(wire.Collision{Static: true})))
	_, err = s.Tick()
	require.NoError(t, err)
	s.Append(wire.ComponentRemoved(a, wire.MustComponent(wire.Collision{Static: true})))
	_, err = s.Tick()
	require.NoError(t, err)

	for from := uint64(0); from < 3; from++ {
		for to := from + 1; to <= 3; to++ {
			snapFrom, ok := s.SnapshotAt(from)
			require.True(t, ok)
			snapTo, ok := s.SnapshotAt(to)
			require.True(t, ok)
			replayed, err := snapFrom.Apply(Diff(snapFrom, snapTo))
			require.NoError(t, err)
			assertContentsEqual(t, snapTo, replayed)
		}
	}
}

func TestVanishedComponentTypeStillEmitsRemovals(t *testing.T) {
	s := NewStore()
	e := entity("client-a")
	coll := wire.MustComponent(wire.Collision{Static: true})
	s.Append(wire.EntityAdded(e), wire.ComponentAdded(e.ID, coll))
	_, err := s.Tick()
	require.NoError(t, err)
	withCollision := s.Current()

	s.Append(wire.ComponentRemoved(e, coll))
	_, err = s.Tick()
	require.NoError(t, err)

	diff := Diff(withCollision, s.Current())
	require.Len(t, diff.Changes, 1)
	assert.Equal(t, wire.ChangeComponentRemoved, diff.Changes[0].Kind)
	assert.Equal(t, wire.TypeCollision, diff.Changes[0].Component.TypeID())
}

func TestHistoryEvictionKeepsLastHundred(t *testing.T) {
	s := NewStore()
	for i := 0; i < historyCap+20; i++ {
		_, err := s.Tick()
		require.NoError(t, err)
	}

	_, ok := s.SnapshotAt(1)
	assert.False(t, ok, "revision 1 must have been evicted")
	_, ok = s.SnapshotAt(s.Revision())
	assert.True(t, ok)
	_, ok = s.SnapshotAt(s.Revision() - historyCap + 1)
	assert.True(t, ok)

	// Revision 0 always resolves to the empty snapshot.
	empty, ok := s.SnapshotAt(0)
	require.True(t, ok)
	assert.Empty(t, empty.Entities)
}

func TestAddedIsAlsoSignalledAsUpdated(t *testing.T) {
	s := NewStore()
	e := entity("client-a")

	var added, updated int
	s.OnComponentAdded(wire.TypeTransform, func(ComponentEvent) { added++ })
	s.OnComponentUpdated(wire.TypeTransform, func(ComponentEvent) { updated++ })

	s.Append(wire.EntityAdded(e), wire.ComponentAdded(e.ID, transformAt(1)))
	_, err := s.Tick()
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, updated, "a registered 'property changed' reaction must see additions too")

	s.Append(wire.ComponentUpdated(e.ID, transformAt(2)))
	_, err = s.Tick()
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, 2, updated)
}

func assertContentsEqual(t *testing.T, want, got Contents) {
	t.Helper()
	require.Equal(t, len(want.Entities), len(got.Entities))
	for id, e := range want.Entities {
		assert.Equal(t, e, got.Entities[id])
	}
	require.Equal(t, len(want.Components), len(got.Components))
	for typeID, byEntity := range want.Components {
		for id, comp := range byEntity {
			other, ok := got.Component(typeID, id)
			require.True(t, ok, "missing (%s, %s)", typeID, id)
			assert.True(t, comp.Equal(other), "component (%s, %s) differs", typeID, id)
		}
	}
}
