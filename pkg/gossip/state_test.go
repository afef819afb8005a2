package gossip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateManagerSetAndGet(t *testing.T) {
	s := NewStateManager("node-a")
	changed := s.Set("default", "region", "us-east")
	assert.True(t, changed)

	v, ok := s.Get("default", "region")
	require.True(t, ok)
	assert.Equal(t, "us-east", v)
}

func TestStateManagerSetSameValueIsNoOp(t *testing.T) {
	s := NewStateManager("node-a")
	s.Set("default", "region", "us-east")
	changed := s.Set("default", "region", "us-east")
	assert.False(t, changed, "resending an identical value must not inflate the version vector")
}

func TestStateManagerDeleteIsIdempotent(t *testing.T) {
	s := NewStateManager("node-a")
	s.Set("default", "region", "us-east")

	assert.True(t, s.Delete("default", "region"))
	assert.False(t, s.Delete("default", "region"))

	_, ok := s.Get("default", "region")
	assert.False(t, ok)
}

func TestStateManagerMergeUpdateAcceptsDominantVector(t *testing.T) {
	local := NewStateManager("node-a")
	local.Set("default", "k", "v1")

	remote := NewStateManager("node-b")
	remote.MergeUpdate([]StateUpdate{
		{Namespace: "default", Key: "k", Value: "v1", Op: OpSet, VV: map[string]uint64{"node-a": 1}},
	})
	remote.MergeUpdate([]StateUpdate{
		{Namespace: "default", Key: "k", Value: "v2", Op: OpSet, VV: map[string]uint64{"node-a": 2}},
	})

	v, ok := remote.Get("default", "k")
	require.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestStateManagerMergeUpdateRejectsStaleVector(t *testing.T) {
	s := NewStateManager("node-a")
	s.MergeUpdate([]StateUpdate{
		{Namespace: "default", Key: "k", Value: "v2", Op: OpSet, VV: map[string]uint64{"node-a": 2}},
	})
	s.MergeUpdate([]StateUpdate{
		{Namespace: "default", Key: "k", Value: "v1", Op: OpSet, VV: map[string]uint64{"node-a": 1}},
	})

	v, _ := s.Get("default", "k")
	assert.Equal(t, "v2", v, "a componentwise-dominated update must be dropped")
}

func TestStateManagerMergeUpdateConcurrentWritesConverge(t *testing.T) {
	// Two replicas each take a concurrent, incomparable write and then
	// merge the other's update; both must land on the same value.
	rA := NewStateManager("node-a")
	rA.Set("default", "k", "from-a")
	rB := NewStateManager("node-b")
	rB.Set("default", "k", "from-b")

	updateFromA := StateUpdate{Namespace: "default", Key: "k", Value: "from-a", Op: OpSet, VV: map[string]uint64{"node-a": 1}}
	updateFromB := StateUpdate{Namespace: "default", Key: "k", Value: "from-b", Op: OpSet, VV: map[string]uint64{"node-b": 1}}

	rA.MergeUpdate([]StateUpdate{updateFromB})
	rB.MergeUpdate([]StateUpdate{updateFromA})

	vA, _ := rA.Get("default", "k")
	vB, _ := rB.Get("default", "k")
	assert.Equal(t, vA, vB, "concurrent writes must converge to the same deterministic winner on every replica")
}

func TestStateManagerSnapshotRoundTrip(t *testing.T) {
	s := NewStateManager("node-a")
	s.Set("default", "k1", "v1")
	s.Set("other", "k2", float64(42))

	snap := s.Snapshot()
	assert.Equal(t, snap.Checksum, checksumOf(snap.State))

	fresh := NewStateManager("node-b")
	applied := fresh.ApplySnapshot(snap)
	assert.True(t, applied)

	v, ok := fresh.Get("default", "k1")
	require.True(t, ok)
	assert.Equal(t, "v1", v)
}

func TestStateManagerApplySnapshotRejectsCorruptChecksum(t *testing.T) {
	s := NewStateManager("node-a")
	s.Set("default", "k1", "v1")
	snap := s.Snapshot()
	snap.Checksum = "not-the-real-checksum"

	fresh := NewStateManager("node-b")
	applied := fresh.ApplySnapshot(snap)
	assert.False(t, applied)
}

func TestStateManagerApplySnapshotRejectsStaleVersion(t *testing.T) {
	s := NewStateManager("node-a")
	s.Set("default", "k1", "v1")
	staleSnap := s.Snapshot()

	s.Set("default", "k1", "v2")
	s.Set("default", "k2", "v3")

	fresh := NewStateManager("node-b")
	fresh.ApplySnapshot(s.Snapshot())
	applied := fresh.ApplySnapshot(staleSnap)
	assert.False(t, applied, "a snapshot at an older version must never roll back a newer local state")
}

func TestStateManagerDeleteTombstoneDominatesStaleRemoteCopy(t *testing.T) {
	// node-a sets then deletes a key; node-b never saw the delete and
	// still holds the old value. Merging node-a's delete (read back via
	// VersionVector, the way disseminateState does) into node-b must
	// remove the key there too, not be dropped as already-observed.
	a := NewStateManager("node-a")
	a.Set("default", "region", "us-east")

	b := NewStateManager("node-b")
	b.MergeUpdate([]StateUpdate{
		{Namespace: "default", Key: "region", Value: "us-east", Op: OpSet, VV: map[string]uint64{"node-a": 1}},
	})
	v, ok := b.Get("default", "region")
	require.True(t, ok)
	assert.Equal(t, "us-east", v)

	a.Delete("default", "region")
	deleteVV := a.VersionVector("default", "region")
	require.NotNil(t, deleteVV, "a tombstoned key must still carry a version vector for dissemination")
	assert.Equal(t, uint64(2), deleteVV["node-a"])

	b.MergeUpdate([]StateUpdate{
		{Namespace: "default", Key: "region", Op: OpDelete, VV: deleteVV},
	})

	_, ok = b.Get("default", "region")
	assert.False(t, ok, "a delete's tombstone VV must dominate a peer's stale copy and remove the key")
}

func TestStateManagerMergeUpdateIgnoresEmptyVVAgainstLiveEntry(t *testing.T) {
	// Regression guard: an update carrying an empty version vector (what
	// a buggy dissemination path would send for a just-deleted key if it
	// read the vector after the delete already dropped the entry) must
	// never be treated as dominant over a live local entry.
	s := NewStateManager("node-a")
	s.Set("default", "k", "v1")

	s.MergeUpdate([]StateUpdate{
		{Namespace: "default", Key: "k", Op: OpDelete, VV: map[string]uint64{}},
	})

	v, ok := s.Get("default", "k")
	assert.True(t, ok, "an empty VV must not be able to evict a causally unrelated live entry")
	assert.Equal(t, "v1", v)
}

func TestStateManagerSubscribersSeeSetAndDelete(t *testing.T) {
	s := NewStateManager("node-a")
	var events []StateEvent
	s.Subscribe(func(ev StateEvent) { events = append(events, ev) })

	s.Set("default", "k", "v1")
	s.Delete("default", "k")

	require.Len(t, events, 2)
	assert.Equal(t, StateSet, events[0].Op)
	assert.Equal(t, StateDelete, events[1].Op)
}
