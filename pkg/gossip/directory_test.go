package gossip

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectoryAddIsIdempotent(t *testing.T) {
	d := NewDirectory("self:1", time.Now())
	m := newMember("peer:1", 0, StatusAlive, time.Now())

	assert.True(t, d.Add(m))
	assert.False(t, d.Add(m), "adding the same address twice must be a no-op")
	assert.Equal(t, 2, d.Size()) // self + peer
}

func TestDirectoryRemoveIsIdempotent(t *testing.T) {
	d := NewDirectory("self:1", time.Now())
	d.Add(newMember("peer:1", 0, StatusAlive, time.Now()))

	_, ok := d.Remove("peer:1")
	assert.True(t, ok)
	_, ok = d.Remove("peer:1")
	assert.False(t, ok, "removing an already-absent address must report false, not panic")
}

func TestDirectoryUpdateStatusInsertsUnknownPeer(t *testing.T) {
	d := NewDirectory("self:1", time.Now())
	transitioned, _ := d.UpdateStatus("peer:1", StatusSuspect, 2, time.Now())
	assert.True(t, transitioned)

	m, ok := d.Get("peer:1")
	require.True(t, ok)
	assert.Equal(t, StatusSuspect, m.Status)
	assert.EqualValues(t, 2, m.Incarnation)
}

func TestDirectoryUpdateStatusHonorsIncarnationRules(t *testing.T) {
	d := NewDirectory("self:1", time.Now())
	d.UpdateStatus("peer:1", StatusAlive, 5, time.Now())

	transitioned, _ := d.UpdateStatus("peer:1", StatusDead, 4, time.Now())
	assert.False(t, transitioned, "a stale incarnation must never override a newer one")

	m, _ := d.Get("peer:1")
	assert.Equal(t, StatusAlive, m.Status)
}

func TestDirectoryBroadcastTargetsExcludeSelfAndDead(t *testing.T) {
	d := NewDirectory("self:1", time.Now())
	d.Add(newMember("alive:1", 0, StatusAlive, time.Now()))
	d.Add(newMember("suspect:1", 0, StatusSuspect, time.Now()))
	d.Add(newMember("dead:1", 0, StatusDead, time.Now()))

	targets := d.BroadcastTargets()
	assert.ElementsMatch(t, []string{"alive:1", "suspect:1"}, targets)
}

func TestDirectoryPeerFilters(t *testing.T) {
	d := NewDirectory("self:1", time.Now())
	d.Add(newMember("alive:1", 0, StatusAlive, time.Now()))
	d.Add(newMember("suspect:1", 0, StatusSuspect, time.Now()))
	d.Add(newMember("dead:1", 0, StatusDead, time.Now()))

	assert.Len(t, d.AlivePeers(), 1)
	assert.Len(t, d.SuspectPeers(), 1)
	assert.Len(t, d.DeadPeers(), 1)
}

func TestDirectorySubscribersDispatchOffLock(t *testing.T) {
	d := NewDirectory("self:1", time.Now())

	var mu sync.Mutex
	var seen []EventKind
	d.Subscribe(func(ev MemberEvent) {
		// re-entering the directory from inside the callback must not
		// deadlock, proving dispatch runs with the lock released.
		d.Size()
		mu.Lock()
		seen = append(seen, ev.Kind)
		mu.Unlock()
	})

	d.Add(newMember("peer:1", 0, StatusAlive, time.Now()))
	d.UpdateStatus("peer:1", StatusSuspect, 1, time.Now())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventKind{MemberJoined, MemberSuspected}, seen)
}

func TestDirectorySubscriberPanicDoesNotBreakDispatch(t *testing.T) {
	d := NewDirectory("self:1", time.Now())
	called := false
	d.Subscribe(func(MemberEvent) { panic("boom") })
	d.Subscribe(func(MemberEvent) { called = true })

	assert.NotPanics(t, func() {
		d.Add(newMember("peer:1", 0, StatusAlive, time.Now()))
	})
	assert.True(t, called, "a panicking subscriber must not prevent later ones from running")
}

func TestDirectoryCheckTimeoutsSweep(t *testing.T) {
	start := time.Now()
	d := NewDirectory("self:1", start)
	d.Add(newMember("peer:1", 0, StatusAlive, start))
	d.MarkProbed("peer:1", start)

	results := d.CheckTimeouts(start.Add(time.Second), 500*time.Millisecond, 5*time.Second, 30*time.Second)
	require.Len(t, results, 1)
	assert.Equal(t, "peer:1", results[0].Address)
	assert.Equal(t, StatusSuspect, results[0].Event.New)
}

func TestDirectoryRestoreAliveOverridesSuspectAtSameIncarnation(t *testing.T) {
	// A member demoted to suspect by the timeout sweep, then answering a
	// late direct ack or a relayed indirect ping_ack, must return to alive
	// even though the wire carries no higher incarnation for it — first-
	// hand probe evidence must not be subject to the same severity gate
	// that protects disseminated suspect/alive/dead messages from replay.
	d := NewDirectory("self:1", time.Now())
	d.Add(newMember("peer:1", 3, StatusAlive, time.Now()))
	d.UpdateStatus("peer:1", StatusSuspect, 3, time.Now())

	m, _ := d.Get("peer:1")
	require.Equal(t, StatusSuspect, m.Status)

	transitioned, old := d.RestoreAlive("peer:1", time.Now())
	assert.True(t, transitioned)
	assert.Equal(t, StatusSuspect, old)

	m, _ = d.Get("peer:1")
	assert.Equal(t, StatusAlive, m.Status)
	assert.True(t, m.PendingPingAt.IsZero())
}

func TestDirectoryBumpIncarnationIsMonotonic(t *testing.T) {
	d := NewDirectory("self:1", time.Now())
	first := d.BumpIncarnation(time.Now())
	second := d.BumpIncarnation(time.Now())
	assert.Greater(t, second, first)
}
