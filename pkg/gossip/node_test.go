package gossip

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freePort asks the kernel for an unused UDP port on loopback. There is an
// inherent TOCTOU race between closing this socket and the caller binding
// the real one, but it is the same tradeoff net/http/httptest makes and is
// fine for test-only port allocation.
func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func newTestNode(t *testing.T, seeds []string, overrides func(*Config)) *Node {
	t.Helper()
	cfg := Config{
		Host:           "127.0.0.1",
		Port:           freePort(t),
		Seeds:          seeds,
		ProbeInterval:  50 * time.Millisecond,
		PingTimeout:    100 * time.Millisecond,
		SuspectTimeout: 300 * time.Millisecond,
		DeadGrace:      200 * time.Millisecond,
		SyncInterval:   100 * time.Millisecond,
	}
	if overrides != nil {
		overrides(&cfg)
	}
	n, err := NewNode(cfg)
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(func() { n.Stop() })
	return n
}

func TestNodeJoinConverges(t *testing.T) {
	seed := newTestNode(t, nil, nil)
	peer := newTestNode(t, []string{seed.Addr()}, nil)

	require.Eventually(t, func() bool {
		return contains(seed.AliveMembers(), peer.Addr()) && contains(peer.AliveMembers(), seed.Addr())
	}, 3*time.Second, 25*time.Millisecond, "both nodes should discover each other as alive")
}

func TestNodeMetadataGossipsToPeers(t *testing.T) {
	seed := newTestNode(t, nil, nil)
	peer := newTestNode(t, []string{seed.Addr()}, nil)

	require.Eventually(t, func() bool {
		return contains(seed.AliveMembers(), peer.Addr())
	}, 3*time.Second, 25*time.Millisecond)

	seed.SetMetadata("region", "us-east", "config")

	require.Eventually(t, func() bool {
		v, ok := peer.GetMetadata("region", "config")
		return ok && v == "us-east"
	}, 3*time.Second, 25*time.Millisecond, "metadata write on one node should converge to the other via gossip")
}

func TestNodeDeadMemberDetectedAfterStop(t *testing.T) {
	seed := newTestNode(t, nil, nil)
	peer := newTestNode(t, []string{seed.Addr()}, nil)

	require.Eventually(t, func() bool {
		return contains(seed.AliveMembers(), peer.Addr())
	}, 3*time.Second, 25*time.Millisecond)

	require.NoError(t, peer.Stop())

	require.Eventually(t, func() bool {
		return !contains(seed.AliveMembers(), peer.Addr())
	}, 5*time.Second, 25*time.Millisecond, "a stopped peer must eventually leave the alive set via suspect/dead timeouts")
}

func TestNodeMemberChangeCallback(t *testing.T) {
	seed := newTestNode(t, nil, nil)

	events := make(chan struct {
		addr     string
		old, new Status
	}, 16)
	seed.OnMemberChange(func(addr string, old, new Status) {
		events <- struct {
			addr     string
			old, new Status
		}{addr, old, new}
	})

	peer := newTestNode(t, []string{seed.Addr()}, nil)

	select {
	case ev := <-events:
		assert.Equal(t, peer.Addr(), ev.addr)
	case <-time.After(3 * time.Second):
		t.Fatal("expected a member_joined callback")
	}
}

// TestNodeSelfSuspicionRefutation drives the self-refutation path
// end-to-end: a peer observes a (stale) suspicion of itself, must bump its
// own incarnation and broadcast alive at the new incarnation, and the
// node that raised the suspicion must restore it to alive once that
// broadcast arrives.
func TestNodeSelfSuspicionRefutation(t *testing.T) {
	seed := newTestNode(t, nil, nil)
	peer := newTestNode(t, []string{seed.Addr()}, nil)

	require.Eventually(t, func() bool {
		return contains(seed.AliveMembers(), peer.Addr()) && contains(peer.AliveMembers(), seed.Addr())
	}, 3*time.Second, 25*time.Millisecond)

	var incBefore uint64
	for _, m := range peer.Members() {
		if m.Address == peer.Addr() {
			incBefore = m.Incarnation
		}
	}

	// Inject a suspicion of peer at peer itself, as if another member in
	// the cluster had raised it after a missed probe.
	peer.handle(&Message{
		Kind:        KindSuspect,
		Sender:      seed.Addr(),
		Target:      peer.Addr(),
		Incarnation: incBefore,
		Timestamp:   float64(time.Now().UnixNano()) / 1e9,
	}, seed.Addr())

	var incAfter uint64
	for _, m := range peer.Members() {
		if m.Address == peer.Addr() {
			incAfter = m.Incarnation
		}
	}
	assert.Greater(t, incAfter, incBefore, "a node suspected of itself must bump its own incarnation to refute it")

	require.Eventually(t, func() bool {
		for _, m := range seed.Members() {
			if m.Address == peer.Addr() {
				return m.Status == StatusAlive && m.Incarnation > incBefore
			}
		}
		return false
	}, 2*time.Second, 25*time.Millisecond, "the suspecting peer must restore the refuting node to alive at its new incarnation")
}

// TestNodeAckRestoresAlreadySuspectMember drives handleAck directly against
// a member the directory has already demoted to suspect, confirming the ack
// restores it to alive instead of being silently dropped by the severity
// gate UpdateStatus enforces for disseminated suspect/alive/dead messages.
func TestNodeAckRestoresAlreadySuspectMember(t *testing.T) {
	n := newTestNode(t, nil, nil)

	peerAddr := "127.0.0.1:1"
	n.dir.Add(newMember(peerAddr, 1, StatusAlive, time.Now()))
	n.dir.UpdateStatus(peerAddr, StatusSuspect, 1, time.Now())
	require.True(t, contains(n.SuspectMembers(), peerAddr))

	n.handleAck(&Message{Kind: KindAck, Sender: peerAddr, Target: n.Addr()})

	assert.True(t, contains(n.AliveMembers(), peerAddr), "an ack from an already-suspect member must restore it to alive")
	assert.False(t, contains(n.SuspectMembers(), peerAddr))
}

// TestNodeCheckBootstrapTimeoutWarnsOnce verifies the bootstrap-timeout
// diagnostic fires exactly once per Start once the configured timeout has
// elapsed with no peer, and never fires while seeds are still within their
// grace period or when no seeds were configured at all.
func TestNodeCheckBootstrapTimeoutWarnsOnce(t *testing.T) {
	n := newTestNode(t, []string{"127.0.0.1:1"}, func(c *Config) {
		c.BootstrapTimeout = 10 * time.Millisecond
	})

	n.checkBootstrapTimeout()
	assert.False(t, n.bootstrapWarned, "must not warn before the timeout elapses")

	n.startedAt = time.Now().Add(-time.Hour)
	n.checkBootstrapTimeout()
	assert.True(t, n.bootstrapWarned, "must warn once the timeout has elapsed with a configured seed")

	n.bootstrapWarned = false
	n.cfg.Seeds = nil
	n.checkBootstrapTimeout()
	assert.False(t, n.bootstrapWarned, "must never warn when no seeds were configured")
}

func contains(ss []string, target string) bool {
	for _, s := range ss {
		if s == target {
			return true
		}
	}
	return false
}
