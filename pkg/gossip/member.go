package gossip

import "time"

// Member is this node's view of one peer: its address, the owner-minted
// incarnation it was last seen at, its lifecycle status, and the timing
// fields the failure detector needs to drive suspicion and removal.
//
// A Member is mutated only while its owning Directory's lock is held;
// callers outside this package only ever see copies (Directory.Get and the
// peer-view helpers return values, not pointers).
type Member struct {
	Address           string    // immutable
	Incarnation       uint64    // owner-incremented to refute suspicion
	Status            Status
	LastStateChangeAt time.Time
	LastResponseAt    time.Time
	PendingPingAt     time.Time // zero value means no outstanding probe
}

func newMember(addr string, incarnation uint64, status Status, now time.Time) Member {
	return Member{
		Address:           addr,
		Incarnation:       incarnation,
		Status:            status,
		LastStateChangeAt: now,
		LastResponseAt:    now,
	}
}

// severity orders alive < suspect < dead, matching the Status iota order.
func severity(s Status) int { return int(s) }

// update absorbs a (status, incarnation) pair observed for this member: it
// applies only if it carries a strictly higher incarnation, or an equal
// incarnation with strictly higher severity. It reports whether the
// member's status changed. pendingPingAt is cleared whenever the member
// leaves alive; on the ack paths it is cleared by restoreAlive.
func (m *Member) update(newStatus Status, newIncarnation uint64, now time.Time) bool {
	if newIncarnation < m.Incarnation {
		return false
	}
	if newIncarnation == m.Incarnation && severity(newStatus) <= severity(m.Status) {
		return false
	}
	prev := m.Status
	m.Incarnation = newIncarnation
	m.Status = newStatus
	m.LastStateChangeAt = now
	if newStatus != StatusAlive {
		m.PendingPingAt = time.Time{}
	}
	return prev != newStatus
}

// clearPending clears an outstanding probe and marks the member responsive,
// called when an alive message for the member arrives.
func (m *Member) clearPending(now time.Time) {
	m.PendingPingAt = time.Time{}
	m.LastResponseAt = now
}

// restoreAlive unconditionally forces the member back to alive at its
// current incarnation and clears any pending probe. Unlike update, it is
// never severity-gated: an ack or ping_ack is first-hand evidence the
// member answered just now, not a disseminated (possibly stale) claim
// about its status, so the same replay protection that guards suspect/
// alive/dead broadcasts must not also swallow live probe evidence. It
// reports whether the status actually changed.
func (m *Member) restoreAlive(now time.Time) bool {
	prev := m.Status
	m.Status = StatusAlive
	m.LastStateChangeAt = now
	m.LastResponseAt = now
	m.PendingPingAt = time.Time{}
	return prev != StatusAlive
}

// markProbed records that a direct ping was just sent and is awaiting a
// reply.
func (m *Member) markProbed(now time.Time) {
	m.PendingPingAt = now
}

// timeoutTransition describes the result of checkTimeouts.
type timeoutTransition struct {
	occurred bool
	from, to Status
}

// checkTimeouts drives the fixed-threshold timeout transitions: a pending
// ping older than tPing demotes alive to suspect; a suspect older than
// tSuspect demotes to dead; a dead member older than tDead is eligible for
// removal (signaled via the Removable return, left to the caller/Directory
// to act on).
func (m *Member) checkTimeouts(now time.Time, tPing, tSuspect, tDead time.Duration) (t timeoutTransition, removable bool) {
	switch m.Status {
	case StatusAlive:
		if !m.PendingPingAt.IsZero() && now.Sub(m.PendingPingAt) > tPing {
			from := m.Status
			m.Status = StatusSuspect
			m.LastStateChangeAt = now
			m.PendingPingAt = time.Time{}
			return timeoutTransition{occurred: true, from: from, to: StatusSuspect}, false
		}
	case StatusSuspect:
		if now.Sub(m.LastStateChangeAt) > tSuspect {
			from := m.Status
			m.Status = StatusDead
			m.LastStateChangeAt = now
			return timeoutTransition{occurred: true, from: from, to: StatusDead}, false
		}
	case StatusDead:
		if now.Sub(m.LastStateChangeAt) > tDead {
			return timeoutTransition{}, true
		}
	}
	return timeoutTransition{}, false
}
