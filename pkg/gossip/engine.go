package gossip

import (
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// This file is the protocol engine: the three periodic tasks (probe tick,
// timeout sweep, anti-entropy tick) and the reactive handler for every
// message Kind. Node.run is the single goroutine that drives all of it —
// ticks and inbound messages are serialized through one select loop so
// Directory/StateManager mutations never race against handler logic.

type indirectWaiter struct {
	sender string
	at     time.Time
}

func (n *Node) run() {
	defer n.wg.Done()
	probeTicker := time.NewTicker(n.cfg.ProbeInterval)
	sweepTicker := time.NewTicker(n.cfg.ProbeInterval)
	syncTicker := time.NewTicker(n.cfg.SyncInterval)
	defer probeTicker.Stop()
	defer sweepTicker.Stop()
	defer syncTicker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case in, ok := <-n.transport.Inbound():
			if !ok {
				return
			}
			n.handle(in.Message, in.From)
		case <-probeTicker.C:
			n.probeTick()
		case <-sweepTicker.C:
			n.timeoutSweepTick()
		case <-syncTicker.C:
			n.antiEntropyTick()
		}
	}
}

// probeTick runs the probe-tick periodic task: pick one random alive peer
// with no outstanding ping and send it a direct ping.
func (n *Node) probeTick() {
	candidates := n.dir.AlivePeers()
	eligible := candidates[:0]
	for _, m := range candidates {
		if m.PendingPingAt.IsZero() {
			eligible = append(eligible, m)
		}
	}
	if len(eligible) == 0 {
		return
	}
	target := eligible[rand.Intn(len(eligible))]
	now := time.Now()
	n.dir.MarkProbed(target.Address, now)
	n.send(n.newMessage(KindPing, target.Address, "", 0), target.Address)
}

// timeoutSweepTick runs the timeout-sweep task: demote and disseminate on
// alive->suspect, disseminate and remove on suspect->dead.
func (n *Node) timeoutSweepTick() {
	now := time.Now()
	results := n.fd.sweep(now)
	for _, r := range results {
		if r.Removable {
			n.dir.Remove(r.Address)
			continue
		}
		switch r.Event.New {
		case StatusSuspect:
			n.log.Debug("member suspected", zap.String("addr", r.Address))
			n.broadcast(n.newMessage(KindSuspect, r.Address, "", r.Event.Member.Incarnation))
			n.indirectPing(r.Address, r.Event.Member.Incarnation)
		case StatusDead:
			n.log.Info("member failed", zap.String("addr", r.Address))
			n.broadcast(n.newMessage(KindDead, r.Address, "", r.Event.Member.Incarnation))
			n.dir.Remove(r.Address)
		}
	}
	n.sweepPendingIndirect(now)
	n.metrics.onMemberCounts(len(n.dir.AlivePeers()), len(n.dir.SuspectPeers()), len(n.dir.DeadPeers()))
}

// antiEntropyTick runs the anti-entropy task: repair drift from dropped
// state_update messages by shipping a full snapshot to one random alive
// peer. While the directory remains size-1 (no peers joined yet) this
// also retries the configured seeds, opportunistically, until one answers,
// and logs once if none has answered within the configured bootstrap
// timeout — the node keeps retrying rather than giving up, but an operator
// watching logs learns its seed list isn't reachable instead of it staying
// silently stuck as a standalone cluster of one.
func (n *Node) antiEntropyTick() {
	peers := n.dir.AlivePeers()
	if len(peers) == 0 {
		if n.dir.Size() == 1 {
			n.checkBootstrapTimeout()
			n.retrySeeds()
		}
		return
	}
	target := peers[rand.Intn(len(peers))]
	snap := n.state.Snapshot()
	n.send(n.newStateSyncMessage(snap), target.Address)
	n.metrics.onAntiEntropySync()
	n.metrics.onStateKeys(stateKeyCount(snap))
}

func stateKeyCount(snap Snapshot) int {
	total := 0
	for _, bucket := range snap.State {
		total += len(bucket)
	}
	return total
}

// indirectPing implements the indirect-probe fan-out: up to Fanout random
// alive peers (excluding self and target) each get a ping_req asking them
// to probe target directly on this node's behalf.
func (n *Node) indirectPing(target string, incarnation uint64) {
	candidates := n.dir.AlivePeers()
	helpers := make([]string, 0, len(candidates))
	for _, m := range candidates {
		if m.Address != target {
			helpers = append(helpers, m.Address)
		}
	}
	rand.Shuffle(len(helpers), func(i, j int) { helpers[i], helpers[j] = helpers[j], helpers[i] })
	if len(helpers) > n.cfg.IndirectFanout {
		helpers = helpers[:n.cfg.IndirectFanout]
	}
	self := n.dir.Self().Address
	for _, h := range helpers {
		msg := n.newMessage(KindPingReq, target, self, incarnation)
		n.send(msg, h)
	}
}

// sweepPendingIndirect drops indirect-probe waiter records that have aged
// past SuspectTimeout without an ack — the target will have been (or will
// shortly be) independently marked suspect/dead by the timeout sweep, so
// there is nothing further to relay.
func (n *Node) sweepPendingIndirect(now time.Time) {
	n.indirectMu.Lock()
	defer n.indirectMu.Unlock()
	for target, waiters := range n.pendingIndirect {
		kept := waiters[:0]
		for _, w := range waiters {
			if now.Sub(w.at) <= n.cfg.SuspectTimeout {
				kept = append(kept, w)
			}
		}
		if len(kept) == 0 {
			delete(n.pendingIndirect, target)
		} else {
			n.pendingIndirect[target] = kept
		}
	}
}

// ---- message dispatch ----

func (n *Node) handle(msg *Message, from string) {
	if msg == nil {
		return
	}
	switch msg.Kind {
	case KindJoin:
		n.handleJoin(msg)
	case KindAck:
		n.handleAck(msg)
	case KindPing:
		n.handlePing(msg)
	case KindPingReq:
		n.handlePingReq(msg)
	case KindPingAck:
		n.handlePingAck(msg)
	case KindSuspect:
		n.handleSuspect(msg)
	case KindAlive:
		n.handleAlive(msg)
	case KindDead:
		n.handleDead(msg)
	case KindMembers:
		n.handleMembers(msg)
	case KindStateSync:
		n.handleStateSync(msg)
	case KindStateUpdate:
		n.handleStateUpdate(msg)
	default:
		n.log.Warn("dropping message with unknown kind", zap.Uint8("kind", uint8(msg.Kind)))
	}
}

// discover is the common "idempotent discovery" side effect shared by join
// and ping handling: insert the sender if unknown, marking it alive at the
// incarnation it announced.
func (n *Node) discover(addr string, incarnation uint64) {
	if addr == n.dir.Self().Address {
		return
	}
	if _, ok := n.dir.Get(addr); !ok {
		n.dir.Add(newMember(addr, incarnation, StatusAlive, time.Now()))
	}
}

func (n *Node) handleJoin(msg *Message) {
	if msg.Sender == n.dir.Self().Address {
		return
	}
	n.discover(msg.Sender, msg.Incarnation)
	n.send(n.newMessage(KindAck, msg.Sender, "", 0), msg.Sender)
	n.send(n.newMembersMessage(), msg.Sender)
	n.broadcastExcept(n.newMessage(KindAlive, msg.Sender, "", msg.Incarnation), msg.Sender)
}

func (n *Node) handleAck(msg *Message) {
	now := time.Now()
	n.dir.RestoreAlive(msg.Sender, now)
	n.relayIndirect(msg.Sender, now)
}

func (n *Node) handlePing(msg *Message) {
	n.discover(msg.Sender, msg.Incarnation)
	n.send(n.newMessage(KindAck, msg.Sender, "", 0), msg.Sender)
}

func (n *Node) handlePingReq(msg *Message) {
	if msg.Target == n.dir.Self().Address {
		return
	}
	n.indirectMu.Lock()
	n.pendingIndirect[msg.Target] = append(n.pendingIndirect[msg.Target], indirectWaiter{sender: msg.Sender, at: time.Now()})
	n.indirectMu.Unlock()
	n.send(n.newMessage(KindPing, msg.Target, "", 0), msg.Target)
}

func (n *Node) handlePingAck(msg *Message) {
	n.dir.RestoreAlive(msg.Target, time.Now())
}

// relayIndirect forwards an ack received for target to every node that
// asked this node (via ping_req) to probe target on its behalf.
func (n *Node) relayIndirect(target string, now time.Time) {
	n.indirectMu.Lock()
	waiters := n.pendingIndirect[target]
	delete(n.pendingIndirect, target)
	n.indirectMu.Unlock()
	if len(waiters) == 0 {
		return
	}
	self := n.dir.Self().Address
	for _, w := range waiters {
		n.send(n.newMessage(KindPingAck, target, self, 0), w.sender)
	}
}

func (n *Node) handleSuspect(msg *Message) {
	self := n.dir.Self()
	now := time.Now()
	if msg.Target == self.Address {
		newInc := n.dir.BumpIncarnation(now)
		n.broadcast(n.newMessage(KindAlive, self.Address, "", newInc))
		return
	}
	transitioned, _ := n.dir.UpdateStatus(msg.Target, StatusSuspect, msg.Incarnation, now)
	if transitioned {
		if m, ok := n.dir.Get(msg.Target); ok && m.Status == StatusSuspect {
			n.indirectPing(msg.Target, msg.Incarnation)
		}
	}
}

func (n *Node) handleAlive(msg *Message) {
	now := time.Now()
	n.dir.UpdateStatus(msg.Target, StatusAlive, msg.Incarnation, now)
	n.dir.ClearPending(msg.Target, now)
}

func (n *Node) handleDead(msg *Message) {
	self := n.dir.Self()
	now := time.Now()
	if msg.Target == self.Address {
		newInc := n.dir.BumpIncarnation(now)
		n.broadcast(n.newMessage(KindAlive, self.Address, "", newInc))
		return
	}
	transitioned, _ := n.dir.UpdateStatus(msg.Target, StatusDead, msg.Incarnation, now)
	if transitioned {
		n.dir.Remove(msg.Target)
	}
}

func (n *Node) handleMembers(msg *Message) {
	now := time.Now()
	for _, addr := range msg.Members {
		if addr == n.dir.Self().Address {
			continue
		}
		if _, ok := n.dir.Get(addr); !ok {
			n.dir.Add(newMember(addr, 0, StatusAlive, now))
		}
	}
}

func (n *Node) handleStateSync(msg *Message) {
	if msg.Snapshot == nil {
		return
	}
	n.state.ApplySnapshot(*msg.Snapshot)
}

func (n *Node) handleStateUpdate(msg *Message) {
	n.state.MergeUpdate(msg.Updates)
}

// ---- message construction & send helpers ----

func (n *Node) newMessage(kind Kind, target, helper string, incarnation uint64) *Message {
	return &Message{
		Kind:        kind,
		Sender:      n.dir.Self().Address,
		Target:      target,
		Helper:      helper,
		Incarnation: incarnation,
		Timestamp:   float64(time.Now().UnixNano()) / 1e9,
	}
}

func (n *Node) newMembersMessage() *Message {
	addrs := make([]string, 0)
	for _, m := range n.dir.Members() {
		addrs = append(addrs, m.Address)
	}
	return &Message{
		Kind:      KindMembers,
		Sender:    n.dir.Self().Address,
		Members:   addrs,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
}

func (n *Node) newStateSyncMessage(snap Snapshot) *Message {
	return &Message{
		Kind:      KindStateSync,
		Sender:    n.dir.Self().Address,
		Snapshot:  &snap,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
}

func (n *Node) send(msg *Message, addr string) {
	if !n.transport.SendMessage(msg, addr) {
		n.metrics.onSendError()
	} else {
		n.metrics.onSend(msg.Kind)
	}
}

func (n *Node) broadcast(msg *Message) {
	targets := n.dir.BroadcastTargets()
	n.transport.BroadcastMessage(msg, targets)
	n.metrics.onBroadcast(msg.Kind, len(targets))
}

func (n *Node) broadcastExcept(msg *Message, except string) {
	targets := n.dir.BroadcastTargets()
	filtered := targets[:0]
	for _, a := range targets {
		if a != except {
			filtered = append(filtered, a)
		}
	}
	n.transport.BroadcastMessage(msg, filtered)
	n.metrics.onBroadcast(msg.Kind, len(filtered))
}
