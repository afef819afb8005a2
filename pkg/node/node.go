package node

import (
	"github.com/ryandielhenn/clustermesh/pkg/gossip"
	"github.com/ryandielhenn/clustermesh/pkg/kv"
	"github.com/ryandielhenn/clustermesh/pkg/ring"
)

// Node is the example consumer service: it serves a data-plane cache over
// HTTP, routes keys to owners with a consistent-hash ring, and consults a
// gossip.Gossip for cluster membership. It never reaches into the gossip
// package's Directory or StateManager directly — only through the narrow
// Gossip interface.
type Node struct {
	kv    *kv.Store
	ring  *ring.HashRing
	addr  string
	gsp   gossip.Gossip
	rf    int
}

func NewNode(store *kv.Store, r *ring.HashRing, addr string) *Node {
	return NewNodeRF(store, r, addr, 3)
}

func NewNodeRF(store *kv.Store, r *ring.HashRing, addr string, replicationFactor int) *Node {
	return &Node{
		kv:   store,
		ring: r,
		addr: addr,
		rf:   replicationFactor,
	}
}

func (n *Node) AddPeer(id string, hostport string) {
	n.ring.Add(id, hostport)
}

func (n *Node) ClearPeers() {
	n.ring.Clear()
}

func (n *Node) Addr() string {
	return n.addr
}

// WireGossip attaches a membership source and keeps the routing ring in
// sync with it automatically: a peer entering the alive set is added to
// the ring, and a peer leaving it (suspect or dead) is removed. This
// replaces the previous etcd-watch-only wiring, which updated the ring
// directly from discovery events with no membership protocol in between.
func (n *Node) WireGossip(g gossip.Gossip) {
	n.gsp = g
	for _, addr := range g.AliveMembers() {
		n.ring.Add(addr, addr)
	}
	g.OnMemberChange(func(address string, old, new gossip.Status) {
		if new == gossip.StatusAlive {
			n.ring.Add(address, address)
			return
		}
		n.ring.Remove(address)
	})
}

// Gossip returns the membership source wired via WireGossip, or nil.
func (n *Node) Gossip() gossip.Gossip {
	return n.gsp
}
