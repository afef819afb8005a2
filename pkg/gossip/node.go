package gossip

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Node is the public entry point described in the node-construction API:
// it wires together the Directory, StateManager, Transport and protocol
// engine, and exposes the read/write surface consumed by launchers, the
// HTTP introspection endpoint, and any other external collaborator that
// only needs membership and metadata snapshots — those collaborators never
// reach past this type into the Directory or StateManager directly.
type Node struct {
	cfg    Config
	nodeID string
	addr   string

	dir       *Directory
	state     *StateManager
	transport Transport
	fd        *failureDetector
	log       *zap.Logger
	metrics   recorder

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	startedAt       time.Time
	bootstrapWarned bool

	indirectMu      sync.Mutex
	pendingIndirect map[string][]indirectWaiter
}

// NewNode validates and constructs a Node bound to cfg.Host:cfg.Port. It
// does not bind the socket or start any goroutine — call Start for that.
func NewNode(cfg Config) (*Node, error) {
	cfg = cfg.withDefaults()
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("gossip: invalid port %d", cfg.Port)
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	now := time.Now()
	n := &Node{
		cfg:             cfg,
		nodeID:          newNodeID(),
		addr:            addr,
		dir:             NewDirectory(addr, now),
		transport:       NewUDPTransport(cfg.Host, cfg.Port, cfg.Logger),
		log:             cfg.Logger,
		metrics:         prometheusRecorder{},
		pendingIndirect: make(map[string][]indirectWaiter),
	}
	n.fd = newFailureDetector(n.dir, cfg.PingTimeout, cfg.SuspectTimeout, cfg.DeadGrace)
	n.state = NewStateManager(n.nodeID)

	for ns, kvs := range cfg.InitialMetadata {
		for k, v := range kvs {
			n.state.Set(ns, k, v)
		}
	}
	return n, nil
}

// Start binds the transport, launches the engine goroutine, and — if
// seeds are configured and self is not among them — sends a join to each
// seed. Start is idempotent.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return nil
	}
	if err := n.transport.Start(); err != nil {
		return err
	}
	n.stopCh = make(chan struct{})
	n.running = true
	n.startedAt = time.Now()
	n.bootstrapWarned = false
	n.wg.Add(1)
	go n.run()

	n.joinSeeds()
	return nil
}

// Stop idempotently shuts down the engine loop and the transport. It
// returns once the receive loop has observed the stop signal (bounded by
// the transport's own 2s join deadline).
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	close(n.stopCh)
	n.mu.Unlock()

	n.wg.Wait()
	return n.transport.Stop()
}

// joinSeeds sends a join to every configured seed, unless this node's own
// address is in the seed list, in which case it sends none.
func (n *Node) joinSeeds() {
	for _, seed := range n.cfg.Seeds {
		if seed == n.addr {
			return
		}
	}
	for _, seed := range n.cfg.Seeds {
		n.send(n.newMessage(KindJoin, "", "", n.dir.Self().Incarnation), seed)
	}
}

// retrySeeds re-runs joinSeeds; called opportunistically on anti-entropy
// ticks while this node is still a single-node cluster.
func (n *Node) retrySeeds() {
	n.joinSeeds()
}

// checkBootstrapTimeout logs once if this node still has no peers after
// cfg.BootstrapTimeout has elapsed since Start, given at least one seed was
// configured. It never stops retrying seeds on its own — the timeout is a
// diagnostic signal for an operator, not a reason to abandon the cluster.
func (n *Node) checkBootstrapTimeout() {
	if n.bootstrapWarned || len(n.cfg.Seeds) == 0 {
		return
	}
	if time.Since(n.startedAt) < n.cfg.BootstrapTimeout {
		return
	}
	n.bootstrapWarned = true
	n.log.Warn("bootstrap timeout exceeded with no seed response; continuing to retry as a standalone node",
		zap.Duration("bootstrap_timeout", n.cfg.BootstrapTimeout),
		zap.Strings("seeds", n.cfg.Seeds))
}

// Addr returns this node's own address.
func (n *Node) Addr() string { return n.addr }

// AliveMembers returns the addresses of every peer currently alive.
func (n *Node) AliveMembers() []string {
	return addressesOf(n.dir.AlivePeers())
}

// SuspectMembers returns the addresses of every peer currently suspect.
func (n *Node) SuspectMembers() []string {
	return addressesOf(n.dir.SuspectPeers())
}

// DeadMembers returns the addresses of every peer currently dead
// (transient: dead members are removed from the directory shortly after
// being announced, so this set only ever holds whatever hasn't yet been
// swept out by the timeout sweep).
func (n *Node) DeadMembers() []string {
	return addressesOf(n.dir.DeadPeers())
}

// Members returns a snapshot of every tracked member, including self.
func (n *Node) Members() []Member {
	return n.dir.Members()
}

func addressesOf(members []Member) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.Address)
	}
	return out
}

// GetMetadata reads key from namespace ns ("default" if empty).
func (n *Node) GetMetadata(key, ns string) (interface{}, bool) {
	return n.state.Get(normalizeNS(ns), key)
}

// SetMetadata writes key=value into namespace ns and disseminates the
// change as a state_update to the broadcast targets. It returns false
// only when the write was a no-op (value unchanged).
func (n *Node) SetMetadata(key string, value interface{}, ns string) bool {
	ns = normalizeNS(ns)
	if !n.state.Set(ns, key, value) {
		return false
	}
	n.disseminateState(ns, key, OpSet, value)
	return true
}

// DeleteMetadata removes key from namespace ns and disseminates the
// tombstone. It returns false if the key was already absent.
func (n *Node) DeleteMetadata(key, ns string) bool {
	ns = normalizeNS(ns)
	if !n.state.Delete(ns, key) {
		return false
	}
	n.disseminateState(ns, key, OpDelete, nil)
	return true
}

func (n *Node) disseminateState(ns, key string, op StateOp, value interface{}) {
	vv, _ := n.vvOf(ns, key)
	upd := StateUpdate{Namespace: ns, Key: key, Value: value, Op: op, VV: vv}
	msg := &Message{
		Kind:      KindStateUpdate,
		Sender:    n.addr,
		Updates:   []StateUpdate{upd},
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
	n.broadcast(msg)
}

// vvOf reads back the version vector currently on file for ns/key,
// including one held only by a delete's tombstone, so a just-deleted key
// is disseminated with its bumped vector rather than an empty one (which a
// peer still holding the key would treat as already observed and drop). It
// reads the single key directly off the StateManager instead of building a
// whole Snapshot.
func (n *Node) vvOf(ns, key string) (map[string]uint64, bool) {
	vv := n.state.VersionVector(ns, key)
	if vv == nil {
		return map[string]uint64{}, false
	}
	return vv, true
}

func normalizeNS(ns string) string {
	if ns == "" {
		return "default"
	}
	return ns
}

// OnMemberChange registers fn to be called for every membership event, as
// (address, old, new): on a status transition, and also when a member joins
// or is removed, in which case old and new are both its status at the time.
func (n *Node) OnMemberChange(fn MemberChangeFunc) {
	n.dir.Subscribe(func(ev MemberEvent) {
		fn(ev.Member.Address, ev.Old, ev.New)
	})
}

// OnMetadataChange registers fn to be called whenever a metadata key is
// set or deleted, locally or via gossip.
func (n *Node) OnMetadataChange(fn MetadataChangeFunc) {
	n.state.Subscribe(func(ev StateEvent) {
		fn(ev.Namespace, ev.Key, ev.Value, string(ev.Op))
	})
}
