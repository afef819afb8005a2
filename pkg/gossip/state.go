package gossip

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"reflect"
	"sort"
	"sync"
)

// StateManager holds the gossiped metadata tree: namespace -> key -> value,
// each entry carrying a version vector keyed by the owning node_id that
// last wrote it. A naive scalar "version" would make merge a last-writer-
// wins race that silently drops concurrent writes from different nodes;
// the per-key vector lets merge detect true causal dominance versus
// genuine concurrency (see mergeOne).
type StateManager struct {
	mu      sync.RWMutex
	nodeID  string
	data    map[string]map[string]stateEntry
	version uint64

	subMu       sync.RWMutex
	subscribers []func(StateEvent)
}

type stateEntry struct {
	Value     interface{}
	VV        map[string]uint64
	Tombstone bool
}

func (e stateEntry) cloneVV() map[string]uint64 {
	out := make(map[string]uint64, len(e.VV))
	for k, v := range e.VV {
		out[k] = v
	}
	return out
}

// StateEventOp mirrors StateOp for the notification path.
type StateEventOp string

const (
	StateSet    StateEventOp = "set"
	StateDelete StateEventOp = "delete"
)

// StateEvent is published whenever a key is set or deleted, locally or via
// merge/snapshot application.
type StateEvent struct {
	Namespace string
	Key       string
	Value     interface{}
	Op        StateEventOp
}

// MetadataChangeFunc is the public callback shape exposed by
// Node.OnMetadataChange.
type MetadataChangeFunc func(ns, key string, value interface{}, op string)

// Snapshot is the wire/anti-entropy representation of the whole state
// tree: the flattened key/value data, the version vectors per key (which
// also cover deleted keys still held as tombstones, so a peer that applies
// this snapshot can detect a delete as dominant over its own stale copy),
// the global monotonic version counter, and a checksum over the sorted
// serialization of State, used to validate a reconstructed snapshot before
// it replaces the local store.
type Snapshot struct {
	State          map[string]map[string]interface{}       `json:"state"`
	VersionVectors map[string]map[string]map[string]uint64 `json:"version_vectors"`
	Tombstones     map[string]map[string]bool              `json:"tombstones,omitempty"`
	Version        uint64                                  `json:"version"`
	Checksum       string                                  `json:"checksum"`
}

// NewStateManager creates an empty StateManager owned by nodeID — the
// opaque per-process identifier that names this node's slot in every
// version vector it writes.
func NewStateManager(nodeID string) *StateManager {
	return &StateManager{
		nodeID: nodeID,
		data:   make(map[string]map[string]stateEntry),
	}
}

func (s *StateManager) Subscribe(fn func(StateEvent)) {
	s.subMu.Lock()
	s.subscribers = append(s.subscribers, fn)
	s.subMu.Unlock()
}

func (s *StateManager) dispatch(events []StateEvent) {
	if len(events) == 0 {
		return
	}
	s.subMu.RLock()
	subs := make([]func(StateEvent), len(s.subscribers))
	copy(subs, s.subscribers)
	s.subMu.RUnlock()
	for _, ev := range events {
		for _, fn := range subs {
			safeCallState(fn, ev)
		}
	}
}

func safeCallState(fn func(StateEvent), ev StateEvent) {
	defer func() { recover() }()
	fn(ev)
}

func deepEqual(a, b interface{}) bool {
	return reflect.DeepEqual(a, b)
}

// Set writes ns/key, bumping this node's slot in the key's version vector
// and the store-wide version counter. It is a no-op if value already
// deep-equals the current one, so idempotent resends of the same write
// never inflate the version vector.
func (s *StateManager) Set(ns, key string, value interface{}) bool {
	s.mu.Lock()
	bucket, ok := s.data[ns]
	if !ok {
		bucket = make(map[string]stateEntry)
		s.data[ns] = bucket
	}
	cur, exists := bucket[key]
	if exists && !cur.Tombstone && deepEqual(cur.Value, value) {
		s.mu.Unlock()
		return false
	}
	vv := cur.cloneVV()
	if vv == nil {
		vv = make(map[string]uint64)
	}
	vv[s.nodeID]++
	bucket[key] = stateEntry{Value: value, VV: vv}
	s.version++
	s.mu.Unlock()
	s.dispatch([]StateEvent{{Namespace: ns, Key: key, Value: value, Op: StateSet}})
	return true
}

// Delete marks ns/key as removed by bumping its version vector and storing
// a tombstone in place of the value, rather than dropping the map entry
// outright. The tombstone keeps the version vector alive so the delete can
// be detected as causally dominant over a peer's stale copy of the key —
// dropping the entry would make a later merge see an empty remote vector
// and vacuously treat it as already-observed, silently losing the delete.
// It is a no-op if the key is absent or already tombstoned.
func (s *StateManager) Delete(ns, key string) bool {
	s.mu.Lock()
	bucket, ok := s.data[ns]
	if !ok {
		s.mu.Unlock()
		return false
	}
	cur, exists := bucket[key]
	if !exists || cur.Tombstone {
		s.mu.Unlock()
		return false
	}
	vv := cur.cloneVV()
	if vv == nil {
		vv = make(map[string]uint64)
	}
	vv[s.nodeID]++
	bucket[key] = stateEntry{VV: vv, Tombstone: true}
	s.version++
	s.mu.Unlock()
	s.dispatch([]StateEvent{{Namespace: ns, Key: key, Op: StateDelete}})
	return true
}

// Get returns the current value for ns/key, if present and not tombstoned.
func (s *StateManager) Get(ns, key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket, ok := s.data[ns]
	if !ok {
		return nil, false
	}
	e, ok := bucket[key]
	if !ok || e.Tombstone {
		return nil, false
	}
	return e.Value, true
}

// VersionVector returns the version vector currently held for ns/key,
// including one held only by a tombstone, or nil if the key has never been
// written. Dissemination reads through here to get one key's vector,
// a just-deleted key's bumped vector included, without building a whole
// Snapshot.
func (s *StateManager) VersionVector(ns, key string) map[string]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket, ok := s.data[ns]
	if !ok {
		return nil
	}
	e, ok := bucket[key]
	if !ok {
		return nil
	}
	return e.cloneVV()
}

// vvLessEq reports whether a <= b componentwise (every component of a is
// <= the corresponding component of b, treating an absent component as 0).
func vvLessEq(a, b map[string]uint64) bool {
	for k, av := range a {
		if b[k] < av {
			return false
		}
	}
	return true
}

func vvMax(a, b map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// serializedMax is the deterministic tie-break for two concurrent
// (incomparable) version vectors: the lexicographically greater JSON
// serialization of the value wins, so every replica that sees both updates
// converges on the same one without needing a synchronous round.
func serializedMax(a, b interface{}) interface{} {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	if bytes.Compare(bb, ab) > 0 {
		return b
	}
	return a
}

// MergeUpdate applies a batch of incremental updates received in a
// state_update message. Each update is skipped if the local entry's VV
// already dominates the remote one (componentwise >=, meaning this write
// was already observed); otherwise the local VV becomes the componentwise
// max and the value is replaced, with concurrent (incomparable) vectors
// resolved by serializedMax.
func (s *StateManager) MergeUpdate(updates []StateUpdate) {
	s.mu.Lock()
	var events []StateEvent
	for _, u := range updates {
		if s.mergeOne(u) {
			var ev StateEvent
			if u.Op == OpDelete {
				ev = StateEvent{Namespace: u.Namespace, Key: u.Key, Op: StateDelete}
			} else {
				v := s.data[u.Namespace][u.Key]
				ev = StateEvent{Namespace: u.Namespace, Key: u.Key, Value: v.Value, Op: StateSet}
			}
			events = append(events, ev)
		}
	}
	s.mu.Unlock()
	s.dispatch(events)
}

// mergeOne must be called with s.mu held.
func (s *StateManager) mergeOne(u StateUpdate) bool {
	bucket, ok := s.data[u.Namespace]
	if !ok {
		bucket = make(map[string]stateEntry)
		s.data[u.Namespace] = bucket
	}
	cur, exists := bucket[u.Key]
	if exists && vvLessEq(u.VV, cur.VV) {
		return false
	}

	merged := u.VV
	if exists {
		merged = vvMax(cur.VV, u.VV)
	}

	if u.Op == OpDelete {
		bucket[u.Key] = stateEntry{VV: merged, Tombstone: true}
		s.version++
		return true
	}

	value := u.Value
	if exists && !cur.Tombstone && !vvLessEq(cur.VV, u.VV) {
		// neither vector dominates the other: concurrent write.
		value = serializedMax(cur.Value, u.Value)
	}
	bucket[u.Key] = stateEntry{Value: value, VV: merged}
	s.version++
	return true
}

// Snapshot returns a point-in-time copy of the whole state tree together
// with a checksum over its sorted serialization, for anti-entropy and for
// validating that a decoded Snapshot was not corrupted or truncated.
func (s *StateManager) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *StateManager) snapshotLocked() Snapshot {
	state := make(map[string]map[string]interface{}, len(s.data))
	vvs := make(map[string]map[string]map[string]uint64, len(s.data))
	tombstones := make(map[string]map[string]bool)
	for ns, bucket := range s.data {
		sv := make(map[string]interface{})
		vv := make(map[string]map[string]uint64, len(bucket))
		for key, e := range bucket {
			vv[key] = e.cloneVV()
			if e.Tombstone {
				if tombstones[ns] == nil {
					tombstones[ns] = make(map[string]bool)
				}
				tombstones[ns][key] = true
				continue
			}
			sv[key] = e.Value
		}
		state[ns] = sv
		vvs[ns] = vv
	}
	return Snapshot{
		State:          state,
		VersionVectors: vvs,
		Tombstones:     tombstones,
		Version:        s.version,
		Checksum:       checksumOf(state),
	}
}

// checksumOf is a stable digest over the sorted serialization of state;
// it exists to validate a reconstructed snapshot, not to drive a Merkle
// sync — the anti-entropy path only ever compares a whole snapshot at a
// time.
func checksumOf(state map[string]map[string]interface{}) string {
	namespaces := make([]string, 0, len(state))
	for ns := range state {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)

	h := sha256.New()
	for _, ns := range namespaces {
		bucket := state[ns]
		keys := make([]string, 0, len(bucket))
		for k := range bucket {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		h.Write([]byte(ns))
		for _, k := range keys {
			b, _ := json.Marshal(bucket[k])
			h.Write([]byte(k))
			h.Write(b)
		}
	}
	return fmtHex(h.Sum(nil))
}

func fmtHex(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0xf]
	}
	return string(out)
}

// ApplySnapshot validates snap's checksum and, if it is both intact and
// strictly newer than the local store's version, replaces the whole tree
// and notifies subscribers for every key that differs from what was
// there before. It returns false (a no-op) for a stale or corrupted
// snapshot.
func (s *StateManager) ApplySnapshot(snap Snapshot) bool {
	if checksumOf(snap.State) != snap.Checksum {
		return false
	}
	s.mu.Lock()
	if snap.Version <= s.version {
		s.mu.Unlock()
		return false
	}
	before := s.snapshotLocked()
	newData := make(map[string]map[string]stateEntry, len(snap.VersionVectors))
	for ns, vvBucket := range snap.VersionVectors {
		nb := make(map[string]stateEntry, len(vvBucket))
		for key, vv := range vvBucket {
			if snap.Tombstones[ns][key] {
				nb[key] = stateEntry{VV: vv, Tombstone: true}
				continue
			}
			nb[key] = stateEntry{Value: snap.State[ns][key], VV: vv}
		}
		newData[ns] = nb
	}
	s.data = newData
	s.version = snap.Version
	events := diffEvents(before.State, snap.State)
	s.mu.Unlock()
	s.dispatch(events)
	return true
}

func diffEvents(before, after map[string]map[string]interface{}) []StateEvent {
	var events []StateEvent
	seen := make(map[string]map[string]bool)
	for ns, bucket := range after {
		seen[ns] = make(map[string]bool)
		for key, v := range bucket {
			seen[ns][key] = true
			if ob, ok := before[ns]; !ok || !deepEqual(ob[key], v) {
				events = append(events, StateEvent{Namespace: ns, Key: key, Value: v, Op: StateSet})
			}
		}
	}
	for ns, bucket := range before {
		for key := range bucket {
			if !seen[ns][key] {
				events = append(events, StateEvent{Namespace: ns, Key: key, Op: StateDelete})
			}
		}
	}
	return events
}
