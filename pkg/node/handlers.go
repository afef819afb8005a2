package node

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ryandielhenn/clustermesh/internal/telemetry"
)

// healthz returns 200 OK to indicate the Node is alive.
func (s *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// info writes a JSON payload with the process ID, current time, KV item
// count and cache byte usage, plus this node's gossip view if wired.
func (s *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID        int       `json:"pid"`
		Now        time.Time `json:"now"`
		Items      int       `json:"items"`
		UsedBytes  int       `json:"used_bytes"`
		CapBytes   int       `json:"cap_bytes"`
		AliveCount int       `json:"alive_count,omitempty"`
	}
	telemetry.CacheUsedBytes.Set(float64(s.kv.UsedBytes()))
	r := resp{
		PID:       os.Getpid(),
		Now:       time.Now(),
		Items:     s.kv.Len(),
		UsedBytes: s.kv.UsedBytes(),
		CapBytes:  s.kv.CapBytes(),
	}
	if s.gsp != nil {
		r.AliveCount = len(s.gsp.AliveMembers())
	}
	data, _ := json.Marshal(r)
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// forward forwards a http request to the Node that owns the key
func (s *Node) Forward(w http.ResponseWriter, req *http.Request, owner string) {
	if owner == "" {
		http.Error(w, "no owner for key", http.StatusServiceUnavailable)
		return
	}

	hostport := NormalizeHostPort(owner, "8080")
	if NormalizeHostPort(s.addr, "8080") == hostport {
		// last-resort safety; shouldn’t happen if handler compare is correct
		http.Error(w, "refusing to forward to self", http.StatusInternalServerError)
		return
	}
	target := *req.URL
	target.Scheme = "http"
	target.Host = hostport

	out, err := http.NewRequestWithContext(req.Context(), req.Method, target.String(), req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	out.Header = req.Header.Clone()

	out.Header.Set("X-Forwarded-For", req.RemoteAddr)

	resp, err := http.DefaultClient.Do(out)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)

}

// put adds a key/value pair
func (n *Node) Put(w http.ResponseWriter, req *http.Request) {
	key := req.URL.Path[len("/kv/"):]
	owner, self, ok := n.OwnerForKey(key)
	if !ok {
		http.Error(w, "no owner for key", http.StatusServiceUnavailable)
		return
	}

	if owner != self {
		log.Printf("[Forward PUT] key=%q owner=%q self=%q", key, owner, self)
		n.Forward(w, req, owner)
		return
	}

	// handle local case
	val, err := io.ReadAll(req.Body)
	if err != nil && err.Error() != "EOF" {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var ttl time.Duration
	if ttlStr := req.URL.Query().Get("ttl"); ttlStr != "" {
		sec, err := strconv.Atoi(ttlStr)
		if err != nil {
			http.Error(w, "invalid ttl", http.StatusBadRequest)
			return
		}
		ttl = time.Duration(sec) * time.Second
	}
	n.kv.Put(key, val, ttl)
	w.WriteHeader(http.StatusNoContent)
}

// get returns the value for a key
func (n *Node) Get(w http.ResponseWriter, req *http.Request) {
	key := req.URL.Path[len("/kv/"):]
	owner, self, ok := n.OwnerForKey(key)
	if !ok {
		http.Error(w, "no owner for key", http.StatusServiceUnavailable)
		return
	}

	if owner != self {
		log.Printf("[Forward GET] key=%q owner=%q self=%q", key, owner, self)
		n.Forward(w, req, owner)
		return
	}

	// handle local case
	val, ok := n.kv.Get(key)
	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(val)
}

// del removes a key
func (n *Node) Del(w http.ResponseWriter, req *http.Request) {
	key := req.URL.Path[len("/kv/"):]
	owner, self, ok := n.OwnerForKey(key)
	if !ok {
		http.Error(w, "no owner for key", http.StatusServiceUnavailable)
		return
	}

	if owner != self {
		log.Printf("[Forward DEL] key=%q owner=%q self=%q", key, owner, self)
		n.Forward(w, req, owner)
		return
	}

	// handle local case
	n.kv.Delete(key)
	w.WriteHeader(http.StatusNoContent)
}

// Members reports this node's view of the cluster: alive, suspect and
// dead peer addresses. It reads straight off the gossip.Gossip interface
// wired in WireGossip and never touches the protocol internals.
func (n *Node) Members(w http.ResponseWriter, _ *http.Request) {
	if n.gsp == nil {
		http.Error(w, "gossip not wired", http.StatusServiceUnavailable)
		return
	}
	type resp struct {
		Self    string   `json:"self"`
		Alive   []string `json:"alive"`
		Suspect []string `json:"suspect"`
		Dead    []string `json:"dead"`
	}
	data, _ := json.Marshal(resp{
		Self:    n.gsp.Addr(),
		Alive:   n.gsp.AliveMembers(),
		Suspect: n.gsp.SuspectMembers(),
		Dead:    n.gsp.DeadMembers(),
	})
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// Metadata serves GET/PUT/DELETE against the gossiped metadata store at
// /metadata/<ns>/<key>, distinct from the /kv/ data-plane cache.
func (n *Node) Metadata(w http.ResponseWriter, req *http.Request) {
	if n.gsp == nil {
		http.Error(w, "gossip not wired", http.StatusServiceUnavailable)
		return
	}
	ns, key, ok := splitMetadataPath(req.URL.Path)
	if !ok {
		http.Error(w, "path must be /metadata/<ns>/<key>", http.StatusBadRequest)
		return
	}

	switch req.Method {
	case http.MethodGet:
		v, ok := n.gsp.GetMetadata(key, ns)
		if !ok {
			http.NotFound(w, req)
			return
		}
		data, _ := json.Marshal(v)
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	case http.MethodPut, http.MethodPost:
		var v interface{}
		if err := json.NewDecoder(req.Body).Decode(&v); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n.gsp.SetMetadata(key, v, ns)
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		n.gsp.DeleteMetadata(key, ns)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func splitMetadataPath(path string) (ns, key string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/metadata/")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
