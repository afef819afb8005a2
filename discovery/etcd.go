// Package discovery provides etcd-backed seed bootstrap for a gossip
// cluster: nodes register their address under a lease, watch the prefix
// for peer churn, and feed the resulting addresses into a Node's seed
// list. None of this participates in the SWIM protocol itself — once a
// node has joined via gossip.Node.Start, membership and failure detection
// run entirely over the gossip wire; etcd only ever seeds the very first
// contact.
package discovery

import (
	"context"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/clustermesh/nodes/"

// NewClient dials an etcd cluster at the given endpoints.
func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// RegisterNode puts id->addr under a lease with the given TTL (seconds)
// and keeps it alive in the background. The returned cancel func stops the
// keep-alive loop; callers should also Revoke the lease on shutdown.
func RegisterNode(cli *clientv3.Client, id, addr string, ttl int64) (clientv3.LeaseID, func(), error) {
	lease, err := cli.Grant(context.Background(), ttl)
	if err != nil {
		return 0, nil, err
	}
	key := keyPrefix + id
	if _, err := cli.Put(context.Background(), key, addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	keepAlive, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, err
	}
	go func() {
		for range keepAlive {
			// drain; the lease library re-sends on its own cadence.
		}
	}()

	return lease.ID, cancel, nil
}

// GetPeers returns the current id->addr map registered under the prefix,
// for use as the initial seed list before watching begins.
func GetPeers(cli *clientv3.Client, ctx context.Context) (map[string]string, error) {
	resp, err := cli.Get(ctx, keyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		id := strings.TrimPrefix(string(kv.Key), keyPrefix)
		out[id] = string(kv.Value)
	}
	return out, nil
}

// WatchPeers runs in the background and invokes onChange with the full
// current peer map every time a node is registered, re-registered, or its
// lease expires. onChange is called once immediately with the current
// state before watching begins.
func WatchPeers(cli *clientv3.Client, onChange func(peers map[string]string)) {
	if peers, err := GetPeers(cli, context.Background()); err == nil {
		onChange(peers)
	}
	go func() {
		watch := cli.Watch(context.Background(), keyPrefix, clientv3.WithPrefix())
		for range watch {
			peers, err := GetPeers(cli, context.Background())
			if err != nil {
				continue
			}
			onChange(peers)
		}
	}()
}
