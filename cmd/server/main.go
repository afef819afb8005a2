package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/clustermesh/discovery"
	"github.com/ryandielhenn/clustermesh/internal/telemetry"
	"github.com/ryandielhenn/clustermesh/pkg/gossip"
	"github.com/ryandielhenn/clustermesh/pkg/kv"
	"github.com/ryandielhenn/clustermesh/pkg/node"
	"github.com/ryandielhenn/clustermesh/pkg/ring"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	hostFlag := flag.String("host", envOr("SELF_HOST", "0.0.0.0"), "bind host for the gossip transport")
	portFlag := flag.Int("port", envIntOr("SELF_PORT", 7946), "bind port for the gossip transport")
	seedsFlag := flag.String("seeds", os.Getenv("SEEDS"), "comma-separated host:port seed list, merged with whatever etcd already knows")
	probeIntervalFlag := flag.Duration("probe-interval", envDurationOr("PROBE_INTERVAL", gossip.DefaultProbeInterval), "interval between direct probes")
	flag.Parse()

	// 1. Initialize this node with routing ring and key value store
	store := kv.NewStore(64 << 20) // 64MB default cap for MVP
	r := ring.New(128, ring.FNV32a)
	host := *hostFlag
	port := *portFlag
	id := envOr("SELF_ID", "")

	rf := 2
	if v := os.Getenv("REPLICATION_FACTOR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			rf = n
		}
	}

	selfAddr := net.JoinHostPort(host, strconv.Itoa(port))
	if id == "" {
		id = selfAddr
	}
	n := node.NewNodeRF(store, r, selfAddr, rf)

	// 2. Create etcd client
	logger.Info("creating etcd client")
	cli, err := discovery.NewClient([]string{envOr("ETCD_ENDPOINT", "http://etcd:2379")})
	if err != nil {
		logger.Fatal("etcd client", zap.Error(err))
	}
	logger.Info("created etcd client", zap.Strings("endpoints", cli.Endpoints()))
	defer cli.Close()

	// 3. Bootstrap seeds for the gossip protocol: whatever etcd already
	// knows about, plus anything passed explicitly on -seeds. This only
	// matters for the very first Start call; once joined, SWIM propagates
	// membership on its own.
	seeds := bootstrapSeeds(cli, selfAddr, logger)
	seeds = append(seeds, splitSeeds(*seedsFlag)...)

	g, err := gossip.NewNode(gossip.Config{
		Host:          host,
		Port:          port,
		Seeds:         seeds,
		ProbeInterval: *probeIntervalFlag,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("gossip.NewNode", zap.Error(err))
	}
	if err := g.Start(); err != nil {
		logger.Fatal("gossip start", zap.Error(err))
	}
	defer g.Stop()

	// keeps the consistent-hash ring in sync with SWIM's alive set from
	// here on; no more etcd-driven ring.Add/Remove calls.
	n.WireGossip(g)

	// 4. Register this node
	logger.Info("registering with etcd", zap.String("id", id), zap.String("addr", n.Addr()))
	leaseID, cancel, err := discovery.RegisterNode(cli, id, n.Addr(), 10)
	if err != nil {
		logger.Fatal("register node", zap.Error(err))
	}
	defer func() {
		cancel()
		_, _ = cli.Revoke(context.Background(), leaseID)
	}()

	// 5. Watch for updates about peers, purely informational now that
	// gossip owns membership and the ring.
	discovery.WatchPeers(cli, func(peers map[string]string) {
		logger.Info("discovery: peer set observed", zap.Int("count", len(peers)))
	})

	telemetry.SetBuildInfo("dev", "unknown")

	// 6. Wire up HTTP node endpoints
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", n.Healthz)
	mux.HandleFunc("/info", n.Info)
	mux.HandleFunc("/members", n.Members)
	mux.Handle("/metadata/", telemetry.Instrument("metadata", http.HandlerFunc(n.Metadata)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.HandleFunc("/kv/", func(w http.ResponseWriter, req *http.Request) {
		op := methodToOp(req.Method) // "get" | "put" | "post" | "delete" | "other"
		telemetry.Instrument(op, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPut, http.MethodPost:
				n.Put(w, r)
			case http.MethodGet:
				n.Get(w, r)
			case http.MethodDelete:
				n.Del(w, r)
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
		})).ServeHTTP(w, req)
	})

	httpAddr := envOr("HTTP_ADDR", ":8080")
	logger.Info("clustermesh node listening", zap.String("gossip_addr", selfAddr), zap.String("http_addr", httpAddr))
	if err := http.ListenAndServe(httpAddr, mux); err != nil {
		logger.Fatal("http server", zap.Error(err))
	}
}

func bootstrapSeeds(cli *clientv3.Client, selfAddr string, logger *zap.Logger) []string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	peers, err := discovery.GetPeers(cli, ctx)
	if err != nil {
		logger.Warn("bootstrap: could not read peers from etcd", zap.Error(err))
		return nil
	}
	var seeds []string
	for _, addr := range peers {
		hp := node.NormalizeHostPort(addr, "8080")
		if hp != selfAddr {
			seeds = append(seeds, hp)
		}
	}
	return seeds
}

func methodToOp(m string) string {
	switch m {
	case http.MethodGet:
		return "get"
	case http.MethodPut:
		return "put"
	case http.MethodPost:
		return "post"
	case http.MethodDelete:
		return "delete"
	default:
		return "other"
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationOr(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitSeeds(csv string) []string {
	if csv == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(csv, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
