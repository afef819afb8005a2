
package main

import (
    "bytes"
    "flag"
    "fmt"
    "io"
    "math/rand"
    "net/http"
    "sync"
    "sync/atomic"
    "time"
)

// bench drives concurrent load against a running clustermesh node: the
// bulk of requests exercise the /kv/ data-plane cache (as before), with a
// fraction interleaved against /members and /metadata/ so the benchmark
// also touches the gossip-backed membership and metadata surfaces instead
// of only the cache.
func main() {
    addr := flag.String("addr", "http://localhost:8080", "server address")
    n := flag.Int("n", 5000, "requests")
    conc := flag.Int("c", 32, "concurrency")
    valSize := flag.Int("val", 128, "value size bytes")
    gossipEvery := flag.Int("gossip-every", 20, "every Nth iteration also hits /members and /metadata/ instead of /kv/")
    flag.Parse()

    client := &http.Client{Timeout: 5 * time.Second}
    wg := sync.WaitGroup{}
    start := time.Now()
    ch := make(chan int, *conc)

    var kvOps, membersOps, metadataOps int64

    for i := 0; i < *n; i++ {
        wg.Add(1)
        ch <- 1
        go func(i int) {
            defer wg.Done()
            defer func() { <-ch }()

            if *gossipEvery > 0 && i%*gossipEvery == 0 {
                benchMembers(client, *addr)
                atomic.AddInt64(&membersOps, 1)
                benchMetadata(client, *addr, i)
                atomic.AddInt64(&metadataOps, 1)
                return
            }

            key := fmt.Sprintf("k%d", i)
            payload := bytes.Repeat([]byte{byte(rand.Intn(255))}, *valSize)
            _, _ = client.Post(*addr+"/kv/"+key, "application/octet-stream", bytes.NewReader(payload))
            resp, _ := client.Get(*addr + "/kv/" + key)
            if resp != nil {
                io.Copy(io.Discard, resp.Body)
                resp.Body.Close()
            }
            atomic.AddInt64(&kvOps, 2)
        }(i)
    }
    wg.Wait()
    dur := time.Since(start)
    total := kvOps + membersOps + metadataOps
    fmt.Printf("Completed %d ops in %s (%.2f ops/s) [kv=%d members=%d metadata=%d]\n",
        total, dur, float64(total)/dur.Seconds(), kvOps, membersOps, metadataOps)
}

// benchMembers hits the membership view, the same read path a client
// would use to discover which node currently owns a key.
func benchMembers(client *http.Client, addr string) {
    resp, err := client.Get(addr + "/members")
    if err != nil {
        return
    }
    io.Copy(io.Discard, resp.Body)
    resp.Body.Close()
}

// benchMetadata writes then reads a key in the gossiped metadata store,
// exercising the dissemination path instead of just the local cache.
func benchMetadata(client *http.Client, addr string, i int) {
    body := bytes.NewReader([]byte(fmt.Sprintf(`"bench-%d"`, i)))
    path := addr + "/metadata/bench/k" + fmt.Sprint(i)
    req, err := http.NewRequest(http.MethodPut, path, body)
    if err != nil {
        return
    }
    resp, err := client.Do(req)
    if err != nil {
        return
    }
    io.Copy(io.Discard, resp.Body)
    resp.Body.Close()

    resp, err = client.Get(path)
    if err != nil {
        return
    }
    io.Copy(io.Discard, resp.Body)
    resp.Body.Close()
}
