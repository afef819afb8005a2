// Package gossip implements a SWIM-style membership and failure detection
// subsystem alongside a gossiped, eventually-consistent key/value metadata
// store. It defines the wire message types, an unreliable-datagram
// Transport, a thread-safe Directory of peers, a version-vectored
// StateManager, and the Node that wires them together and runs the protocol
// engine driving probing, suspicion, dissemination and anti-entropy.
//
// Typical usage:
//
//	n, err := gossip.NewNode(gossip.Config{
//		Host:  "127.0.0.1",
//		Port:  7000,
//		Seeds: []string{"127.0.0.1:7001"},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	n.Start()
//	defer n.Stop()
//
// The wire transport is UDP; a node with no seeds configured runs as a
// single-node cluster until it is joined by others.
package gossip
