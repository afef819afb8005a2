package gossip

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const maxDatagramSize = 65535

// Inbound is published by a Transport's receive loop for every datagram
// that decodes successfully.
type Inbound struct {
	Message *Message
	From    string
}

// Transport is the unreliable-datagram contract: bind once, send best
// effort, and publish every decoded inbound message on a channel that is
// safe for one producer and many consumers. Ordering is not guaranteed,
// delivery is best-effort, and duplication is possible — callers must be
// idempotent to retries, which is exactly what the protocol engine's
// message handlers are.
type Transport interface {
	Start() error
	Stop() error
	SendMessage(msg *Message, addr string) bool
	BroadcastMessage(msg *Message, addrs []string) int
	Inbound() <-chan Inbound
}

// UDPTransport is the default Transport: one UDP socket, one receive
// goroutine, and best-effort unicast sends. Send and Stop are safe to call
// concurrently with the receive loop; Start/Stop are idempotent and
// mutually exclusive.
type UDPTransport struct {
	host string
	port int
	log  *zap.Logger

	mu      sync.Mutex
	conn    *net.UDPConn
	running int32
	stopCh  chan struct{}
	wg      sync.WaitGroup

	inbound chan Inbound
}

// NewUDPTransport creates a transport bound to host:port once Start is
// called. log may be nil, in which case a no-op logger is used.
func NewUDPTransport(host string, port int, log *zap.Logger) *UDPTransport {
	if log == nil {
		log = zap.NewNop()
	}
	return &UDPTransport{
		host:    host,
		port:    port,
		log:     log,
		inbound: make(chan Inbound, 256),
	}
}

func (t *UDPTransport) Inbound() <-chan Inbound { return t.inbound }

// Start binds the socket and launches the receive loop. Calling Start on an
// already-running transport is a no-op rather than an error — lifecycle
// misuse here is idempotent, not fatal.
func (t *UDPTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if atomic.LoadInt32(&t.running) == 1 {
		return nil
	}
	addr := &net.UDPAddr{IP: net.ParseIP(t.host), Port: t.port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	t.conn = conn
	t.stopCh = make(chan struct{})
	atomic.StoreInt32(&t.running, 1)
	t.wg.Add(1)
	go t.receiveLoop(conn, t.stopCh)
	return nil
}

// Stop closes the socket and waits (bounded) for the receive loop to
// observe the closed connection. Calling Stop before Start, or twice in a
// row, is a no-op.
func (t *UDPTransport) Stop() error {
	t.mu.Lock()
	if atomic.LoadInt32(&t.running) == 0 {
		t.mu.Unlock()
		return nil
	}
	atomic.StoreInt32(&t.running, 0)
	close(t.stopCh)
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		conn.SetReadDeadline(time.Now())
		_ = conn.Close()
	}

	done := make(chan struct{})
	go func() { t.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.log.Warn("udp transport: receive loop did not exit within deadline")
	}
	return nil
}

func (t *UDPTransport) receiveLoop(conn *net.UDPConn, stop chan struct{}) {
	defer t.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-stop:
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// Socket-closed errors after Stop are expected and absorbed;
			// anything else is a transient receive error, logged and
			// retried on the next iteration.
			t.log.Debug("udp transport: receive error", zap.Error(err))
			continue
		}
		msg, ok := Decode(buf[:n])
		if !ok {
			t.log.Debug("udp transport: dropped undecodable datagram", zap.String("from", remote.String()))
			continue
		}
		select {
		case t.inbound <- Inbound{Message: msg, From: remote.String()}:
		default:
			t.log.Warn("udp transport: inbound queue full, dropping message", zap.String("kind", msg.Kind.String()))
		}
	}
}

// SendMessage encodes and sends msg to addr over UDP. A resolve or write
// failure is logged and treated as non-fatal: the target is simply
// unreachable for this send, equivalent to a ping timeout on the next
// sweep.
func (t *UDPTransport) SendMessage(msg *Message, addr string) bool {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return false
	}
	b, ok := Encode(msg)
	if !ok {
		return false
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.log.Debug("udp transport: resolve failed", zap.String("addr", addr), zap.Error(err))
		return false
	}
	if _, err := conn.WriteToUDP(b, raddr); err != nil {
		t.log.Debug("udp transport: send error", zap.String("addr", addr), zap.Error(err))
		return false
	}
	return true
}

// BroadcastMessage sends msg to every address in addrs, returning the
// count that were handed off successfully.
func (t *UDPTransport) BroadcastMessage(msg *Message, addrs []string) int {
	sent := 0
	for _, a := range addrs {
		if t.SendMessage(msg, a) {
			sent++
		}
	}
	return sent
}
