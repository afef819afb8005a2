package gossip

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Default timings for the protocol's periodic tasks and probe thresholds.
const (
	DefaultProbeInterval = 1 * time.Second
	DefaultPingTimeout   = 500 * time.Millisecond
	DefaultSuspectTimeout = 5 * time.Second
	DefaultDeadGrace     = 30 * time.Second
	DefaultSyncInterval  = 10 * time.Second
	DefaultIndirectFanout = 3
)

// Config configures a Node. Host, Port, Seeds and InitialMetadata are the
// only fields an operator is expected to set; the timing fields default to
// the values above when left zero, and BootstrapTimeout to ten probe
// intervals.
type Config struct {
	Host string
	Port int
	Seeds []string

	// InitialMetadata seeds the "default" namespace (or the named ones
	// given) before Start is called.
	InitialMetadata map[string]map[string]interface{}

	ProbeInterval   time.Duration
	PingTimeout     time.Duration
	SuspectTimeout  time.Duration
	DeadGrace       time.Duration
	SyncInterval    time.Duration
	IndirectFanout  int
	BootstrapTimeout time.Duration

	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.SuspectTimeout <= 0 {
		c.SuspectTimeout = DefaultSuspectTimeout
	}
	if c.DeadGrace <= 0 {
		c.DeadGrace = DefaultDeadGrace
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.IndirectFanout <= 0 {
		c.IndirectFanout = DefaultIndirectFanout
	}
	if c.BootstrapTimeout <= 0 {
		c.BootstrapTimeout = 10 * c.ProbeInterval
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// newNodeID mints the opaque per-process identifier used to own a slot in
// every version vector this node writes. It is never equal to an address.
func newNodeID() string {
	return "n-" + uuid.NewString()
}
