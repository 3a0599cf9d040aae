package mesh

import (
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/nmxmxh/inos_netcore/kernel/core/mesh/routing"
	"github.com/nmxmxh/inos_netcore/kernel/core/netstack"
	"github.com/nmxmxh/inos_netcore/kernel/utils"
)

const (
	seenExpected      = 10000
	seenFalsePositive = 0.01
)

// NodeStats counts peers offered to the node.
type NodeStats struct {
	// PeersSeen estimates distinct NodeIDs offered so far.
	PeersSeen uint64
	// Throttled counts peers refused by the handshake rate limit.
	Throttled uint64
}

// NodeOption configures a Node.
type NodeOption func(*Node)

// WithHandshakeLimit caps how often one NodeID may be admitted per
// minute. perMinute <= 0 leaves admission unlimited.
func WithHandshakeLimit(perMinute, burst int) NodeOption {
	return func(n *Node) {
		if perMinute <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		n.limiterStore = store.NewMemoryStore(time.Minute)
		tb, err := limiter.NewTokenBucket(limiter.Config{
			Rate:     int64(perMinute),
			Duration: time.Minute,
			Burst:    int64(burst),
		}, n.limiterStore)
		if err != nil {
			n.logger.Warn("Handshake limit disabled", utils.Err(err))
			return
		}
		n.limiter = tb
	}
}

// Node is the overlay state of this process: its identity and routing
// table. The table is centred on the identity's NodeID.
type Node struct {
	Identity *Identity
	Table    *routing.Table

	logger       *utils.Logger
	seen         *bloom.BloomFilter
	limiter      *limiter.TokenBucket
	limiterStore store.Store

	peersSeen atomic.Uint64
	throttled atomic.Uint64
}

// NewNode creates the overlay state for id.
func NewNode(id *Identity, logger *utils.Logger, opts ...NodeOption) *Node {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	logger.Info("P2P identity",
		utils.String("peer_id", id.PeerID),
		utils.String("node_id", id.NodeID.String()),
	)
	n := &Node{
		Identity: id,
		Table:    routing.NewTable(id.NodeID),
		logger:   logger,
		seen:     bloom.NewWithEstimates(seenExpected, seenFalsePositive),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// AddPeer admits a handshake peer into the routing table. It implements
// PeerSink.
func (n *Node) AddPeer(peer routing.PeerInfo) bool {
	if !n.seen.TestAndAdd(peer.NodeID[:]) {
		n.peersSeen.Add(1)
	}
	if n.limiter != nil && !n.limiter.Allow(peer.NodeID.Hex()) {
		n.throttled.Add(1)
		n.logger.Warn("Handshake rate exceeded, peer not added",
			utils.String("remote_node_id", peer.NodeID.String()))
		return false
	}
	return n.Table.AddPeer(peer)
}

// Stats returns admission counters.
func (n *Node) Stats() NodeStats {
	return NodeStats{
		PeersSeen: n.peersSeen.Load(),
		Throttled: n.throttled.Load(),
	}
}

// NewListener creates the listener task for the socket behind handle.
// Spawn it once; it runs for the life of the executor.
func (n *Node) NewListener(sockets *netstack.SocketSet, handle netstack.Handle, port uint16) *Listener {
	return &Listener{
		node:    n,
		sockets: sockets,
		handle:  handle,
		port:    port,
		logger:  n.logger,
	}
}
