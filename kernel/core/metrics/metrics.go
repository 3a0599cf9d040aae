// Package metrics exposes kernel counters to Prometheus. The host loop
// publishes a Snapshot after each tick; scrapes read the latest one, so
// collection never touches live subsystem state.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nmxmxh/inos_netcore/kernel/core/mesh"
	"github.com/nmxmxh/inos_netcore/kernel/core/mesh/routing"
	"github.com/nmxmxh/inos_netcore/kernel/core/netif"
	"github.com/nmxmxh/inos_netcore/kernel/core/netstack"
	"github.com/nmxmxh/inos_netcore/kernel/threads/arena"
	"github.com/nmxmxh/inos_netcore/kernel/threads/executor"
)

const namespace = "inos"

// Snapshot is everything the collector reports.
type Snapshot struct {
	Arena    arena.Stats
	Device   netif.Stats
	Frames   netstack.FrameStats
	Polls    uint64
	Table    routing.TableMetrics
	Executor executor.Stats
	Listener mesh.ListenerStats
	Node     mesh.NodeStats
}

var (
	descArenaPages = prometheus.NewDesc(namespace+"_arena_pages",
		"Frame arena pages by state.", []string{"state"}, nil)
	descBuffers = prometheus.NewDesc(namespace+"_dma_buffers",
		"DMA buffers by owner.", []string{"owner"}, nil)
	descAllocated = prometheus.NewDesc(namespace+"_dma_buffers_allocated",
		"DMA buffers ever carved from the frame arena.", nil, nil)
	descDeviceFrames = prometheus.NewDesc(namespace+"_device_frames_total",
		"Frames moved by the device.", []string{"direction"}, nil)
	descViolations = prometheus.NewDesc(namespace+"_device_token_violations_total",
		"Tokens reported outside the queue capacity.", nil, nil)
	descStackFrames = prometheus.NewDesc(namespace+"_stack_frames_total",
		"Received frames by kind.", []string{"kind"}, nil)
	descStackPolls = prometheus.NewDesc(namespace+"_stack_polls_total",
		"Network stack polls.", nil, nil)
	descPeers = prometheus.NewDesc(namespace+"_routing_peers",
		"Peers in the routing table.", nil, nil)
	descPeerInserts = prometheus.NewDesc(namespace+"_routing_inserts_total",
		"Routing table insert attempts by outcome.", []string{"outcome"}, nil)
	descBucketsUsed = prometheus.NewDesc(namespace+"_routing_buckets_used",
		"Non-empty routing buckets.", nil, nil)
	descTasks = prometheus.NewDesc(namespace+"_executor_tasks",
		"Live executor tasks.", nil, nil)
	descPasses = prometheus.NewDesc(namespace+"_executor_passes_total",
		"Executor scheduling passes.", nil, nil)
	descCompleted = prometheus.NewDesc(namespace+"_executor_completed_total",
		"Tasks that reached Ready.", nil, nil)
	descHandshakes = prometheus.NewDesc(namespace+"_p2p_handshakes_total",
		"Listener handshakes by outcome.", []string{"outcome"}, nil)
	descRelistens = prometheus.NewDesc(namespace+"_p2p_relistens_total",
		"Times the P2P socket was re-armed.", nil, nil)
	descPeersSeen = prometheus.NewDesc(namespace+"_p2p_peers_seen",
		"Approximate distinct peers offered by handshakes.", nil, nil)
	descThrottled = prometheus.NewDesc(namespace+"_p2p_throttled_total",
		"Peers refused by the handshake rate limit.", nil, nil)
)

// Collector implements prometheus.Collector over the latest Snapshot.
type Collector struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewCollector returns a collector with an empty snapshot.
func NewCollector() *Collector {
	return &Collector{}
}

// Observe publishes a new snapshot.
func (c *Collector) Observe(s Snapshot) {
	c.mu.Lock()
	c.snap = s
	c.mu.Unlock()
}

// Snapshot returns the latest published snapshot.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descArenaPages, descBuffers, descAllocated, descDeviceFrames, descViolations,
		descStackFrames, descStackPolls, descPeers, descPeerInserts,
		descBucketsUsed, descTasks, descPasses, descCompleted,
		descHandshakes, descRelistens, descPeersSeen, descThrottled,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.Snapshot()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(descArenaPages, float64(s.Arena.AllocatedPages), "allocated")
	gauge(descArenaPages, float64(s.Arena.FreePages()), "free")
	gauge(descBuffers, float64(s.Device.Pooled), "pool")
	gauge(descBuffers, float64(s.Device.InFlightRx), "rx")
	gauge(descBuffers, float64(s.Device.InFlightTx), "tx")
	gauge(descAllocated, float64(s.Device.Allocated))
	counter(descDeviceFrames, s.Device.RxFrames, "rx")
	counter(descDeviceFrames, s.Device.TxFrames, "tx")
	counter(descViolations, s.Device.Violations)

	counter(descStackFrames, s.Frames.ARP, "arp")
	counter(descStackFrames, s.Frames.IPv4, "ipv4")
	counter(descStackFrames, s.Frames.UDP, "udp")
	counter(descStackFrames, s.Frames.TCP, "tcp")
	counter(descStackFrames, s.Frames.Other, "other")
	counter(descStackFrames, s.Frames.Malformed, "malformed")
	counter(descStackPolls, s.Polls)

	gauge(descPeers, float64(s.Table.Peers))
	counter(descPeerInserts, s.Table.Accepted, "accepted")
	counter(descPeerInserts, s.Table.Rejected, "rejected")
	used := 0
	for _, n := range s.Table.BucketFillLevel {
		if n > 0 {
			used++
		}
	}
	gauge(descBucketsUsed, float64(used))

	gauge(descTasks, float64(s.Executor.Live))
	counter(descPasses, s.Executor.Passes)
	counter(descCompleted, s.Executor.Completed)

	counter(descHandshakes, s.Listener.Handshakes, "success")
	counter(descHandshakes, s.Listener.Failures, "failure")
	counter(descRelistens, s.Listener.Relistens)
	gauge(descPeersSeen, float64(s.Node.PeersSeen))
	counter(descThrottled, s.Node.Throttled)
}

// NewRegistry registers c on a fresh registry.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
