// Package kernel wires the networking core together and drives it from a
// single host loop: each tick polls the stack, then runs one executor pass.
package kernel

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nmxmxh/inos_netcore/kernel/config"
	"github.com/nmxmxh/inos_netcore/kernel/core/mesh"
	"github.com/nmxmxh/inos_netcore/kernel/core/mesh/routing"
	"github.com/nmxmxh/inos_netcore/kernel/core/metrics"
	"github.com/nmxmxh/inos_netcore/kernel/core/netif"
	"github.com/nmxmxh/inos_netcore/kernel/core/netstack"
	"github.com/nmxmxh/inos_netcore/kernel/threads/arena"
	"github.com/nmxmxh/inos_netcore/kernel/threads/executor"
	"github.com/nmxmxh/inos_netcore/kernel/utils"
)

const metricsShutdownTimeout = 2 * time.Second

// Option customises a Kernel before Boot.
type Option func(*Kernel)

// WithClock replaces the wall clock driving Run.
func WithClock(c clock.Clock) Option {
	return func(k *Kernel) { k.clock = c }
}

// WithIdentity fixes the node identity instead of deriving one from config.
func WithIdentity(id *mesh.Identity) Option {
	return func(k *Kernel) { k.identity = id }
}

// WithP2PSocket serves the overlay on sock instead of a host TCP socket.
func WithP2PSocket(sock netstack.Socket) Option {
	return func(k *Kernel) { k.p2pSock = sock }
}

// Kernel owns every subsystem and the order they start and stop in.
type Kernel struct {
	// loopMu serialises Tick against the transition out of Running, so
	// teardown never runs under an in-progress tick.
	loopMu sync.Mutex
	state  atomic.Int32
	cfg    config.Config
	logger *utils.Logger
	clock  clock.Clock

	identity *mesh.Identity
	p2pSock  netstack.Socket

	arena     *arena.FrameArena
	pool      *arena.BufferPool
	queue     *netif.LoopbackQueue
	device    *netif.Device
	sockets   *netstack.SocketSet
	p2p       netstack.Handle
	host      *netstack.HostSocket
	stack     *netstack.Stack
	node      *mesh.Node
	exec      *executor.Executor
	listener  *mesh.Listener
	collector *metrics.Collector
	registry  http.Handler
	metricsLn net.Listener

	dialed chan routing.PeerInfo
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdown  *utils.GracefulShutdown
	startTime time.Time
}

// New validates cfg and prepares an unbooted kernel.
func New(cfg config.Config, logger *utils.Logger, opts ...Option) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = cfg.Logger()
	}
	k := &Kernel{
		cfg:    cfg,
		logger: logger.Named("kernel"),
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(k)
	}
	k.shutdown = utils.NewGracefulShutdown(k.logger.Named("shutdown"))
	k.setState(StateUninitialized)
	return k, nil
}

// Boot brings subsystems up in dependency order: memory, device, sockets,
// stack, identity, executor, metrics, bootstrap dials. On failure whatever
// was started is torn down again and the kernel ends Stopped.
func (k *Kernel) Boot() (err error) {
	defer k.recoverPanic(&err)
	if !k.transitionState(StateUninitialized, StateBooting) {
		return k.invalidTransition("boot")
	}
	k.startTime = k.clock.Now()
	k.logger.Info("Kernel boot sequence",
		utils.Int("queue_size", k.cfg.QueueSize),
		utils.Int("arena_pages", k.cfg.ArenaPages))

	if err := k.boot(); err != nil {
		k.logger.Error("Boot failed", utils.Err(err))
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		_ = k.shutdown.Shutdown(ctx)
		k.setState(StateStopped)
		return err
	}

	k.setState(StateRunning)
	k.logger.Info("Kernel running",
		utils.String("peer_id", k.node.Identity.PeerID),
		utils.String("p2p", k.p2pAddr()))
	return nil
}

func (k *Kernel) boot() error {
	a, err := arena.NewFrameArena(k.cfg.ArenaPages, arena.DefaultPhysBase)
	if err != nil {
		return err
	}
	k.arena = a
	k.shutdown.Register("arena", a.Close)
	k.pool = arena.NewBufferPool(a, k.cfg.BufferPages)

	k.queue = netif.NewLoopbackQueue(k.cfg.QueueSize)
	k.shutdown.Register("queue", func() error {
		k.queue.Detach()
		return nil
	})
	if k.device, err = netif.NewDevice(k.queue, k.pool, k.logger.Named("netif")); err != nil {
		return err
	}

	host, port, err := k.cfg.Listen()
	if err != nil {
		return err
	}
	k.sockets = netstack.NewSocketSet()
	if k.p2pSock == nil {
		k.host = netstack.NewHostSocket(host, k.logger.Named("netstack"))
		k.shutdown.Register("p2p-socket", k.host.Shutdown)
		k.p2pSock = k.host
	}
	k.p2p = k.sockets.Add(k.p2pSock)
	if err := k.p2pSock.Listen(port); err != nil {
		return err
	}

	k.stack = netstack.NewStack(k.device, k.sockets, k.p2p, k.stackConfig(), k.logger.Named("netstack"))

	if k.identity == nil {
		if k.identity, err = k.loadIdentity(); err != nil {
			return err
		}
	}
	k.node = mesh.NewNode(k.identity, k.logger.Named("p2p"),
		mesh.WithHandshakeLimit(k.cfg.HandshakeLimit, k.cfg.HandshakeBurst))

	k.exec = executor.New(k.logger.Named("executor"))
	k.listener = k.node.NewListener(k.sockets, k.p2p, port)
	k.exec.Spawn(k.listener)

	k.collector = metrics.NewCollector()
	k.registry = metrics.Handler(metrics.NewRegistry(k.collector))
	if err := k.serveMetrics(); err != nil {
		return err
	}

	k.bootstrap()
	return nil
}

func (k *Kernel) stackConfig() netstack.StackConfig {
	sc := netstack.DefaultStackConfig()
	sc.LocalMAC = k.cfg.MAC()
	sc.LocalIP = parseIPv4(k.cfg.LocalIP)
	sc.Gateway = parseIPv4(k.cfg.Gateway)
	sc.HeartbeatInterval = k.cfg.HeartbeatInterval.Std()
	return sc
}

func parseIPv4(s string) net.IP {
	if s == "" {
		return nil
	}
	return net.ParseIP(s).To4()
}

func (k *Kernel) loadIdentity() (*mesh.Identity, error) {
	seed, err := k.cfg.Seed()
	if err != nil {
		return nil, err
	}
	if seed != nil {
		return mesh.NewIdentity(*seed)
	}
	return mesh.GenerateIdentity(nil)
}

func (k *Kernel) serveMetrics() error {
	if k.cfg.MetricsAddr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", k.cfg.MetricsAddr)
	if err != nil {
		return utils.WrapError(utils.ErrCodeInvalidConfig, "metrics listen failed", err).
			WithContext("addr", k.cfg.MetricsAddr)
	}
	k.metricsLn = ln

	mux := http.NewServeMux()
	mux.Handle("/metrics", k.registry)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			k.logger.Error("Metrics server stopped", utils.Err(err))
		}
	}()
	k.shutdown.Register("metrics", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		return srv.Shutdown(ctx)
	})
	k.logger.Info("Serving metrics", utils.String("addr", ln.Addr().String()))
	return nil
}

// bootstrap dials every configured peer once in the background. Results
// are applied to the routing table on the loop goroutine in Tick.
func (k *Kernel) bootstrap() {
	ctx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel
	k.dialed = make(chan routing.PeerInfo, len(k.cfg.Bootstrap))
	k.shutdown.Register("bootstrap", func() error {
		cancel()
		k.wg.Wait()
		return nil
	})
	if len(k.cfg.Bootstrap) == 0 {
		return
	}

	dialer := mesh.NewDialer(k.identity.PeerInfo(), k.cfg.DialCooldown.Std(), k.logger.Named("dial"))
	for _, addr := range k.cfg.Bootstrap {
		k.wg.Add(1)
		go func(addr string) {
			defer k.wg.Done()
			info, err := dialer.Dial(ctx, addr)
			if err != nil {
				k.logger.Warn("Bootstrap dial failed", utils.String("addr", addr), utils.Err(err))
				return
			}
			k.dialed <- info
		}(addr)
	}
}

// Tick runs one host loop iteration at now. It is a no-op unless Running.
func (k *Kernel) Tick(now time.Time) {
	k.loopMu.Lock()
	defer k.loopMu.Unlock()
	if k.State() != StateRunning {
		return
	}
	for drained := false; !drained; {
		select {
		case info := <-k.dialed:
			k.node.AddPeer(info)
		default:
			drained = true
		}
	}
	k.stack.Poll(now)
	k.exec.Poll()
	k.collector.Observe(k.Stats())
}

// Run ticks on the configured interval until ctx ends or the kernel stops.
func (k *Kernel) Run(ctx context.Context) error {
	if k.State() != StateRunning {
		return k.invalidTransition("run")
	}
	ticker := k.clock.Ticker(k.cfg.TickInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			k.Tick(now)
			if k.State() != StateRunning {
				return nil
			}
		}
	}
}

// Shutdown stops every subsystem in reverse boot order. It waits for an
// in-progress Tick and is safe to call while Run is active.
func (k *Kernel) Shutdown(ctx context.Context) error {
	if k.State() == StateStopped {
		return nil
	}
	k.loopMu.Lock()
	stopping := k.transitionState(StateRunning, StateStopping) || k.transitionState(StatePanic, StateStopping)
	k.loopMu.Unlock()
	if !stopping {
		return k.invalidTransition("shutdown")
	}
	k.logger.Info("Kernel shutting down", utils.Duration("uptime", k.clock.Since(k.startTime)))
	err := k.shutdown.Shutdown(ctx)
	k.setState(StateStopped)
	k.logger.Info("Kernel stopped")
	return err
}

// Stats gathers a snapshot from every subsystem.
func (k *Kernel) Stats() metrics.Snapshot {
	return metrics.Snapshot{
		Arena:    k.arena.Stats(),
		Device:   k.device.Stats(),
		Frames:   k.stack.Stats(),
		Polls:    k.stack.Polls(),
		Table:    k.node.Table.Metrics(),
		Executor: k.exec.Stats(),
		Listener: k.listener.Stats(),
		Node:     k.node.Stats(),
	}
}

// Snapshot returns the stats published by the latest Tick. Unlike Stats
// it is safe to call while Run is active.
func (k *Kernel) Snapshot() metrics.Snapshot {
	if k.collector == nil {
		return metrics.Snapshot{}
	}
	return k.collector.Snapshot()
}

// Node returns the overlay state. Nil before Boot.
func (k *Kernel) Node() *mesh.Node { return k.node }

// Queue returns the emulated device queue.
func (k *Kernel) Queue() *netif.LoopbackQueue { return k.queue }

// MetricsHandler serves the kernel's registry.
func (k *Kernel) MetricsHandler() http.Handler { return k.registry }

// P2PAddr returns the bound host address of the overlay socket, or nil
// when the overlay runs on an in-process socket.
func (k *Kernel) P2PAddr() net.Addr {
	if k.host == nil {
		return nil
	}
	return k.host.Addr()
}

// MetricsAddr returns the bound metrics address, or nil when disabled.
func (k *Kernel) MetricsAddr() net.Addr {
	if k.metricsLn == nil {
		return nil
	}
	return k.metricsLn.Addr()
}

func (k *Kernel) p2pAddr() string {
	if addr := k.P2PAddr(); addr != nil {
		return addr.String()
	}
	return "in-process"
}
