package mesh

import (
	"context"
	"net"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/sony/gobreaker"

	"github.com/nmxmxh/inos_netcore/kernel/core/mesh/routing"
	"github.com/nmxmxh/inos_netcore/kernel/utils"
)

const (
	// DefaultDialTimeout bounds one connect-and-exchange attempt.
	DefaultDialTimeout = 5 * time.Second

	// breakerTrips is how many consecutive failures open the breaker.
	breakerTrips = 3
)

// Dialer performs the initiator side of the handshake over host TCP.
// Failing targets trip a circuit breaker so retries back off.
type Dialer struct {
	local   routing.PeerInfo
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	logger  *utils.Logger
}

// NewDialer creates a dialer announcing local. A zero cooldown uses the
// breaker's default open interval.
func NewDialer(local routing.PeerInfo, cooldown time.Duration, logger *utils.Logger) *Dialer {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	d := &Dialer{local: local, timeout: DefaultDialTimeout, logger: logger}
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "p2p-dial",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= breakerTrips
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("Dial breaker state change",
				utils.String("breaker", name),
				utils.String("from", from.String()),
				utils.String("to", to.String()))
		},
	})
	return d
}

// Dial connects to a TCP multiaddr such as /ip4/127.0.0.1/tcp/40444 and
// exchanges identities. The remote peer is returned, not stored.
func (d *Dialer) Dial(ctx context.Context, addr string) (routing.PeerInfo, error) {
	target, err := DialTarget(addr)
	if err != nil {
		return routing.PeerInfo{}, err
	}
	res, err := d.breaker.Execute(func() (interface{}, error) {
		return d.exchange(ctx, target)
	})
	if err != nil {
		return routing.PeerInfo{}, err
	}
	return res.(routing.PeerInfo), nil
}

// State reports the breaker state.
func (d *Dialer) State() gobreaker.State {
	return d.breaker.State()
}

func (d *Dialer) exchange(ctx context.Context, target net.Addr) (routing.PeerInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, target.Network(), target.String())
	if err != nil {
		return routing.PeerInfo{}, utils.WrapError(utils.ErrCodeConnectionClosed, "dial failed", err).
			WithContext("addr", target.String())
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	info, err := Exchange(conn, d.local, nil)
	if err != nil {
		return routing.PeerInfo{}, err
	}
	d.logger.Info("Outbound handshake complete",
		utils.String("addr", target.String()),
		utils.String("remote_peer_id", info.PeerID),
		utils.String("remote_node_id", info.NodeID.String()))
	return info, nil
}

// DialTarget converts a TCP multiaddr into a net.Addr.
func DialTarget(addr string) (net.Addr, error) {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeInvalidConfig, "bad multiaddr", err).WithContext("addr", addr)
	}
	na, err := manet.ToNetAddr(m)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeInvalidConfig, "unsupported multiaddr", err).WithContext("addr", addr)
	}
	if _, ok := na.(*net.TCPAddr); !ok {
		return nil, utils.NewKernelError(utils.ErrCodeInvalidConfig, "dial target must be TCP").WithContext("addr", addr)
	}
	return na, nil
}
