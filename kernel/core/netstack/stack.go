package netstack

import (
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/nmxmxh/inos_netcore/kernel/core/netif"
	"github.com/nmxmxh/inos_netcore/kernel/utils"
)

const (
	// statusEvery is how many polls pass between status lines.
	statusEvery = 500

	// maxFramesPerPoll bounds the receive work done in one poll.
	maxFramesPerPoll = netif.QueueSize
)

// StackConfig addresses the interface. A nil LocalIP or Gateway disables
// the UDP services.
type StackConfig struct {
	LocalMAC          net.HardwareAddr
	LocalIP           net.IP
	Gateway           net.IP
	EchoPort          uint16
	HeartbeatPort     uint16
	HeartbeatInterval time.Duration
}

// DefaultStackConfig is the user-mode emulator network: 10.0.2.15/24 via 10.0.2.2.
func DefaultStackConfig() StackConfig {
	return StackConfig{
		LocalMAC:          net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56},
		LocalIP:           net.IPv4(10, 0, 2, 15).To4(),
		Gateway:           net.IPv4(10, 0, 2, 2).To4(),
		EchoPort:          6969,
		HeartbeatPort:     12345,
		HeartbeatInterval: 5 * time.Second,
	}
}

// FrameStats counts what the stack saw on the wire.
type FrameStats struct {
	Frames     uint64
	ARP        uint64
	IPv4       uint64
	UDP        uint64
	TCP        uint64
	Other      uint64
	Malformed  uint64
	Echoed     uint64
	Heartbeats uint64
	TxDropped  uint64
}

// Stack drives the device and services the socket set once per poll.
type Stack struct {
	device  *netif.Device
	sockets *SocketSet
	p2p     Handle
	cfg     StackConfig
	logger  *utils.Logger

	polls         uint64
	lastHeartbeat time.Time
	pending       [][]byte
	stats         FrameStats
}

// NewStack binds a device to a socket set whose p2p handle is the overlay socket.
func NewStack(dev *netif.Device, sockets *SocketSet, p2p Handle, cfg StackConfig, logger *utils.Logger) *Stack {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Stack{
		device:  dev,
		sockets: sockets,
		p2p:     p2p,
		cfg:     cfg,
		logger:  logger,
	}
}

// Poll advances the stack to `now`. It reports whether any frame arrived.
func (s *Stack) Poll(now time.Time) bool {
	count := s.polls
	s.polls++
	if count%statusEvery == 0 {
		s.logger.Info("Poll",
			utils.Uint64("poll", count),
			utils.String("ip", ipString(s.cfg.LocalIP)),
			utils.Int64("time_ms", now.UnixMilli()),
		)
	}

	received := false
	if s.device != nil {
		for i := 0; i < maxFramesPerPoll; i++ {
			if !s.device.Receive(s.handleFrame) {
				break
			}
			received = true
		}
		s.flush()
	}

	if sock, err := s.sockets.Get(s.p2p); err == nil {
		if st := sock.State(); st != StateListen && st != StateClosed {
			s.logger.Debug("P2P socket state", utils.String("state", st.String()))
		}
	}

	s.heartbeat(now)
	return received
}

// Polls returns how many times Poll ran.
func (s *Stack) Polls() uint64 { return s.polls }

// Stats returns the frame counters.
func (s *Stack) Stats() FrameStats { return s.stats }

// handleFrame runs inside the receive scope; anything kept must be copied.
func (s *Stack) handleFrame(frame []byte) {
	s.stats.Frames++
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	if pkt.ErrorLayer() != nil {
		s.stats.Malformed++
		return
	}

	if pkt.Layer(layers.LayerTypeARP) != nil {
		s.stats.ARP++
		return
	}
	ipLayer, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		s.stats.Other++
		return
	}
	s.stats.IPv4++

	if pkt.Layer(layers.LayerTypeTCP) != nil {
		s.stats.TCP++
		return
	}
	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		return
	}
	s.stats.UDP++

	if s.cfg.EchoPort == 0 || uint16(udp.DstPort) != s.cfg.EchoPort || !ipLayer.DstIP.Equal(s.cfg.LocalIP) {
		return
	}
	s.logger.Debug("UDP echo", utils.Int("bytes", len(udp.Payload)), utils.String("from", ipLayer.SrcIP.String()))

	eth, _ := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	reply, err := buildUDP(s.cfg.LocalMAC, eth.SrcMAC, s.cfg.LocalIP, ipLayer.SrcIP,
		uint16(udp.DstPort), uint16(udp.SrcPort), udp.Payload)
	if err != nil {
		s.logger.Warn("Echo build failed", utils.Err(err))
		return
	}
	s.pending = append(s.pending, reply)
	s.stats.Echoed++
}

func (s *Stack) heartbeat(now time.Time) {
	if s.cfg.HeartbeatInterval <= 0 || s.cfg.LocalIP == nil || s.cfg.Gateway == nil || s.device == nil {
		return
	}
	if s.lastHeartbeat.IsZero() {
		s.lastHeartbeat = now
		return
	}
	if now.Sub(s.lastHeartbeat) <= s.cfg.HeartbeatInterval {
		return
	}
	s.lastHeartbeat = now

	// No ARP cache: the gateway is reached through the broadcast address.
	frame, err := buildUDP(s.cfg.LocalMAC, layers.EthernetBroadcast, s.cfg.LocalIP, s.cfg.Gateway,
		s.cfg.EchoPort, s.cfg.HeartbeatPort, []byte("PING"))
	if err != nil {
		s.logger.Warn("Heartbeat build failed", utils.Err(err))
		return
	}
	s.logger.Info("Sending heartbeat to gateway", utils.String("gateway", s.cfg.Gateway.String()))
	if s.transmit(frame) {
		s.stats.Heartbeats++
	}
}

func (s *Stack) flush() {
	for _, frame := range s.pending {
		s.transmit(frame)
	}
	s.pending = s.pending[:0]
}

func (s *Stack) transmit(frame []byte) bool {
	err := s.device.Transmit(len(frame), func(buf []byte) error {
		copy(buf, frame)
		return nil
	})
	if err != nil {
		s.stats.TxDropped++
		s.logger.Debug("Frame dropped", utils.Int("bytes", len(frame)), utils.Err(err))
		return false
	}
	return true
}

// buildUDP serializes an Ethernet/IPv4/UDP frame with software checksums,
// since the device offers no offload.
func buildUDP(srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP net.IP, srcPort, dstPort uint16, payload []byte) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP.To4(),
		DstIP:    dstIP.To4(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

func ipString(ip net.IP) string {
	if ip == nil {
		return "none"
	}
	return ip.String()
}
