// Package netif mediates hardware queue descriptor slots so packet payloads are
// written and read in place, and DMA buffers are never leaked or double-owned.
package netif

const (
	// QueueSize is the default descriptor count of each hardware queue.
	QueueSize = 256

	// HeaderLen is the legacy device header that precedes every frame
	// (no mergeable receive buffers).
	HeaderLen = 10

	// MTU of the Ethernet medium.
	MTU = 1500
)

// Queue is the token-based receive/transmit exchange offered by the device
// driver. Tokens index descriptor slots and must lie in [0, Capacity()).
// Begin calls report utils.ErrQueueFull when no descriptor is free.
type Queue interface {
	Capacity() int
	AckInterrupt() bool

	// ReceiveBegin posts buf to the receive queue.
	ReceiveBegin(buf []byte) (uint16, error)
	// PollReceive reports a completed receive, if any.
	PollReceive() (uint16, bool)
	// ReceiveComplete detaches buf from token and returns the packet length
	// that follows the device header.
	ReceiveComplete(token uint16, buf []byte) (int, error)

	// TransmitBegin posts header+frame for transmission.
	TransmitBegin(buf []byte) (uint16, error)
	// PollTransmit reports a completed transmit, if any.
	PollTransmit() (uint16, bool)
	// TransmitComplete detaches buf from token.
	TransmitComplete(token uint16, buf []byte) error
}

// ChecksumMode describes who computes a protocol checksum.
type ChecksumMode uint8

const (
	// ChecksumNone means the device neither verifies nor computes it;
	// the protocol stack must.
	ChecksumNone ChecksumMode = iota
	ChecksumBoth
)

// ChecksumCapabilities lists offload support per protocol.
type ChecksumCapabilities struct {
	IPv4   ChecksumMode
	TCP    ChecksumMode
	UDP    ChecksumMode
	ICMPv4 ChecksumMode
}

// Capabilities advertises what the device supports to the protocol stack.
type Capabilities struct {
	MTU          int
	MaxBurstSize int
	Medium       string
	Checksum     ChecksumCapabilities
}

// DefaultCapabilities reports an Ethernet device with no checksum offload.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		MTU:          MTU,
		MaxBurstSize: 1,
		Medium:       "ethernet",
		Checksum: ChecksumCapabilities{
			IPv4:   ChecksumNone,
			TCP:    ChecksumNone,
			UDP:    ChecksumNone,
			ICMPv4: ChecksumNone,
		},
	}
}
