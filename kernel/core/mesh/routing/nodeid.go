// Package routing keeps the local Kademlia routing table: 32-byte node
// identifiers, XOR distance, and one bounded bucket per shared-prefix length.
package routing

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/bits"

	sha256 "github.com/minio/sha256-simd"
)

const (
	// IDLength is the size of a NodeID in bytes.
	IDLength = 32

	// NumBuckets is one bucket per possible leading-zero count.
	NumBuckets = IDLength * 8
)

// NodeID is an overlay identifier: the SHA-256 of a peer's identity blob.
type NodeID [IDLength]byte

// NodeIDFromData hashes data into a NodeID.
func NodeIDFromData(data []byte) NodeID {
	return NodeID(sha256.Sum256(data))
}

// NodeIDFromBytes copies exactly IDLength bytes into a NodeID.
func NodeIDFromBytes(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != IDLength {
		return id, fmt.Errorf("node id must be %d bytes, got %d", IDLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Distance returns the XOR distance between id and other.
func (id NodeID) Distance(other NodeID) Distance {
	var d Distance
	for i := range id {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// Hex returns the full identifier in hex.
func (id NodeID) Hex() string {
	return hex.EncodeToString(id[:])
}

// String abbreviates the identifier to its first four bytes.
func (id NodeID) String() string {
	return "NodeId(" + hex.EncodeToString(id[:4]) + "...)"
}

// Distance is a 256-bit XOR metric value, compared as a big-endian integer.
type Distance [IDLength]byte

// LeadingZeros counts zero bits from the most significant end.
func (d Distance) LeadingZeros() int {
	zeros := 0
	for _, b := range d {
		if b != 0 {
			return zeros + bits.LeadingZeros8(b)
		}
		zeros += 8
	}
	return zeros
}

// IsZero reports whether the distance is to self.
func (d Distance) IsZero() bool {
	return d == Distance{}
}

// Cmp compares two distances: -1, 0 or +1.
func (d Distance) Cmp(other Distance) int {
	return bytes.Compare(d[:], other[:])
}

// BucketIndex maps a distance to its bucket: the leading-zero count, capped
// at the last bucket. Zero distance (self) maps to bucket 0.
func BucketIndex(d Distance) int {
	if d.IsZero() {
		return 0
	}
	idx := d.LeadingZeros()
	if idx >= NumBuckets {
		idx = NumBuckets - 1
	}
	return idx
}
