// Package mesh is the overlay: node identity, the identity handshake, and
// the listener task that feeds handshaken peers into the routing table.
package mesh

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/mr-tron/base58"
	mh "github.com/multiformats/go-multihash"

	"github.com/nmxmxh/inos_netcore/kernel/core/mesh/routing"
	"github.com/nmxmxh/inos_netcore/kernel/utils"
)

// SeedSize is the size of the random seed an identity is derived from.
const SeedSize = 32

// MinIdentityPayload is the smallest valid handshake payload: a zero-length
// peer string plus the NodeID.
const MinIdentityPayload = 4 + routing.IDLength

// Identity is this node's keypair and the identifiers derived from it.
// It is immutable once created.
type Identity struct {
	PrivKey crypto.PrivKey
	PubKey  crypto.PubKey

	// Blob is the identity multihash of the protobuf-encoded public key.
	Blob   []byte
	PeerID string
	NodeID routing.NodeID
}

// NewIdentity derives an ed25519 identity from seed. The same seed always
// yields the same identity.
func NewIdentity(seed [SeedSize]byte) (*Identity, error) {
	priv, pub, err := crypto.GenerateEd25519Key(bytes.NewReader(seed[:]))
	if err != nil {
		return nil, fmt.Errorf("derive keypair: %w", err)
	}

	proto, err := crypto.MarshalPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}
	blob, err := mh.Sum(proto, mh.IDENTITY, -1)
	if err != nil {
		return nil, fmt.Errorf("identity multihash: %w", err)
	}

	return &Identity{
		PrivKey: priv,
		PubKey:  pub,
		Blob:    blob,
		PeerID:  base58.Encode(blob),
		NodeID:  routing.NodeIDFromData(blob),
	}, nil
}

// GenerateIdentity draws a seed from r, or from crypto/rand when r is nil.
func GenerateIdentity(r io.Reader) (*Identity, error) {
	if r == nil {
		r = rand.Reader
	}
	var seed [SeedSize]byte
	if _, err := io.ReadFull(r, seed[:]); err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return NewIdentity(seed)
}

// PeerInfo returns the routing entry describing this identity.
func (id *Identity) PeerInfo() routing.PeerInfo {
	return routing.PeerInfo{NodeID: id.NodeID, PeerID: id.PeerID}
}

// EncodeIdentity lays out a handshake payload:
// u32 LE length | peer-id bytes | 32-byte NodeID.
func EncodeIdentity(info routing.PeerInfo) []byte {
	payload := make([]byte, 4, 4+len(info.PeerID)+routing.IDLength)
	binary.LittleEndian.PutUint32(payload, uint32(len(info.PeerID)))
	payload = append(payload, info.PeerID...)
	return append(payload, info.NodeID[:]...)
}

// DecodeIdentity parses a handshake payload. Invalid UTF-8 in the peer
// string is replaced rather than rejected, and bytes after the NodeID are
// ignored.
func DecodeIdentity(payload []byte) (routing.PeerInfo, error) {
	if len(payload) < MinIdentityPayload {
		return routing.PeerInfo{}, utils.ErrShortPayload(len(payload), MinIdentityPayload)
	}
	n := uint64(binary.LittleEndian.Uint32(payload))
	if uint64(len(payload)) < 4+n+routing.IDLength {
		return routing.PeerInfo{}, utils.ErrShortPayload(len(payload), int(4+n+routing.IDLength))
	}

	var info routing.PeerInfo
	info.PeerID = strings.ToValidUTF8(string(payload[4:4+n]), "\uFFFD")
	copy(info.NodeID[:], payload[4+n:4+n+routing.IDLength])
	return info, nil
}
