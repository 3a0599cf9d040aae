package routing

import (
	"sort"
	"sync"
)

// K is the replication factor: the capacity of every bucket.
const K = 20

// PeerInfo identifies a known peer. Two PeerInfos are the same peer when
// their NodeIDs match.
type PeerInfo struct {
	NodeID NodeID
	PeerID string
}

// KBucket holds up to K peers ordered least- to most-recently seen.
type KBucket struct {
	peers []PeerInfo
}

// Add records peer as most recently seen. A known peer moves to the tail;
// a new peer is appended while there is room. A full bucket rejects new
// peers without probing existing entries.
func (b *KBucket) Add(peer PeerInfo) bool {
	for i, p := range b.peers {
		if p.NodeID == peer.NodeID {
			copy(b.peers[i:], b.peers[i+1:])
			b.peers[len(b.peers)-1] = peer
			return true
		}
	}
	if len(b.peers) >= K {
		return false
	}
	b.peers = append(b.peers, peer)
	return true
}

// Len returns the number of entries.
func (b *KBucket) Len() int { return len(b.peers) }

// Peers returns a copy of the entries, oldest first.
func (b *KBucket) Peers() []PeerInfo {
	return append([]PeerInfo(nil), b.peers...)
}

// TableMetrics summarizes the table for observers.
type TableMetrics struct {
	Peers           int    `json:"peers"`
	Accepted        uint64 `json:"accepted"`
	Rejected        uint64 `json:"rejected"`
	BucketFillLevel []int  `json:"bucket_fill_level"`
}

// Table is the local routing table: one KBucket per leading-zero count of
// the distance to the local node.
type Table struct {
	local NodeID

	mu       sync.RWMutex
	buckets  [NumBuckets]KBucket
	accepted uint64
	rejected uint64
}

// NewTable creates an empty table centred on local.
func NewTable(local NodeID) *Table {
	return &Table{local: local}
}

// LocalID returns the identifier the table is centred on.
func (t *Table) LocalID() NodeID { return t.local }

// AddPeer files peer into its bucket and reports whether it was kept.
func (t *Table) AddPeer(peer PeerInfo) bool {
	idx := BucketIndex(t.local.Distance(peer.NodeID))

	t.mu.Lock()
	defer t.mu.Unlock()
	ok := t.buckets[idx].Add(peer)
	if ok {
		t.accepted++
	} else {
		t.rejected++
	}
	return ok
}

// Bucket returns a copy of bucket idx.
func (t *Table) Bucket(idx int) []PeerInfo {
	if idx < 0 || idx >= NumBuckets {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.buckets[idx].Peers()
}

// FindClosest returns up to count peers sorted by ascending distance to
// target. It scans every bucket, which is fine for small peer sets.
func (t *Table) FindClosest(target NodeID, count int) []PeerInfo {
	if count <= 0 {
		return nil
	}

	t.mu.RLock()
	var all []PeerInfo
	for i := range t.buckets {
		all = append(all, t.buckets[i].peers...)
	}
	t.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].NodeID.Distance(target).Cmp(all[j].NodeID.Distance(target)) < 0
	})
	if len(all) > count {
		all = all[:count]
	}
	return all
}

// Len returns the total number of peers across all buckets.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for i := range t.buckets {
		n += t.buckets[i].Len()
	}
	return n
}

// Metrics returns peer counts and the per-bucket fill levels.
func (t *Table) Metrics() TableMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m := TableMetrics{
		Accepted:        t.accepted,
		Rejected:        t.rejected,
		BucketFillLevel: make([]int, NumBuckets),
	}
	for i := range t.buckets {
		n := t.buckets[i].Len()
		m.BucketFillLevel[i] = n
		m.Peers += n
	}
	return m
}
