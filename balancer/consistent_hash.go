package balancer

import (
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/driftloom/corerpc/registry"
)

// ConsistentHashBalancer assigns each key to a stable instance on a hash
// ring, so GroupFor's replica-set lookups for BroadcastClient keep
// returning the same hosts for the same key across calls, independent
// of fleet ordering.
//
// vnodes virtual nodes per real instance spread each instance's share
// of the ring evenly; without them, a handful of real instances often
// cluster unevenly rather than partitioning the ring fairly.
type ConsistentHashBalancer struct {
	vnodes int
	ring   []uint32
	owner  map[uint32]*registry.ServiceInstance
	dirty  bool // ring grew since the last sort
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes
// per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		vnodes: 100,
		owner:  make(map[uint32]*registry.ServiceInstance),
	}
}

// Add places instance onto the ring at vnodes positions, hashed from
// "{addr}#{i}". The ring is left unsorted; Pick sorts it lazily on
// first use after a run of Adds, so seeding a ring from N instances
// costs one sort instead of N.
func (b *ConsistentHashBalancer) Add(instance *registry.ServiceInstance) {
	for i := 0; i < b.vnodes; i++ {
		h := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, h)
		b.owner[h] = instance
	}
	b.dirty = true
}

// Pick returns the instance owning the first ring position at or after
// key's hash, wrapping to the ring's first position if key's hash falls
// past every placed node.
//
// Pick takes a string key rather than a candidate list because
// consistent hashing is key-addressed, not candidate-addressed — it
// does not implement Balancer.
func (b *ConsistentHashBalancer) Pick(key string) (*registry.ServiceInstance, error) {
	if len(b.ring) == 0 {
		return nil, fmt.Errorf("balancer: consistent hash: ring is empty")
	}
	if b.dirty {
		sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
		b.dirty = false
	}

	h := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= h })
	if idx == len(b.ring) {
		idx = 0
	}
	return b.owner[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string { return "ConsistentHash" }
