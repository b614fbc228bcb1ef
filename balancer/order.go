package balancer

import (
	"github.com/driftloom/corerpc/registry"
)

// InitialOrder drains instances through b one pick at a time, building the
// host order a clientlist.List fleet is constructed from.
//
// The teacher's Balancer.Pick was called once per RPC; here it is called
// once per remaining instance at construction time, so a weighted or
// round-robin strategy decides which slot each host occupies, without
// re-running a balancer decision on every call (round robin, warm-up,
// and too-busy retry are cluster's job from here on, see cluster.Client).
func InitialOrder(b Balancer, instances []registry.ServiceInstance) []string {
	remaining := append([]registry.ServiceInstance(nil), instances...)
	order := make([]string, 0, len(remaining))
	for len(remaining) > 0 {
		pick, err := b.Pick(remaining)
		if err != nil || pick == nil {
			break
		}
		order = append(order, pick.Addr)
		for i, inst := range remaining {
			if inst.Addr == pick.Addr {
				remaining = append(remaining[:i], remaining[i+1:]...)
				break
			}
		}
	}
	return order
}

// GroupFor uses a consistent-hash ring to select up to n distinct hosts
// responsible for key, for BroadcastClient callers that want to fan a
// call out to a key's replica set rather than every configured host. It
// tries at most 8n key variants, so it returns fewer than n hosts when
// the ring holds fewer distinct instances or those variants do not
// reach n of them.
func GroupFor(ring *ConsistentHashBalancer, key string, n int) []string {
	seen := make(map[string]bool, n)
	group := make([]string, 0, n)
	for i := 0; len(group) < n && i < n*8; i++ {
		inst, err := ring.Pick(keyVariant(key, i))
		if err != nil || inst == nil || seen[inst.Addr] {
			continue
		}
		seen[inst.Addr] = true
		group = append(group, inst.Addr)
	}
	return group
}

func keyVariant(key string, i int) string {
	if i == 0 {
		return key
	}
	buf := make([]byte, 0, len(key)+8)
	buf = append(buf, key...)
	buf = append(buf, '#')
	buf = appendInt(buf, i)
	return string(buf)
}

func appendInt(buf []byte, n int) []byte {
	if n == 0 {
		return append(buf, '0')
	}
	var tmp [20]byte
	i := len(tmp)
	for n > 0 {
		i--
		tmp[i] = byte('0' + n%10)
		n /= 10
	}
	return append(buf, tmp[i:]...)
}
