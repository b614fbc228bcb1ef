package balancer

import (
	"fmt"
	"sync/atomic"

	"github.com/driftloom/corerpc/registry"
)

// RoundRobinBalancer walks a candidate list in sequence. InitialOrder
// shrinks the candidate slice by one after every Pick, so across one
// ordering pass the cursor never revisits an already-placed instance:
// every configured instance is placed exactly once, in the order the
// cursor (modulo the shrinking slice length) selects them. The result
// is generally not a rotation of the configured list; [A,B,C] from a
// fresh cursor orders as B, A, C.
type RoundRobinBalancer struct {
	cursor atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("balancer: round robin: no instances available")
	}
	idx := b.cursor.Add(1) % uint64(len(instances))
	return &instances[idx], nil
}

func (b *RoundRobinBalancer) Name() string { return "RoundRobin" }
