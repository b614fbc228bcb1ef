// Package balancer orders a fleet of hosts before clientlist.List ever
// opens a socket.
//
// Once a fleet is built, cluster.Client and broadcast.Client own
// liveness, round robin, and warm-up for every call — these strategies
// only shape the *initial* host order InitialOrder feeds into
// clientlist.New, generalizing the teacher's per-call Balancer.Pick
// (re-run on every RPC) into a one-shot construction-time step.
//
// Three strategies are implemented:
//   - RoundRobin:      stateless services, equal-capacity instances
//   - WeightedRandom:  heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  cache-affinity, key-addressed replica groups
package balancer

import "github.com/driftloom/corerpc/registry"

// Balancer narrows a candidate instance list to one pick. InitialOrder
// calls Pick once per remaining candidate while building a fleet's
// initial host order; a Balancer is never consulted per-RPC in this
// module, unlike the teacher's Balancer.Pick.
type Balancer interface {
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}
