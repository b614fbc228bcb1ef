package balancer

import (
	"fmt"
	"math/rand"

	"github.com/driftloom/corerpc/registry"
)

// WeightedRandomBalancer draws a candidate proportionally to its
// configured weight: an instance with weight 10 is roughly twice as
// likely to be placed early in the fleet's initial order as one with
// weight 5.
//
// Zero- and negative-weight instances are excluded from the weighted
// draw (they'd otherwise panic rand.Intn(0) if every candidate were
// zero-weight); if none carry positive weight, Pick falls back to a
// uniform draw so the ordering pass still makes progress.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("balancer: weighted random: no instances available")
	}

	total := 0
	for i := range instances {
		if instances[i].Weight > 0 {
			total += instances[i].Weight
		}
	}
	if total == 0 {
		return &instances[rand.Intn(len(instances))], nil
	}

	draw := rand.Intn(total)
	for i := range instances {
		if instances[i].Weight <= 0 {
			continue
		}
		draw -= instances[i].Weight
		if draw < 0 {
			return &instances[i], nil
		}
	}
	return nil, fmt.Errorf("balancer: weighted random: draw %d exceeded total weight %d", draw, total)
}

func (b *WeightedRandomBalancer) Name() string { return "WeightedRandom" }
