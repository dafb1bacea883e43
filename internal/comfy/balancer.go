// ABOUTME: Load balancing strategies over the registry's healthy-instance snapshot.
// ABOUTME: Least-busy by busy/weight ratio, round-robin with a live cursor, weighted random.

package comfy

import (
	"fmt"
	"math/rand"
	"sync"
)

// Strategy names a balancing policy.
type Strategy string

const (
	StrategyLeastBusy  Strategy = "LEAST_BUSY"
	StrategyRoundRobin Strategy = "ROUND_ROBIN"
	StrategyRandom     Strategy = "RANDOM"
)

// ParseStrategy maps a configuration string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyLeastBusy, StrategyRoundRobin, StrategyRandom:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown load balancing strategy %q", s)
}

// Balancer picks one healthy instance per call. It holds no state beyond the
// round-robin cursor; the healthy list is recomputed by the caller each time,
// so instances dropping out never wedge the rotation.
type Balancer struct {
	strategy Strategy

	mu     sync.Mutex
	cursor int
}

// NewBalancer creates a Balancer with the given strategy.
func NewBalancer(strategy Strategy) *Balancer {
	return &Balancer{strategy: strategy}
}

// Strategy returns the configured policy name.
func (b *Balancer) Strategy() Strategy {
	return b.strategy
}

// Pick selects one instance from the healthy snapshot, which must preserve
// declaration order. Returns ErrNoAvailableInstance on an empty snapshot.
func (b *Balancer) Pick(healthy []*Instance) (*Instance, error) {
	if len(healthy) == 0 {
		return nil, ErrNoAvailableInstance
	}

	switch b.strategy {
	case StrategyRoundRobin:
		return b.pickRoundRobin(healthy), nil
	case StrategyRandom:
		return pickWeightedRandom(healthy), nil
	default:
		return pickLeastBusy(healthy), nil
	}
}

// pickLeastBusy minimizes busy/weight; ties go to the earliest-declared
// instance.
func pickLeastBusy(healthy []*Instance) *Instance {
	best := healthy[0]
	bestRatio := ratio(best)
	for _, inst := range healthy[1:] {
		if r := ratio(inst); r < bestRatio {
			best = inst
			bestRatio = r
		}
	}
	return best
}

func ratio(inst *Instance) float64 {
	weight := inst.Weight
	if weight <= 0 {
		weight = 1
	}
	return float64(inst.Busy()) / float64(weight)
}

// pickRoundRobin advances a cursor over the live healthy list, wrapping. The
// cursor is reduced modulo the current list length so entries leaving the set
// cannot be skipped past permanently.
func (b *Balancer) pickRoundRobin(healthy []*Instance) *Instance {
	b.mu.Lock()
	defer b.mu.Unlock()

	inst := healthy[b.cursor%len(healthy)]
	b.cursor++
	return inst
}

// pickWeightedRandom draws an instance with probability weight/sum(weights).
func pickWeightedRandom(healthy []*Instance) *Instance {
	total := 0
	for _, inst := range healthy {
		w := inst.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}

	n := rand.Intn(total)
	for _, inst := range healthy {
		w := inst.Weight
		if w <= 0 {
			w = 1
		}
		if n < w {
			return inst
		}
		n -= w
	}
	return healthy[len(healthy)-1]
}
