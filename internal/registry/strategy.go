package registry

import (
	"fmt"

	"agency/internal/job"
)

// Strategy chooses a node for a resource request from a snapshot of online
// nodes. Implementations must be deterministic for a given snapshot.
type Strategy interface {
	Name() string
	Pick(req job.Resources, nodes []job.Node) (job.Node, bool)
}

// Strategy names
const (
	StrategyLeastReserved = "least-reserved"
	StrategyBestFit       = "best-fit"
)

// StrategyByName returns the named strategy.
func StrategyByName(name string) (Strategy, error) {
	switch name {
	case "", StrategyLeastReserved:
		return LeastReserved{}, nil
	case StrategyBestFit:
		return BestFit{}, nil
	default:
		return nil, fmt.Errorf("unknown scheduling strategy %q (want %s or %s)", name, StrategyLeastReserved, StrategyBestFit)
	}
}

// LeastReserved spreads load: it picks the fitting node with the least
// reserved memory, then the least reserved CPU.
type LeastReserved struct{}

func (LeastReserved) Name() string { return StrategyLeastReserved }

func (LeastReserved) Pick(req job.Resources, nodes []job.Node) (job.Node, bool) {
	return pick(req, nodes, func(a, b job.Node) bool {
		if a.Reserved.MemoryMB != b.Reserved.MemoryMB {
			return a.Reserved.MemoryMB < b.Reserved.MemoryMB
		}
		return a.Reserved.CPUMillis < b.Reserved.CPUMillis
	})
}

// BestFit packs load: it keeps GPU nodes free for jobs that need GPUs, then
// picks the fitting node with the least free memory.
type BestFit struct{}

func (BestFit) Name() string { return StrategyBestFit }

func (BestFit) Pick(req job.Resources, nodes []job.Node) (job.Node, bool) {
	return pick(req, nodes, func(a, b job.Node) bool {
		if req.GPUs == 0 {
			aGPU, bGPU := a.Total.GPUs > 0, b.Total.GPUs > 0
			if aGPU != bGPU {
				return !aGPU
			}
		}
		return a.Free().MemoryMB < b.Free().MemoryMB
	})
}

// pick returns the fitting node ordered first by less. Ties keep snapshot
// order, which is by node id.
func pick(req job.Resources, nodes []job.Node, less func(a, b job.Node) bool) (job.Node, bool) {
	var (
		best  job.Node
		found bool
	)
	for _, n := range nodes {
		if n.Health != job.HealthOnline || !req.Fits(n.Free()) {
			continue
		}
		if !found || less(n, best) {
			best, found = n, true
		}
	}
	return best, found
}

// Satisfiable reports whether any node of the pool could ever hold req, were
// it empty. Unreachable nodes count since they may come back; disabled nodes
// do not.
func Satisfiable(req job.Resources, pool []job.Node) bool {
	for _, n := range pool {
		if n.Health != job.HealthDisabled && req.Fits(n.Total) {
			return true
		}
	}
	return false
}
