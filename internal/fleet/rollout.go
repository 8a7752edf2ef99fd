package fleet

import (
	"fmt"

	"github.com/msageha/fleetguard/internal/model"
)

type Strategy string

const (
	// StrategyGroupCanary opens with one host from each group before
	// batching the rest.
	StrategyGroupCanary Strategy = "group_canary"
	// StrategyBatch batches hosts in order with no canary wave.
	StrategyBatch Strategy = "batch"
)

// Wave is one rollout stage.
type Wave []*model.Host

// IDs returns the host IDs of w in order.
func (w Wave) IDs() []string {
	out := make([]string, len(w))
	for i, h := range w {
		out[i] = h.ID
	}
	return out
}

// BuildRolloutStages partitions hosts into waves of at most batchSize hosts,
// preserving input order. With StrategyGroupCanary wave 0 holds at most one
// host per distinct group; ungrouped hosts form a single group of their own.
// Group names compare case-insensitively. The canary wave is capped at
// batchSize too, so groups past the first batchSize get no canary host and
// a later batch wave may cover such a group entirely.
func BuildRolloutStages(hosts []*model.Host, batchSize int, strategy Strategy) ([]Wave, error) {
	if batchSize < 1 {
		batchSize = 1
	}
	rest := hosts
	var waves []Wave

	switch strategy {
	case StrategyGroupCanary, "":
		seen := make(map[string]bool)
		var canary Wave
		rest = nil
		for _, h := range hosts {
			g := groupKey(h)
			if !seen[g] && len(canary) < batchSize {
				seen[g] = true
				canary = append(canary, h)
				continue
			}
			rest = append(rest, h)
		}
		if len(canary) > 0 {
			waves = append(waves, canary)
		}
	case StrategyBatch:
	default:
		return nil, fmt.Errorf("unknown rollout strategy %q", strategy)
	}

	for len(rest) > 0 {
		n := min(batchSize, len(rest))
		waves = append(waves, Wave(rest[:n:n]))
		rest = rest[n:]
	}
	return waves, nil
}
