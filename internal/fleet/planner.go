package fleet

import (
	"context"
	"fmt"
	"sort"

	"github.com/msageha/fleetguard/internal/model"
)

// HostLister is the slice of the host directory the planner reads.
type HostLister interface {
	ListHosts(ctx context.Context) ([]*model.Host, error)
}

type RolloutRequest struct {
	ActionID  string   `json:"actionId" validate:"required"`
	Selector  Selector `json:"selector"`
	Limits    Limits   `json:"limits"`
	BatchSize int      `json:"batchSize" validate:"gte=0"`
	Strategy  Strategy `json:"strategy" validate:"omitempty,oneof=group_canary batch"`
}

// RolloutPlan is the outcome of planning one rollout. Waves hold host IDs;
// Hosts indexes the accepted hosts for execution.
type RolloutPlan struct {
	ActionID          string                 `json:"actionId"`
	Selector          Selector               `json:"selector"`
	Strategy          Strategy               `json:"strategy"`
	TotalEnabledFleet int                    `json:"totalEnabledFleet"`
	Matched           int                    `json:"matched"`
	AllowedByPercent  int                    `json:"allowedByPercent"`
	MaxHostsEffective int                    `json:"maxHostsEffective"`
	Accepted          []string               `json:"accepted"`
	Rejected          []Rejection            `json:"rejected"`
	Waves             [][]string             `json:"waves"`
	Hosts             map[string]*model.Host `json:"-"`
}

// Wave returns the hosts of wave i.
func (p *RolloutPlan) Wave(i int) (Wave, error) {
	if i < 0 || i >= len(p.Waves) {
		return nil, fmt.Errorf("wave %d out of range (plan has %d)", i, len(p.Waves))
	}
	w := make(Wave, 0, len(p.Waves[i]))
	for _, id := range p.Waves[i] {
		w = append(w, p.Hosts[id])
	}
	return w, nil
}

type Planner struct {
	hosts HostLister
}

func NewPlanner(hosts HostLister) *Planner {
	return &Planner{hosts: hosts}
}

// Plan selects hosts for req, drops paused ones, orders the rest by rollout
// priority (highest first, then ID), applies blast-radius limits and stages
// the accepted hosts into waves.
func (p *Planner) Plan(ctx context.Context, req RolloutRequest) (*RolloutPlan, error) {
	all, err := p.hosts.ListHosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = StrategyGroupCanary
	}
	sel := NormalizeSelector(req.Selector)
	plan := &RolloutPlan{
		ActionID: req.ActionID,
		Selector: sel,
		Strategy: strategy,
		Accepted: []string{},
		Rejected: []Rejection{},
		Waves:    [][]string{},
		Hosts:    make(map[string]*model.Host),
	}

	var candidates []*model.Host
	for _, h := range all {
		if h.Enabled {
			plan.TotalEnabledFleet++
		}
		if !HostMatchesSelector(h, sel) {
			continue
		}
		plan.Matched++
		if h.Fleet.RolloutPaused {
			plan.Rejected = append(plan.Rejected, Rejection{HostID: h.ID, Reason: ReasonRolloutPaused})
			continue
		}
		candidates = append(candidates, h)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Fleet.RolloutPriority != b.Fleet.RolloutPriority {
			return a.Fleet.RolloutPriority > b.Fleet.RolloutPriority
		}
		return a.ID < b.ID
	})

	res := ApplyBlastRadiusSafeguards(SafeguardInput{
		Hosts:             candidates,
		TotalEnabledFleet: plan.TotalEnabledFleet,
		Limits:            req.Limits,
	})
	plan.AllowedByPercent = res.AllowedByPercent
	plan.MaxHostsEffective = res.MaxHostsEffective
	plan.Rejected = append(plan.Rejected, res.Rejected...)
	for _, h := range res.Accepted {
		plan.Accepted = append(plan.Accepted, h.ID)
		plan.Hosts[h.ID] = h
	}

	waves, err := BuildRolloutStages(res.Accepted, req.BatchSize, strategy)
	if err != nil {
		return nil, err
	}
	for _, w := range waves {
		plan.Waves = append(plan.Waves, w.IDs())
	}
	return plan, nil
}
