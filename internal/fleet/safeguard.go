package fleet

import "github.com/msageha/fleetguard/internal/model"

// Rejection reasons.
const (
	ReasonMaxHosts      = "max_hosts"
	ReasonMaxPerGroup   = "max_per_group"
	ReasonRolloutPaused = "rollout_paused"
)

// Limits bound how much of the fleet one rollout may touch. MaxHosts and
// MaxPerGroup of zero are unlimited; a MaxPercentOfEnabledFleet of zero
// means 100.
type Limits struct {
	MaxHosts                 int `json:"maxHosts" validate:"gte=0"`
	MaxPerGroup              int `json:"maxPerGroup" validate:"gte=0"`
	MaxPercentOfEnabledFleet int `json:"maxPercentOfEnabledFleet" validate:"gte=0,lte=100"`
}

type SafeguardInput struct {
	Hosts             []*model.Host
	TotalEnabledFleet int
	Limits
}

type Rejection struct {
	HostID string `json:"hostId"`
	Reason string `json:"reason"`
}

type SafeguardResult struct {
	Accepted          []*model.Host
	Rejected          []Rejection
	MaxHostsEffective int
	AllowedByPercent  int
}

// ApplyBlastRadiusSafeguards walks in.Hosts in order and accepts each host
// unless doing so would exceed the effective host cap or its group's cap.
// Ungrouped hosts are not subject to MaxPerGroup.
func ApplyBlastRadiusSafeguards(in SafeguardInput) SafeguardResult {
	pct := in.MaxPercentOfEnabledFleet
	if pct <= 0 || pct > 100 {
		pct = 100
	}
	res := SafeguardResult{AllowedByPercent: in.TotalEnabledFleet * pct / 100}
	res.MaxHostsEffective = res.AllowedByPercent
	if in.MaxHosts > 0 && in.MaxHosts < res.MaxHostsEffective {
		res.MaxHostsEffective = in.MaxHosts
	}

	perGroup := make(map[string]int)
	for _, h := range in.Hosts {
		if len(res.Accepted) >= res.MaxHostsEffective {
			res.Rejected = append(res.Rejected, Rejection{HostID: h.ID, Reason: ReasonMaxHosts})
			continue
		}
		g := groupKey(h)
		if g != "" && in.MaxPerGroup > 0 && perGroup[g] >= in.MaxPerGroup {
			res.Rejected = append(res.Rejected, Rejection{HostID: h.ID, Reason: ReasonMaxPerGroup})
			continue
		}
		perGroup[g]++
		res.Accepted = append(res.Accepted, h)
	}
	return res
}
